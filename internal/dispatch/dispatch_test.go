package dispatch

import (
	"testing"

	"github.com/kozos-go/kozos/internal/allocator"
	"github.com/kozos-go/kozos/internal/mailbox"
	"github.com/kozos-go/kozos/internal/threadtab"
	"github.com/stretchr/testify/require"
)

type fakeSpawner struct {
	table *threadtab.Table
}

func (f *fakeSpawner) Spawn(startup threadtab.Startup) (*threadtab.TCB, error) {
	return f.table.Alloc(startup)
}

func newDispatcher(t *testing.T) (*Dispatcher, *threadtab.Table) {
	t.Helper()
	table := threadtab.NewTable()
	heap := allocator.NewHeap(allocator.DefaultClasses())
	mboxes := mailbox.NewStore(4, heap)
	d := New(table, mboxes, heap, &fakeSpawner{table: table}, nil, nil)
	return d, table
}

func TestRunCreatesAndAttachesThread(t *testing.T) {
	d, table := newDispatcher(t)

	req := &threadtab.Request{Type: threadtab.ReqRun, RunStartup: threadtab.Startup{Name: "worker", Priority: 3}}
	err := d.Call(nil, req)
	require.NoError(t, err)
	require.NoError(t, req.RetErr)

	tcb := table.Lookup(req.RetID)
	require.NotNil(t, tcb)
	require.True(t, tcb.IsReady())
}

func TestExitFreesCallerWithoutReattach(t *testing.T) {
	d, table := newDispatcher(t)
	tcb, err := table.Alloc(threadtab.Startup{Name: "a", Priority: 1})
	require.NoError(t, err)
	table.AttachCurrent(tcb)

	require.NoError(t, d.Call(tcb, &threadtab.Request{Type: threadtab.ReqExit}))
	require.Nil(t, table.Lookup(tcb.ID()))
}

func TestSleepLeavesCallerDetached(t *testing.T) {
	d, table := newDispatcher(t)
	tcb, _ := table.Alloc(threadtab.Startup{Name: "a", Priority: 1})
	table.AttachCurrent(tcb)

	require.NoError(t, d.Call(tcb, &threadtab.Request{Type: threadtab.ReqSleep}))
	require.False(t, tcb.IsReady())
}

func TestWakeupReattachesTarget(t *testing.T) {
	d, table := newDispatcher(t)
	sleeper, _ := table.Alloc(threadtab.Startup{Name: "sleeper", Priority: 1})
	table.AttachCurrent(sleeper)
	require.NoError(t, d.Call(sleeper, &threadtab.Request{Type: threadtab.ReqSleep}))
	require.False(t, sleeper.IsReady())

	waker, _ := table.Alloc(threadtab.Startup{Name: "waker", Priority: 1})
	table.AttachCurrent(waker)
	require.NoError(t, d.Call(waker, &threadtab.Request{Type: threadtab.ReqWakeup, Target: sleeper.ID()}))
	require.True(t, sleeper.IsReady())
}

func TestChPriMovesQueue(t *testing.T) {
	d, table := newDispatcher(t)
	tcb, _ := table.Alloc(threadtab.Startup{Name: "a", Priority: 5})
	table.AttachCurrent(tcb)

	require.NoError(t, d.Call(tcb, &threadtab.Request{Type: threadtab.ReqChPri, NewPriority: 0}))
	require.Equal(t, 0, tcb.Priority)
	require.Equal(t, tcb, table.Schedule())
}

func TestKMallocAndKMFreeRoundTrip(t *testing.T) {
	d, _ := newDispatcher(t)

	req := &threadtab.Request{Type: threadtab.ReqKMalloc, Size: 10}
	require.NoError(t, d.Call(nil, req))
	require.NoError(t, req.RetErr)
	require.NotNil(t, req.RetBlock)

	freeReq := &threadtab.Request{Type: threadtab.ReqKMFree, Block: req.RetBlock}
	require.NoError(t, d.Call(nil, freeReq))
}

func TestKMFreeDoubleFreeIsFatal(t *testing.T) {
	d, _ := newDispatcher(t)

	req := &threadtab.Request{Type: threadtab.ReqKMalloc, Size: 10}
	require.NoError(t, d.Call(nil, req))

	freeReq := &threadtab.Request{Type: threadtab.ReqKMFree, Block: req.RetBlock}
	require.NoError(t, d.Call(nil, freeReq))

	err := d.Call(nil, freeReq)
	require.Error(t, err)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestSendRecvRendezvousBothOrderings(t *testing.T) {
	d, table := newDispatcher(t)

	sender, _ := table.Alloc(threadtab.Startup{Name: "sender", Priority: 1})
	table.AttachCurrent(sender)
	require.NoError(t, d.Call(sender, &threadtab.Request{Type: threadtab.ReqSend, MailboxID: 0, Payload: []byte("a")}))

	recvReq := &threadtab.Request{Type: threadtab.ReqRecv, MailboxID: 0}
	receiver, _ := table.Alloc(threadtab.Startup{Name: "receiver", Priority: 1})
	table.AttachCurrent(receiver)
	require.NoError(t, d.Call(receiver, recvReq))
	require.Equal(t, []byte("a"), recvReq.RetBytes)

	recvReq2 := &threadtab.Request{Type: threadtab.ReqRecv, MailboxID: 0}
	require.NoError(t, d.Call(receiver, recvReq2))
	require.False(t, receiver.IsReady(), "receiver with no pending envelope stays detached")

	require.NoError(t, d.Call(sender, &threadtab.Request{Type: threadtab.ReqSend, MailboxID: 0, Payload: []byte("b")}))
	require.Equal(t, []byte("b"), recvReq2.RetBytes)
}

func TestRunReattachesCallerBeforeNewThread(t *testing.T) {
	d, table := newDispatcher(t)
	caller, _ := table.Alloc(threadtab.Startup{Name: "parent", Priority: 2})
	table.AttachCurrent(caller)

	req := &threadtab.Request{Type: threadtab.ReqRun, RunStartup: threadtab.Startup{Name: "child", Priority: 2}}
	require.NoError(t, d.Call(caller, req))
	require.NoError(t, req.RetErr)

	// At equal priority the caller keeps its place ahead of the thread it
	// spawned.
	require.Equal(t, caller, table.Schedule())
	table.DetachCurrent(caller)
	require.Equal(t, req.RetID, table.Schedule().ID())
}

func TestWakeupReattachesCallerBeforeTarget(t *testing.T) {
	d, table := newDispatcher(t)
	sleeper, _ := table.Alloc(threadtab.Startup{Name: "sleeper", Priority: 2})
	table.AttachCurrent(sleeper)
	require.NoError(t, d.Call(sleeper, &threadtab.Request{Type: threadtab.ReqSleep}))

	waker, _ := table.Alloc(threadtab.Startup{Name: "waker", Priority: 2})
	table.AttachCurrent(waker)
	require.NoError(t, d.Call(waker, &threadtab.Request{Type: threadtab.ReqWakeup, Target: sleeper.ID()}))

	require.Equal(t, waker, table.Schedule())
	table.DetachCurrent(waker)
	require.Equal(t, sleeper, table.Schedule())
}

func TestSendReattachesSenderBeforeWokenReceiver(t *testing.T) {
	d, table := newDispatcher(t)

	receiver, _ := table.Alloc(threadtab.Startup{Name: "receiver", Priority: 2})
	table.AttachCurrent(receiver)
	recvReq := &threadtab.Request{Type: threadtab.ReqRecv, MailboxID: 0}
	require.NoError(t, d.Call(receiver, recvReq))
	require.False(t, receiver.IsReady())

	sender, _ := table.Alloc(threadtab.Startup{Name: "sender", Priority: 2})
	table.AttachCurrent(sender)
	require.NoError(t, d.Call(sender, &threadtab.Request{Type: threadtab.ReqSend, MailboxID: 0, Payload: []byte("x")}))

	require.Equal(t, sender, table.Schedule())
	table.DetachCurrent(sender)
	require.Equal(t, receiver, table.Schedule())
}

func TestSetIntrInstallsHandler(t *testing.T) {
	d, _ := newDispatcher(t)
	handler := func() {}
	require.NoError(t, d.Call(nil, &threadtab.Request{Type: threadtab.ReqSetIntr, IntrType: 2, Handler: handler}))
	require.NotNil(t, d.IntrHandler(2))
}
