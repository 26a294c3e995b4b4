package mailbox

import (
	"testing"

	"github.com/kozos-go/kozos/internal/allocator"
	"github.com/kozos-go/kozos/internal/threadtab"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	heap := allocator.NewHeap(allocator.DefaultClasses())
	return NewStore(4, heap)
}

func TestSendBeforeRecvQueuesEnvelope(t *testing.T) {
	s := newStore(t)

	delivered, n, err := s.Send(0, threadtab.ID(1), []byte("hi"))
	require.NoError(t, err)
	require.Nil(t, delivered)
	require.Equal(t, 2, n)

	req := &threadtab.Request{}
	ok, err := s.Recv(0, nil, req)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, threadtab.ID(1), req.RetFrom)
	require.Equal(t, []byte("hi"), req.RetBytes)
}

func TestRecvBeforeSendParksReceiver(t *testing.T) {
	s := newStore(t)

	receiver := &threadtab.TCB{}
	req := &threadtab.Request{}
	ok, err := s.Recv(0, receiver, req)
	require.NoError(t, err)
	require.False(t, ok)

	delivered, _, err := s.Send(0, threadtab.ID(2), []byte("later"))
	require.NoError(t, err)
	require.Equal(t, receiver, delivered)
	require.Equal(t, threadtab.ID(2), req.RetFrom)
	require.Equal(t, []byte("later"), req.RetBytes)
}

func TestSecondReceiverIsRejected(t *testing.T) {
	s := newStore(t)

	_, err := s.Recv(0, &threadtab.TCB{}, &threadtab.Request{})
	require.NoError(t, err)

	_, err = s.Recv(0, &threadtab.TCB{}, &threadtab.Request{})
	require.ErrorIs(t, err, ErrReceiverBusy)
}

func TestInvalidMailboxID(t *testing.T) {
	s := newStore(t)
	_, _, err := s.Send(99, threadtab.ID(1), []byte("x"))
	require.ErrorIs(t, err, ErrInvalidMailbox)
}

func TestEnvelopeAllocationReturnsToHeapAfterDelivery(t *testing.T) {
	heap := allocator.NewHeap(allocator.DefaultClasses())
	s := NewStore(1, heap)
	before := heap.Snapshot()

	_, _, err := s.Send(0, threadtab.ID(1), []byte("round-trip"))
	require.NoError(t, err)

	req := &threadtab.Request{}
	ok, err := s.Recv(0, nil, req)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, before, heap.Snapshot())
}

func TestFIFOOrderWithinMailbox(t *testing.T) {
	s := newStore(t)

	_, _, err := s.Send(0, threadtab.ID(1), []byte("first"))
	require.NoError(t, err)
	_, _, err = s.Send(0, threadtab.ID(2), []byte("second"))
	require.NoError(t, err)

	req1 := &threadtab.Request{}
	ok, _ := s.Recv(0, nil, req1)
	require.True(t, ok)
	require.Equal(t, []byte("first"), req1.RetBytes)

	req2 := &threadtab.Request{}
	ok, _ = s.Recv(0, nil, req2)
	require.True(t, ok)
	require.Equal(t, []byte("second"), req2.RetBytes)
}
