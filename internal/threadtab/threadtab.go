// Package threadtab implements the kernel's thread pool and per-priority
// ready-queue: a fixed TCB array plus intrusive singly linked ready
// lists, one per priority level.
package threadtab

import (
	"fmt"
	"strings"

	"github.com/kozos-go/kozos/internal/constants"
)

// ID identifies a thread by its slot in the table, never by a raw
// pointer — an opaque handle a caller can hold onto and compare without
// seeing TCB layout.
type ID int32

// Startup carries what a thread needs to begin running. Entry is typed any
// rather than a concrete func type so this package never has to import the
// kernel package that owns the concrete signature (func(*kozos.Runtime,
// []string)) — the kernel casts it back at dispatch time.
type Startup struct {
	Entry     any
	Name      string
	Priority  int
	StackSize int
	Argv      []string
}

// TCB is one thread control block.
type TCB struct {
	id        ID
	next      *TCB
	ready     bool
	Name      string
	Priority  int
	StackBase int
	StackSize int
	Pending   *Request
	Resume    chan struct{}
}

// ID returns the thread's opaque identifier.
func (t *TCB) ID() ID { return t.id }

// IsReady reports whether the TCB is currently linked into a ready-queue.
func (t *TCB) IsReady() bool { return t.ready }

func truncateName(name string) string {
	if len(name) <= constants.ThreadNameSize {
		return name
	}
	return name[:constants.ThreadNameSize]
}

// RequestType enumerates the system/service call kinds the dispatcher
// handles.
type RequestType int

const (
	ReqRun RequestType = iota
	ReqExit
	ReqWait
	ReqSleep
	ReqWakeup
	ReqGetID
	ReqChPri
	ReqKMalloc
	ReqKMFree
	ReqSend
	ReqRecv
	ReqSetIntr
)

func (r RequestType) String() string {
	switch r {
	case ReqRun:
		return "run"
	case ReqExit:
		return "exit"
	case ReqWait:
		return "wait"
	case ReqSleep:
		return "sleep"
	case ReqWakeup:
		return "wakeup"
	case ReqGetID:
		return "getid"
	case ReqChPri:
		return "chpri"
	case ReqKMalloc:
		return "kmalloc"
	case ReqKMFree:
		return "kmfree"
	case ReqSend:
		return "send"
	case ReqRecv:
		return "recv"
	case ReqSetIntr:
		return "setintr"
	default:
		return "unknown"
	}
}

// Request is the parameter union passed from a thread-facing call into
// the dispatcher, and back out again with Ret* fields populated. One
// struct carries every call kind's parameters; only the fields for the
// active Type are meaningful.
type Request struct {
	Type RequestType

	// run
	RunStartup Startup

	// wakeup
	Target ID

	// chpri
	NewPriority int

	// kmalloc / kmfree
	Size  int
	Block any // *allocator.Block or kmalloc's payload slice, typed any to avoid an import cycle

	// send / recv
	MailboxID int
	Payload   []byte

	// setintr
	IntrType int
	Handler  any // kernel-owned driver handler func type

	// results
	RetID          ID
	RetErr         error
	RetSize        int
	RetFrom        ID
	RetBlock       any
	RetBytes       []byte
	RetOldPriority int
}

type queue struct {
	head, tail *TCB
}

// Table is the kernel's thread pool plus its priority ready-queues.
type Table struct {
	slots    []*TCB
	free     []ID
	queues   [constants.PriorityCount]queue
	stackTop int
}

// NewTable allocates a table with constants.MaxThreads slots, all initially
// free.
func NewTable() *Table {
	t := &Table{slots: make([]*TCB, constants.MaxThreads)}
	t.free = make([]ID, constants.MaxThreads)
	for i := range t.free {
		t.free[i] = ID(constants.MaxThreads - 1 - i)
	}
	return t
}

// ErrNoFreeThread is returned by Alloc when the table is exhausted. The
// pool is fixed-size and never grows, so this is a genuine resource
// exhaustion condition, not a bug.
var ErrNoFreeThread = fmt.Errorf("threadtab: no free thread slot")

// ErrStackExhausted is returned by Alloc when the requested stack size
// would overrun the bump-pointer stack arena.
var ErrStackExhausted = fmt.Errorf("threadtab: stack arena exhausted")

// ErrBadPriority is returned by Alloc for a priority outside
// [0, constants.PriorityCount).
var ErrBadPriority = fmt.Errorf("threadtab: priority out of range")

// Alloc reserves a slot, builds a TCB for it, and returns it unlinked
// from any ready-queue (the caller links it in once its goroutine is
// ready to run). Long names are truncated, and the requested stack size
// is validated against the arena.
func (t *Table) Alloc(s Startup) (*TCB, error) {
	if len(t.free) == 0 {
		return nil, ErrNoFreeThread
	}
	if s.Priority < 0 || s.Priority >= constants.PriorityCount {
		return nil, ErrBadPriority
	}
	stackSize := s.StackSize
	if stackSize <= 0 {
		stackSize = constants.DefaultStackSize
	}
	if t.stackTop+stackSize > constants.StackArenaSize {
		return nil, ErrStackExhausted
	}

	id := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	tcb := &TCB{
		id:        id,
		Name:      truncateName(strings.Clone(s.Name)),
		Priority:  s.Priority,
		StackBase: t.stackTop,
		StackSize: stackSize,
		Resume:    make(chan struct{}, 1),
	}
	t.stackTop += stackSize
	t.slots[id] = tcb
	return tcb, nil
}

// Lookup returns the TCB for id, or nil if the slot is free.
func (t *Table) Lookup(id ID) *TCB {
	if id < 0 || int(id) >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

// Free releases id's slot back to the pool. Stack extents are never
// reclaimed — stackTop is left untouched and only the TCB slot itself is
// recycled.
func (t *Table) Free(id ID) {
	t.slots[id] = nil
	t.free = append(t.free, id)
}

// DetachResult reports what DetachCurrent actually did: performed,
// already absent, or no current thread to act on.
type DetachResult int

const (
	Detached DetachResult = iota
	AlreadyDetached
	NoCurrent
)

// DetachCurrent unlinks current from the head of its priority queue and
// clears its ready flag. It is a no-op if current is nil or already not
// ready — current is invariantly the head of its queue whenever this is
// called, since detach only ever happens immediately upon a thread
// becoming current.
func (t *Table) DetachCurrent(current *TCB) DetachResult {
	if current == nil {
		return NoCurrent
	}
	if !current.ready {
		return AlreadyDetached
	}
	q := &t.queues[current.Priority]
	q.head = current.next
	if q.head == nil {
		q.tail = nil
	}
	current.next = nil
	current.ready = false
	return Detached
}

// AttachResult mirrors DetachResult for putcurrent.
type AttachResult int

const (
	Attached AttachResult = iota
	AlreadyAttached
	NoThread
)

// AttachCurrent appends tcb to the tail of its priority queue and sets its
// ready flag. No-op if tcb is nil or already ready.
func (t *Table) AttachCurrent(tcb *TCB) AttachResult {
	if tcb == nil {
		return NoThread
	}
	if tcb.ready {
		return AlreadyAttached
	}
	q := &t.queues[tcb.Priority]
	tcb.next = nil
	if q.tail == nil {
		q.head = tcb
	} else {
		q.tail.next = tcb
	}
	q.tail = tcb
	tcb.ready = true
	return Attached
}

// Reattach moves tcb to the tail of a (possibly new) priority's queue:
// detach, update the priority, attach.
func (t *Table) Reattach(tcb *TCB, priority int) {
	t.DetachCurrent(tcb)
	tcb.Priority = priority
	t.AttachCurrent(tcb)
}

// Schedule returns the head of the highest (numerically lowest) non-empty
// priority queue, or nil if every queue is empty — the latter is a kernel
// invariant violation the caller escalates to its panic handler, since a
// kernel with no runnable thread has nothing left to do.
func (t *Table) Schedule() *TCB {
	for p := 0; p < constants.PriorityCount; p++ {
		if h := t.queues[p].head; h != nil {
			return h
		}
	}
	return nil
}
