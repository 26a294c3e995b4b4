// Package mailbox implements bounded FIFO rendezvous mailboxes. Envelopes
// are heap objects: every send allocates one from the kernel's allocator
// and every matching receive frees it, so mailbox traffic is visible in
// allocator occupancy the same way it would be on a target with a real
// fixed-size heap behind it.
package mailbox

import (
	"fmt"

	"github.com/kozos-go/kozos/internal/allocator"
	"github.com/kozos-go/kozos/internal/threadtab"
)

// envelope is one message in a mailbox's FIFO.
type envelope struct {
	next    *envelope
	sender  threadtab.ID
	payload []byte
	block   *allocator.Block
}

// Mailbox holds at most one waiting receiver and a FIFO of envelopes,
// bounded in practice by the allocator's size classes.
type Mailbox struct {
	receiver   *threadtab.TCB
	head, tail *envelope
}

// Store is the kernel's set of mailboxes, indexed by small integer ids —
// unlike thread ids, mailbox ids are not meant to be opaque handles; they
// are just slots in a fixed-size table a caller picks directly.
type Store struct {
	boxes []Mailbox
	heap  *allocator.Heap
}

// NewStore builds a store of n mailboxes backed by heap for envelope
// allocation.
func NewStore(n int, heap *allocator.Heap) *Store {
	return &Store{boxes: make([]Mailbox, n), heap: heap}
}

// ErrInvalidMailbox is returned for an out-of-range mailbox id.
var ErrInvalidMailbox = fmt.Errorf("mailbox: invalid mailbox id")

// ErrReceiverBusy indicates Recv was called on a mailbox that already
// has a different waiting receiver. At most one receiver may be
// outstanding per mailbox; callers route a second one to the panic
// handler.
var ErrReceiverBusy = fmt.Errorf("mailbox: receiver already waiting")

func (s *Store) box(id int) (*Mailbox, error) {
	if id < 0 || id >= len(s.boxes) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMailbox, id)
	}
	return &s.boxes[id], nil
}

// Send allocates an envelope from the heap, appends it to id's FIFO, and
// if a receiver is already parked on this mailbox, immediately hands the
// envelope to it (returning the now-unparked receiver so the caller can
// reschedule it). It returns the number of bytes sent.
//
// Send never blocks: once the envelope itself is allocated the send
// always succeeds, deferring all blocking to the receive side.
func (s *Store) Send(id int, sender threadtab.ID, payload []byte) (delivered *threadtab.TCB, size int, err error) {
	box, err := s.box(id)
	if err != nil {
		return nil, 0, err
	}

	blk, err := s.heap.Alloc(len(payload))
	if err != nil {
		return nil, 0, err
	}
	n := copy(blk.Payload, payload)
	env := &envelope{sender: sender, payload: blk.Payload[:n], block: blk}

	if box.head == nil {
		box.head = env
	} else {
		box.tail.next = env
	}
	box.tail = env

	if box.receiver != nil {
		rcv := box.receiver
		req := rcv.Pending
		s.deliver(box, req)
		box.receiver = nil
		return rcv, n, nil
	}
	return nil, n, nil
}

// Recv installs caller as id's receiver. If the mailbox's FIFO already has
// a pending envelope, it is delivered immediately and ok reports true; the
// kernel then reschedules caller itself rather than parking it. If the
// FIFO is empty, Recv parks caller as the receiver and ok reports false —
// the kernel leaves caller detached until a later Send delivers to it.
func (s *Store) Recv(id int, caller *threadtab.TCB, req *threadtab.Request) (ok bool, err error) {
	box, err := s.box(id)
	if err != nil {
		return false, err
	}
	if box.receiver != nil && box.receiver != caller {
		return false, ErrReceiverBusy
	}
	if box.head == nil {
		box.receiver = caller
		if caller != nil {
			caller.Pending = req
		}
		return false, nil
	}
	s.deliver(box, req)
	return true, nil
}

// deliver pops the head envelope into req's result fields and frees its
// heap block. Caller must ensure box.head is non-nil.
func (s *Store) deliver(box *Mailbox, req *threadtab.Request) {
	env := box.head
	box.head = env.next
	if box.head == nil {
		box.tail = nil
	}
	req.RetFrom = env.sender
	req.RetBytes = env.payload
	req.RetSize = len(env.payload)
	// Free errors here indicate a kernel-internal bookkeeping bug (the
	// block was already freed behind the store's back); there is no
	// caller to return an error to from inside delivery, so this is
	// intentionally left for the allocator's own invariant to have
	// caught earlier.
	_ = s.heap.Free(env.block)
}
