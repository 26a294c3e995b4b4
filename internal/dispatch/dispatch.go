// Package dispatch implements the kernel's system/service call dispatch
// table: one entry point decoding every request kind and applying its
// ready-queue, allocator and mailbox effects.
package dispatch

import (
	"fmt"

	"github.com/kozos-go/kozos/internal/allocator"
	"github.com/kozos-go/kozos/internal/constants"
	"github.com/kozos-go/kozos/internal/interfaces"
	"github.com/kozos-go/kozos/internal/mailbox"
	"github.com/kozos-go/kozos/internal/threadtab"
)

// Spawner creates the goroutine backing a new thread and returns its TCB,
// unattached to any ready-queue. Dispatch never starts goroutines itself —
// that responsibility belongs to whatever owns the thread lifecycle, kept
// out of this package to avoid it needing to know about Runtime or
// contexts.
type Spawner interface {
	Spawn(startup threadtab.Startup) (*threadtab.TCB, error)
}

// Dispatcher decodes a Request and performs its ready-queue, allocator
// and mailbox effects. It holds no goroutine of its own; callers (the
// kernel's interrupt entry) serialize every call onto a single goroutine,
// so nothing here needs a lock.
type Dispatcher struct {
	table     *threadtab.Table
	mailboxes *mailbox.Store
	heap      *allocator.Heap
	spawner   Spawner
	logger    interfaces.Logger
	metrics   interfaces.Metrics
	handlers  [constants.InterruptTypeCount]any
	blocks    map[*byte]*allocator.Block // kmalloc'd blocks, keyed by payload start
}

// New builds a Dispatcher over the given table, mailbox store and heap.
func New(table *threadtab.Table, mailboxes *mailbox.Store, heap *allocator.Heap, spawner Spawner, logger interfaces.Logger, metrics interfaces.Metrics) *Dispatcher {
	return &Dispatcher{table: table, mailboxes: mailboxes, heap: heap, spawner: spawner, logger: logger, metrics: metrics}
}

// IntrHandler returns the driver handler installed for typ, or nil if none
// was installed via setintr.
func (d *Dispatcher) IntrHandler(typ int) any {
	if typ < 0 || typ >= len(d.handlers) {
		return nil
	}
	return d.handlers[typ]
}

// FatalError wraps a dispatch failure with no safe continuation: a double
// free, a second mailbox receiver, or a send whose envelope could not be
// allocated. The kernel routes these to its panic handler rather than
// returning them to the calling thread.
type FatalError struct {
	Op  threadtab.RequestType
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("dispatch: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Call decodes req and applies its effect. caller is nil for a service
// call (driver-originated, no thread waiting on the result) and non-nil
// for a system call (a thread trapped into the kernel). Call detaches
// caller itself and reattaches it once the request completes, unless the
// request leaves caller intentionally blocked (sleep, or a recv that
// found nothing waiting). The caller is always reattached before any
// thread the request made runnable, so a same-priority caller keeps its
// queue position ahead of a thread it spawned, woke, or delivered to.
func (d *Dispatcher) Call(caller *threadtab.TCB, req *threadtab.Request) error {
	if caller != nil {
		d.table.DetachCurrent(caller)
	}
	if d.metrics != nil {
		d.metrics.IncDispatch(req.Type.String())
	}

	reattach := true
	var wake *threadtab.TCB
	var fatal error

	switch req.Type {
	case threadtab.ReqRun:
		tcb, err := d.spawner.Spawn(req.RunStartup)
		req.RetErr = err
		if err == nil {
			req.RetID = tcb.ID()
			wake = tcb
		}

	case threadtab.ReqExit:
		if caller != nil {
			d.table.Free(caller.ID())
		}
		reattach = false

	case threadtab.ReqWait:
		// Cooperative yield: nothing to do beyond the detach/reattach
		// that already happens around every call, which moves caller to
		// the tail of its own priority queue.

	case threadtab.ReqSleep:
		reattach = false

	case threadtab.ReqWakeup:
		wake = d.table.Lookup(req.Target)

	case threadtab.ReqGetID:
		if caller != nil {
			req.RetID = caller.ID()
		}

	case threadtab.ReqChPri:
		if caller != nil {
			req.RetOldPriority = caller.Priority
			// A negative or out-of-range priority only reads the current
			// value back without changing it.
			if req.NewPriority >= 0 && req.NewPriority < constants.PriorityCount {
				caller.Priority = req.NewPriority
			}
		}

	case threadtab.ReqKMalloc:
		blk, err := d.heap.Alloc(req.Size)
		req.RetErr = err
		if err == nil {
			req.RetBlock = blk
			req.RetBytes = blk.Payload
			if d.blocks == nil {
				d.blocks = make(map[*byte]*allocator.Block)
			}
			if len(blk.Payload) > 0 {
				d.blocks[&blk.Payload[0]] = blk
			}
		}

	case threadtab.ReqKMFree:
		// Block is either the *allocator.Block from RetBlock or the payload
		// slice kmalloc returned, which is mapped back to its block.
		blk, _ := req.Block.(*allocator.Block)
		if b, ok := req.Block.([]byte); ok && len(b) > 0 {
			blk = d.blocks[&b[0]]
		}
		if blk != nil && len(blk.Payload) > 0 {
			delete(d.blocks, &blk.Payload[0])
		}
		if err := d.heap.Free(blk); err != nil {
			fatal = &FatalError{Op: req.Type, Err: err}
		}

	case threadtab.ReqSend:
		// Service-call sends carry no sender thread; -1 marks that rather
		// than 0, which is a valid slot.
		from := threadtab.ID(-1)
		if caller != nil {
			from = caller.ID()
		}
		delivered, n, err := d.mailboxes.Send(req.MailboxID, from, req.Payload)
		if err != nil {
			fatal = &FatalError{Op: req.Type, Err: err}
			break
		}
		req.RetSize = n
		wake = delivered

	case threadtab.ReqRecv:
		ok, err := d.mailboxes.Recv(req.MailboxID, caller, req)
		if err != nil {
			fatal = &FatalError{Op: req.Type, Err: err}
			break
		}
		if !ok {
			reattach = false
		}

	case threadtab.ReqSetIntr:
		if req.IntrType >= 0 && req.IntrType < len(d.handlers) {
			d.handlers[req.IntrType] = req.Handler
		} else if d.logger != nil {
			d.logger.Warn("setintr: interrupt type out of range", "type", req.IntrType)
		}

	default:
		fatal = &FatalError{Op: req.Type, Err: fmt.Errorf("unknown request type %d", req.Type)}
	}

	if fatal != nil {
		return fatal
	}
	if caller != nil && reattach {
		d.table.AttachCurrent(caller)
	}
	if wake != nil {
		d.table.AttachCurrent(wake)
	}
	return nil
}
