// Package kozos implements the nucleus of a small preemptive microkernel:
// a fixed pool of priority-scheduled threads coordinating through
// rendezvous mailboxes and drawing transient memory from a size-class
// heap. It is a library reimagining of the KOZOS teaching kernel
// (written for an H8/3069 with no MMU and no hardware multiply) with
// goroutines standing in for hardware threads of control and channels
// standing in for the trap/interrupt/context-switch mechanism.
package kozos

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/kozos-go/kozos/internal/allocator"
	"github.com/kozos-go/kozos/internal/constants"
	"github.com/kozos-go/kozos/internal/dispatch"
	"github.com/kozos-go/kozos/internal/logging"
	"github.com/kozos-go/kozos/internal/mailbox"
	"github.com/kozos-go/kozos/internal/threadtab"
)

// ThreadID is a thread's opaque handle — a table slot, never a raw
// pointer. Run's result, Wakeup's target and Recv's sender all traffic in
// this type rather than exposing threadtab.TCB to callers.
type ThreadID = threadtab.ID

// MailboxID indexes directly into the kernel's fixed mailbox table.
type MailboxID = int

// Startup describes a thread to be created: entry function, name,
// priority, stack-size request and argv. Aliased from the internal thread
// table so callers outside this module can construct StartOptions and Run
// requests without reaching into internal packages.
type Startup = threadtab.Startup

// DriverHandler is the handler registered through SetIntr for a hardware
// interrupt type. It runs as a service call: no caller thread is detached
// or reattached around it, because an interrupt handler is not itself a
// thread.
type DriverHandler func(svc *Service, payload []byte)

// faultEvent is what Runtime.Fault sends on Kernel.faultCh: the soft-error
// path, routed around the dispatch table entirely — the interrupt entry
// prints, detaches and exits the faulting thread directly rather than
// going through a request handler.
type faultEvent struct {
	id     threadtab.ID
	reason unix.Signal
}

// intrEvent is one hardware-interrupt-equivalent delivery, queued onto
// Kernel.intrCh by Interrupt and drained by Kernel.run.
type intrEvent struct {
	typ     int
	payload []byte
}

// StartOptions configures Start. Zero fields take defaults, the same
// shape as logging.Config/DefaultConfig.
type StartOptions struct {
	// FirstThread describes the thread Start creates as if by a run
	// request before dispatching into the engine loop.
	FirstThread Startup

	// Classes configures the kernel allocator's size classes. Defaults to
	// allocator.DefaultClasses() if nil.
	Classes []allocator.ClassConfig

	// Mailboxes sizes the mailbox table. Defaults to constants.MaxMailboxes.
	Mailboxes int

	// Logger receives every kernel log line (dispatch errors, fault
	// messages, panics). Defaults to logging.Default().
	Logger *logging.Logger

	// Metrics receives dispatch counters and latency samples. Defaults to
	// a fresh NewMetrics().
	Metrics *Metrics

	// Recorder, if set, receives every line a thread prints via
	// Runtime.Print, and each thread's EXIT line, in place of the Logger —
	// the stand-in for a serial port, used by tests to assert exact output
	// ordering.
	Recorder *Recorder

	// PanicHandler replaces the default "log then block forever" panic
	// channel. Tests install a PanicRecorder's Handler() here to observe
	// double-free / double-receive / scheduler-stall panics
	// deterministically.
	PanicHandler func(msg string)
}

func (o StartOptions) withDefaults() StartOptions {
	if o.Classes == nil {
		o.Classes = allocator.DefaultClasses()
	}
	if o.Mailboxes == 0 {
		o.Mailboxes = constants.MaxMailboxes
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics()
	}
	return o
}

// Kernel owns every piece of mutable kernel state — thread table,
// ready-queues, mailboxes, allocator, current-thread pointer, driver
// handler table — and is the only thing that ever mutates it, confined to
// the single goroutine running Kernel.run. Every field is unexported so
// no other entry path into that state exists.
type Kernel struct {
	table      *threadtab.Table
	heap       *allocator.Heap
	mailboxes  *mailbox.Store
	dispatcher *dispatch.Dispatcher

	trapCh  chan threadtab.ID
	faultCh chan faultEvent
	intrCh  chan intrEvent

	current *threadtab.TCB

	logger       *logging.Logger
	metrics      *Metrics
	recorder     *Recorder
	panicHandler func(string)

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// Start builds the kernel's tables and heap, installs the first thread as
// if by a run request, and launches the engine goroutine — the Go-shaped
// equivalent of kz_start. Unlike kz_start, which never returns, Start
// returns once the engine is live; call Wait to block until it halts
// (panic or context cancellation), the idiomatic substitute for "does not
// return".
func Start(ctx context.Context, opts StartOptions) (*Kernel, error) {
	opts = opts.withDefaults()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(ctx)

	table := threadtab.NewTable()
	heap := allocator.NewHeap(opts.Classes)
	mboxes := mailbox.NewStore(opts.Mailboxes, heap)

	k := &Kernel{
		table:        table,
		heap:         heap,
		mailboxes:    mboxes,
		trapCh:       make(chan threadtab.ID),
		faultCh:      make(chan faultEvent),
		intrCh:       make(chan intrEvent, constants.InterruptQueueDepth),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		recorder:     opts.Recorder,
		panicHandler: opts.PanicHandler,
		eg:           eg,
		cancel:       cancel,
	}
	k.dispatcher = dispatch.New(table, mboxes, heap, k, k.logger, k.metrics)

	// Boot-time run request: issued directly (caller nil), the same way
	// kz_start's own thread_run call can't go through a trap because no
	// thread yet exists to trap from.
	firstReq := &threadtab.Request{Type: threadtab.ReqRun, RunStartup: opts.FirstThread}
	if err := k.dispatcher.Call(nil, firstReq); err != nil {
		cancel()
		return nil, err
	}
	if firstReq.RetErr != nil {
		cancel()
		return nil, firstReq.RetErr
	}

	eg.Go(func() error { return k.run(egCtx) })
	return k, nil
}

// Wait blocks until the engine goroutine and every thread goroutine it
// spawned have returned, and reports the engine's error (a kernel panic
// after a PanicHandler returns, or context cancellation). Thread
// goroutines end only through Exit or Fault and record no error; one
// still parked in a trap — asleep, blocked in Recv, or waiting on an
// engine that has already stopped — keeps Wait blocked even after the
// engine has returned.
func (k *Kernel) Wait() error {
	return k.eg.Wait()
}

// Interrupt delivers one hardware-interrupt-equivalent event of the given
// type, queuing it for Kernel.run to dispatch to whatever handler SetIntr
// registered. A producer outrunning InterruptQueueDepth blocks here until
// the kernel catches up rather than having events dropped; Interrupt
// returns ctx's error if it is cancelled first.
func (k *Kernel) Interrupt(ctx context.Context, typ int, payload []byte) error {
	select {
	case k.intrCh <- intrEvent{typ: typ, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns the kernel's live metrics instance.
func (k *Kernel) Metrics() *Metrics {
	return k.metrics
}

// Stop cancels the engine's context; Kernel.run returns ctx.Err() once it
// observes the cancellation. Thread goroutines are not cancelled: any
// thread parked in a trap stays parked, so Wait does not return while
// such a thread exists. There is no graceful drain of in-flight threads;
// the only other way a kernel stops is its panic channel.
func (k *Kernel) Stop() {
	k.cancel()
}

// Spawn implements dispatch.Spawner: it reserves a TCB and launches the
// goroutine backing it, which immediately parks on <-tcb.Resume. That
// park is the synthetic initial context — the moment a newly created
// thread's first dispatch will later resume into, standing in for a
// stack seeded to return into thread_init.
func (k *Kernel) Spawn(startup threadtab.Startup) (*threadtab.TCB, error) {
	if len(startup.Argv) > constants.MaxThreadArgs {
		startup.Argv = startup.Argv[:constants.MaxThreadArgs]
	}
	tcb, err := k.table.Alloc(startup)
	if err != nil {
		return nil, err
	}
	k.eg.Go(func() error {
		<-tcb.Resume
		rt := &Runtime{kernel: k, tcb: tcb}
		if entry, ok := startup.Entry.(func(*Runtime, []string)); ok && entry != nil {
			entry(rt, startup.Argv)
		}
		// An entry function that returns normally instead of calling
		// Runtime.Exit itself still exits.
		rt.Exit()
		return nil
	})
	return tcb, nil
}

// run is the shared interrupt entry and scheduler collapsed into one
// goroutine-resident loop: it picks the highest-priority runnable thread
// and resumes it, then multiplexes trapCh (SYSCALL), faultCh (SOFTERR)
// and intrCh (hardware interrupts routed to a driver handler) and applies
// the event's effect before scheduling again. It is the only goroutine
// that ever touches table, heap, mailboxes or the driver handler table.
func (k *Kernel) run(ctx context.Context) error {
	// The first iteration schedules before any event has arrived: the
	// boot-time run request left the first thread attached and parked, and
	// nothing will ever send on trapCh until some thread is resumed.
	reschedule := true
	for {
		if reschedule {
			next := k.table.Schedule()
			if next == nil {
				err := fmt.Errorf("kozos: scheduler stall: no runnable thread")
				k.panic(err.Error())
				return err
			}
			k.current = next
			next.Resume <- struct{}{}
		}
		reschedule = true

		// Priority-0 threads run with interrupts masked: intrCh is left
		// out of the select while one is current (a nil channel is never
		// ready), so hardware-interrupt events queue undelivered until a
		// lower-priority thread is scheduled again. Traps and faults
		// originate from the current thread itself and are always
		// serviced.
		var intr chan intrEvent
		if k.current == nil || k.current.Priority != 0 {
			intr = k.intrCh
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case id := <-k.trapCh:
			tcb := k.table.Lookup(id)
			if tcb == nil {
				// Stale trap from a freed slot: no kernel state changed
				// and the current thread is still the running one.
				reschedule = false
				continue
			}
			start := time.Now()
			err := k.dispatcher.Call(tcb, tcb.Pending)
			if k.metrics != nil {
				k.metrics.RecordLatency(time.Since(start))
			}
			if err != nil {
				flog := k.logger.WithThread(int32(tcb.ID()))
				switch tcb.Pending.Type {
				case threadtab.ReqSend, threadtab.ReqRecv:
					flog = flog.WithMailbox(tcb.Pending.MailboxID)
				}
				flog.Error("dispatch failed", "err", err)
				k.panic(err.Error())
				return err
			}

		case ev := <-k.faultCh:
			tcb := k.table.Lookup(ev.id)
			if tcb != nil {
				kerr := NewFaultError(int32(tcb.ID()), ev.reason)
				k.logger.WithThread(int32(tcb.ID())).Warn(tcb.Name+" DOWN.", "reason", kerr.Reason.String())
				k.table.DetachCurrent(tcb)
				k.table.Free(tcb.ID())
				if k.metrics != nil {
					k.metrics.IncFault()
				}
			}

		case ev := <-intr:
			// The current thread was not suspended by this delivery — a
			// running goroutine cannot be preempted from outside — so it
			// is still the running thread afterwards and must not be
			// handed a second resume token. Anything the handler made
			// runnable waits for the current thread's next trap.
			handler := k.dispatcher.IntrHandler(ev.typ)
			if fn, ok := handler.(DriverHandler); ok && fn != nil {
				fn(&Service{kernel: k}, ev.payload)
			}
			reschedule = false
		}
	}
}

// panic is the kernel's sysdown: it logs msg, then either hands off to a
// configured PanicHandler or blocks the engine goroutine forever. Parking
// on a channel receive is the Go-idiomatic substitute for spinning a real
// CPU core forever — the observable effect (this goroutine never
// progresses again) is identical, without busy-waiting a hosted process.
func (k *Kernel) panic(msg string) {
	if k.logger != nil {
		k.logger.Error(msg)
	}
	if k.metrics != nil {
		k.metrics.Stop()
	}
	if k.panicHandler != nil {
		k.panicHandler(msg)
		return
	}
	<-make(chan struct{})
}
