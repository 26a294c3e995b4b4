package kozos

import (
	goruntime "runtime"

	"golang.org/x/sys/unix"

	"github.com/kozos-go/kozos/internal/threadtab"
)

// Runtime is the thread-facing API: the library veneer sitting where a
// trap instruction would. It is handed to a thread's entry function
// (func(*Runtime, []string)) rather than read back out of the TCB at
// bootstrap, since Go has no goroutine-local storage to read an implicit
// "self" from.
type Runtime struct {
	kernel *Kernel
	tcb    *threadtab.TCB
}

// trap is every blocking call's shared shape: stash the request in the
// TCB as the pending-request descriptor, send this thread's id on trapCh
// (the trap itself), then park on Resume until Kernel.run resumes this
// thread — which only happens once it is next scheduled, so a request
// that leaves the caller detached (sleep, a recv that found nothing)
// blocks here until something re-attaches it.
func (rt *Runtime) trap(req *threadtab.Request) *threadtab.Request {
	rt.tcb.Pending = req
	rt.kernel.trapCh <- rt.tcb.ID()
	<-rt.tcb.Resume
	return req
}

// ID returns this thread's own opaque identifier, without a round trip
// through the dispatcher (GetID exists for parity with kz_getid and for
// threads that want the re-attach side effect it carries, but a thread
// always knows its own id already).
func (rt *Runtime) ID() ThreadID {
	return rt.tcb.ID()
}

// Run creates a new thread at priority with its own entry point and
// argv, returning its id or an error if the thread table or the
// bump-pointer stack arena is exhausted.
func (rt *Runtime) Run(entry func(*Runtime, []string), name string, priority, stackSize int, argv ...string) (ThreadID, error) {
	req := rt.trap(&threadtab.Request{
		Type: threadtab.ReqRun,
		RunStartup: threadtab.Startup{
			Entry:     entry,
			Name:      name,
			Priority:  priority,
			StackSize: stackSize,
			Argv:      argv,
		},
	})
	return req.RetID, req.RetErr
}

// Exit terminates the calling thread: its TCB is freed and it is never
// rescheduled. It never returns to its caller — runtime.Goexit ends this
// goroutine immediately after the exit request is handed to the kernel.
func (rt *Runtime) Exit() {
	// The EXIT line is emitted before the trap is issued: this thread is
	// still the running thread here, so the line lands in strict program
	// order relative to every other thread's output — once the kernel has
	// the exit request it will resume someone else immediately.
	if rt.kernel.recorder != nil {
		rt.kernel.recorder.Record(rt.tcb.Name + " EXIT.")
	} else if rt.kernel.logger != nil {
		rt.kernel.logger.WithThread(int32(rt.tcb.ID())).Debug(rt.tcb.Name + " EXIT.")
	}
	rt.tcb.Pending = &threadtab.Request{Type: threadtab.ReqExit}
	rt.kernel.trapCh <- rt.tcb.ID()
	goruntime.Goexit()
}

// Wait rotates this thread to the tail of its own priority queue: the
// canonical cooperative round-robin yield at equal priority.
func (rt *Runtime) Wait() {
	rt.trap(&threadtab.Request{Type: threadtab.ReqWait})
}

// Sleep leaves this thread detached from every ready-queue. Only a
// matching Wakeup (or the panic path) will make it runnable again.
func (rt *Runtime) Sleep() {
	rt.trap(&threadtab.Request{Type: threadtab.ReqSleep})
}

// Wakeup re-attaches id at the tail of its own priority queue. If id
// outranks the caller, it becomes the scheduler's next pick — id's queue
// is empty by assumption (it was sleeping), so it lands at the head.
func (rt *Runtime) Wakeup(id ThreadID) {
	rt.trap(&threadtab.Request{Type: threadtab.ReqWakeup, Target: id})
}

// GetID is the trap-routed form of ID: it re-attaches the caller (a
// no-op, since a thread issuing any trap is already about to be
// re-attached) and returns its own id through the parameter union.
func (rt *Runtime) GetID() ThreadID {
	req := rt.trap(&threadtab.Request{Type: threadtab.ReqGetID})
	return req.RetID
}

// ChPri sets this thread's priority and re-attaches it at the new
// priority's tail, returning the priority that was in effect before the
// call. A negative or out-of-range p only reads the current priority
// without changing it.
func (rt *Runtime) ChPri(p int) int {
	req := rt.trap(&threadtab.Request{Type: threadtab.ReqChPri, NewPriority: p})
	return req.RetOldPriority
}

// KMalloc draws size bytes from the kernel's size-class heap. It returns
// a nil slice and an *allocator.ErrOutOfMemory if no class is large
// enough or the smallest class that is has no free block — a sentinel
// return the caller decides how to handle, not a panic.
func (rt *Runtime) KMalloc(size int) ([]byte, error) {
	req := rt.trap(&threadtab.Request{Type: threadtab.ReqKMalloc, Size: size})
	return req.RetBytes, req.RetErr
}

// KMFree returns a block previously obtained from KMalloc. block must be
// the slice KMalloc returned; freeing anything else, or
// freeing the same block twice, is a kernel invariant violation with no
// safe continuation and is routed to the panic channel.
func (rt *Runtime) KMFree(block any) {
	rt.trap(&threadtab.Request{Type: threadtab.ReqKMFree, Block: block})
}

// Send delivers payload to mailbox mbox. It never blocks: the envelope
// is allocated and queued (or handed straight to a waiting receiver)
// before Send returns the number of bytes sent. Envelope allocation
// failure is a kernel panic, not a value this method can return.
func (rt *Runtime) Send(mbox MailboxID, payload []byte) int {
	req := rt.trap(&threadtab.Request{Type: threadtab.ReqSend, MailboxID: mbox, Payload: payload})
	return req.RetSize
}

// Recv blocks until an envelope is available on mbox, then returns the
// sender's id and the delivered payload. Only one receiver may be
// outstanding per mailbox at a time; a second concurrent Recv on the same
// mailbox is a kernel invariant violation (panic), not a blocking
// queue-up.
func (rt *Runtime) Recv(mbox MailboxID) (ThreadID, []byte) {
	req := rt.trap(&threadtab.Request{Type: threadtab.ReqRecv, MailboxID: mbox})
	return req.RetFrom, req.RetBytes
}

// SetIntr installs handler as the driver for hardware-interrupt type
// typ, routing future Kernel.Interrupt(typ, ...) deliveries to it as a
// service call.
func (rt *Runtime) SetIntr(typ int, handler DriverHandler) {
	rt.trap(&threadtab.Request{Type: threadtab.ReqSetIntr, IntrType: typ, Handler: handler})
}

// Print writes line to the kernel's Recorder if one was configured via
// StartOptions, otherwise to its Logger at info level. This is the
// stand-in for a serial port: the only "output" a kozos thread has.
func (rt *Runtime) Print(line string) {
	if rt.kernel.recorder != nil {
		rt.kernel.recorder.Record(line)
		return
	}
	if rt.kernel.logger != nil {
		rt.kernel.logger.Info(line)
	}
}

// Fault simulates a hardware/software fault interrupt (illegal
// instruction, bus fault, ...) delivered against this thread: the engine
// prints the thread's name with a " DOWN." suffix, detaches and frees
// its TCB, and scheduling continues with the remaining threads. Fault
// never returns — like Exit, it ends this goroutine via runtime.Goexit.
// reason is carried only for logging, typed as unix.Signal since a
// soft-error on real hardware is an illegal-instruction or bus-fault
// trap.
func (rt *Runtime) Fault(reason unix.Signal) {
	rt.kernel.faultCh <- faultEvent{id: rt.tcb.ID(), reason: reason}
	goruntime.Goexit()
}

// Service is the handle a DriverHandler receives: the same dispatch
// surface Runtime exposes, but invoked with no caller thread — a service
// call rather than a system call — so every request here runs
// synchronously inside Kernel.run's own goroutine instead of hopping
// through trapCh.
type Service struct {
	kernel *Kernel
}

func (s *Service) call(req *threadtab.Request) *threadtab.Request {
	if err := s.kernel.dispatcher.Call(nil, req); err != nil {
		s.kernel.panic(err.Error())
	}
	return req
}

// Wakeup re-attaches id, the service-call equivalent of Runtime.Wakeup —
// used by driver handlers to hand an interrupt event off to a waiting
// thread.
func (s *Service) Wakeup(id ThreadID) {
	s.call(&threadtab.Request{Type: threadtab.ReqWakeup, Target: id})
}

// Send delivers payload to mbox from interrupt context, with no sender
// thread id (the receiving end sees a sender of -1).
func (s *Service) Send(mbox MailboxID, payload []byte) int {
	req := s.call(&threadtab.Request{Type: threadtab.ReqSend, MailboxID: mbox, Payload: payload})
	return req.RetSize
}

// SetIntr re-registers (or replaces) a driver handler from within another
// driver handler. Rarely needed, but the dispatch table makes no
// distinction based on who installs a handler.
func (s *Service) SetIntr(typ int, handler DriverHandler) {
	s.call(&threadtab.Request{Type: threadtab.ReqSetIntr, IntrType: typ, Handler: handler})
}
