package kozos

import "sync"

// PanicRecorder is a PanicHandler that records the first panic message
// instead of blocking the engine goroutine forever, so tests can assert
// on double-free, double-receive and scheduler-stall panics
// deterministically rather than hanging the test process. Soft-error
// termination is not routed here — see Runtime.Fault.
type PanicRecorder struct {
	mu      sync.Mutex
	message string
	done    chan struct{}
	once    sync.Once
}

// NewPanicRecorder builds an unfired recorder.
func NewPanicRecorder() *PanicRecorder {
	return &PanicRecorder{done: make(chan struct{})}
}

// Handler returns the func(string) to install as StartOptions.PanicHandler.
func (p *PanicRecorder) Handler() func(string) {
	return func(msg string) {
		p.mu.Lock()
		if p.message == "" {
			p.message = msg
		}
		p.mu.Unlock()
		p.once.Do(func() { close(p.done) })
	}
}

// Fired reports whether the kernel has panicked yet, without blocking.
func (p *PanicRecorder) Fired() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Message returns the first recorded panic message, or "" if none yet.
func (p *PanicRecorder) Message() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.message
}

// Wait blocks until a panic is recorded and returns its message. Tests
// should pair this with a test-level timeout (via a goroutine + select on
// a time.After, or -timeout) since a kernel that never panics never
// unblocks it.
func (p *PanicRecorder) Wait() string {
	<-p.done
	return p.Message()
}

// Recorder stands in for a serial port: a goroutine-safe line buffer
// that Runtime.Print and Runtime.Exit append to, so tests can assert on
// exact output ordering without racing on stdout or parsing log
// timestamps.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends one line.
func (r *Recorder) Record(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

// Lines returns a snapshot copy of every line recorded so far, in order.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Len reports how many lines have been recorded so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}
