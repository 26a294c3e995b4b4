package kozos

import (
	"sync/atomic"
	"time"
)

// latencyBuckets defines the dispatch-latency histogram buckets in
// nanoseconds, logarithmically spaced from 1us to 1s.
var latencyBuckets = []uint64{
	1_000,         // 1us
	10_000,        // 10us
	100_000,       // 100us
	1_000_000,     // 1ms
	10_000_000,    // 10ms
	100_000_000,   // 100ms
	1_000_000_000, // 1s
}

const numLatencyBuckets = 7

// Metrics tracks operational statistics for a running Kernel: one counter
// per dispatch request type, a fault counter, and a latency histogram over
// every trap-routed Dispatcher.Call. It implements internal/interfaces.Metrics so the
// dispatcher can record against it without importing this package.
type Metrics struct {
	RunOps     atomic.Uint64
	ExitOps    atomic.Uint64
	WaitOps    atomic.Uint64
	SleepOps   atomic.Uint64
	WakeupOps  atomic.Uint64
	GetIDOps   atomic.Uint64
	ChPriOps   atomic.Uint64
	KMallocOps atomic.Uint64
	KMFreeOps  atomic.Uint64
	SendOps    atomic.Uint64
	RecvOps    atomic.Uint64
	SetIntrOps atomic.Uint64
	UnknownOps atomic.Uint64

	Faults atomic.Uint64

	TotalDispatchNs atomic.Uint64
	LatencySamples  atomic.Uint64
	DispatchCount   atomic.Uint64
	LatencyBuckets  [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a metrics instance with its start time stamped to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// IncDispatch records one call to the named request type. op is the
// threadtab.RequestType.String() value, so this switch's cases are the
// literal request-table names from the dispatch package.
func (m *Metrics) IncDispatch(op string) {
	switch op {
	case "run":
		m.RunOps.Add(1)
	case "exit":
		m.ExitOps.Add(1)
	case "wait":
		m.WaitOps.Add(1)
	case "sleep":
		m.SleepOps.Add(1)
	case "wakeup":
		m.WakeupOps.Add(1)
	case "getid":
		m.GetIDOps.Add(1)
	case "chpri":
		m.ChPriOps.Add(1)
	case "kmalloc":
		m.KMallocOps.Add(1)
	case "kmfree":
		m.KMFreeOps.Add(1)
	case "send":
		m.SendOps.Add(1)
	case "recv":
		m.RecvOps.Add(1)
	case "setintr":
		m.SetIntrOps.Add(1)
	default:
		m.UnknownOps.Add(1)
	}
	m.DispatchCount.Add(1)
}

// IncFault records one soft-error thread termination.
func (m *Metrics) IncFault() {
	m.Faults.Add(1)
}

// RecordLatency folds one Dispatcher.Call duration into the running total
// and histogram. Called by Kernel.run around every trap dispatch; service
// calls and the boot-time run request are not timed.
func (m *Metrics) RecordLatency(d time.Duration) {
	ns := uint64(d.Nanoseconds())
	m.TotalDispatchNs.Add(ns)
	m.LatencySamples.Add(1)
	for i, bucket := range latencyBuckets {
		if ns <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop stamps the metrics instance's stop time, used to freeze uptime once
// a Kernel halts.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics suitable for printing
// or asserting against in tests, without holding a reference to the live
// atomics.
type MetricsSnapshot struct {
	RunOps     uint64
	ExitOps    uint64
	WaitOps    uint64
	SleepOps   uint64
	WakeupOps  uint64
	GetIDOps   uint64
	ChPriOps   uint64
	KMallocOps uint64
	KMFreeOps  uint64
	SendOps    uint64
	RecvOps    uint64
	SetIntrOps uint64
	UnknownOps uint64

	Faults        uint64
	DispatchCount uint64

	AvgDispatchLatencyNs uint64
	LatencyHistogram     [numLatencyBuckets]uint64

	UptimeNs uint64
}

// Snapshot takes a consistent-enough (individually atomic, not
// transactionally joined) copy of every counter plus derived statistics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RunOps:        m.RunOps.Load(),
		ExitOps:       m.ExitOps.Load(),
		WaitOps:       m.WaitOps.Load(),
		SleepOps:      m.SleepOps.Load(),
		WakeupOps:     m.WakeupOps.Load(),
		GetIDOps:      m.GetIDOps.Load(),
		ChPriOps:      m.ChPriOps.Load(),
		KMallocOps:    m.KMallocOps.Load(),
		KMFreeOps:     m.KMFreeOps.Load(),
		SendOps:       m.SendOps.Load(),
		RecvOps:       m.RecvOps.Load(),
		SetIntrOps:    m.SetIntrOps.Load(),
		UnknownOps:    m.UnknownOps.Load(),
		Faults:        m.Faults.Load(),
		DispatchCount: m.DispatchCount.Load(),
	}

	totalNs := m.TotalDispatchNs.Load()
	if samples := m.LatencySamples.Load(); samples > 0 {
		snap.AvgDispatchLatencyNs = totalNs / samples
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	start := m.StartTime.Load()
	if stop := m.StopTime.Load(); stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	return snap
}
