package loop

import (
	"context"
	"sync/atomic"
	"time"

	"mpc-car-core/utils"
)

// SolveRecord describes one solve attempt. Trajectory is empty unless the
// solve succeeded.
type SolveRecord struct {
	Tick       uint64
	Stamp      time.Time
	Mode       SolverMode
	Latency    time.Duration
	Status     Status
	Err        error
	State      StateVector
	Trajectory PredictedTrajectory
}

// OK reports whether the record is for a successful solve.
func (r SolveRecord) OK() bool {
	return r.Err == nil && r.Status.OK()
}

// DiagnosticsSink observes solve results. Record is called from the control
// tick, so implementations that can block belong behind an AsyncSink.
type DiagnosticsSink interface {
	Record(rec SolveRecord)
}

// SinkFunc adapts a function to DiagnosticsSink.
type SinkFunc func(rec SolveRecord)

func (f SinkFunc) Record(rec SolveRecord) { f(rec) }

// MultiSink forwards each record to every sink in order.
type MultiSink []DiagnosticsSink

func (m MultiSink) Record(rec SolveRecord) {
	for _, s := range m {
		s.Record(rec)
	}
}

// AsyncSink decouples the control tick from slow sinks with a bounded
// queue. Record never blocks: a full queue drops the incoming record.
type AsyncSink struct {
	queue   chan SolveRecord
	sink    DiagnosticsSink
	log     *utils.Logger
	dropped atomic.Uint64
	handled atomic.Uint64
}

// NewAsyncSink buffers up to size records for the downstream sinks.
func NewAsyncSink(size int, log *utils.Logger, sinks ...DiagnosticsSink) *AsyncSink {
	if size < 1 {
		size = 1
	}
	return &AsyncSink{
		queue: make(chan SolveRecord, size),
		sink:  MultiSink(sinks),
		log:   log,
	}
}

func (a *AsyncSink) Record(rec SolveRecord) {
	select {
	case a.queue <- rec:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.log.Warn("diagnostics queue full; dropped %d records", n)
		}
	}
}

// Run delivers queued records until ctx is canceled, then flushes what is
// already queued.
func (a *AsyncSink) Run(ctx context.Context) error {
	a.log.Debug("diagnostics loop started")
	defer a.log.Debug("diagnostics loop stopped")

	for {
		select {
		case <-ctx.Done():
			a.drain()
			return nil
		case rec := <-a.queue:
			a.deliver(rec)
		}
	}
}

func (a *AsyncSink) drain() {
	for {
		select {
		case rec := <-a.queue:
			a.deliver(rec)
		default:
			return
		}
	}
}

func (a *AsyncSink) deliver(rec SolveRecord) {
	a.sink.Record(rec)
	a.handled.Add(1)
}

// Dropped is the number of records discarded because the queue was full.
func (a *AsyncSink) Dropped() uint64 { return a.dropped.Load() }

// Handled is the number of records delivered downstream.
func (a *AsyncSink) Handled() uint64 { return a.handled.Load() }

// Pending is the number of records waiting in the queue.
func (a *AsyncSink) Pending() int { return len(a.queue) }
