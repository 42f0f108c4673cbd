package diagnostics

import (
	loop "mpc-car-core/closed_loop/control_loop"
	"mpc-car-core/utils"
)

// LogSink logs every failed solve and a latency summary every Every records.
// It is meant to run behind an AsyncSink, which calls it from one goroutine.
type LogSink struct {
	log   *utils.Logger
	every uint64

	n        uint64
	failures uint64
	window   Summary
}

func NewLogSink(log *utils.Logger, every int) *LogSink {
	if every <= 0 {
		every = 100
	}
	return &LogSink{log: log, every: uint64(every)}
}

func (s *LogSink) Record(rec loop.SolveRecord) {
	s.n++
	lat := ms(rec.Latency)
	s.window.Records++
	s.window.MeanLatency += lat
	if lat > s.window.MaxLatency {
		s.window.MaxLatency = lat
	}

	if !rec.OK() {
		s.failures++
		s.window.Failures++
		s.log.Warn("tick %d %s failed after %.3f ms: status=%v err=%v state=%v",
			rec.Tick, rec.Mode.Label(), lat, rec.Status, rec.Err, rec.State)
	}

	if s.n%s.every == 0 {
		s.log.Info("solves=%d failures=%d last %d: mean=%.3f ms max=%.3f ms failed=%d",
			s.n, s.failures, s.window.Records,
			s.window.MeanLatency/float64(s.window.Records), s.window.MaxLatency, s.window.Failures)
		s.window = Summary{}
	}
}
