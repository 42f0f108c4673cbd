package diagnostics

import (
	"sync"
	"time"

	loop "mpc-car-core/closed_loop/control_loop"
)

// Point is a planar position in the odometry frame.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// History keeps the most recent solve records in a ring and running totals
// over the whole run. It is safe for concurrent use.
type History struct {
	mu   sync.RWMutex
	buf  []loop.SolveRecord
	next int
	full bool

	lastOK     loop.SolveRecord
	haveOK     bool
	total      uint64
	failures   uint64
	latencySum time.Duration
	latencyMax time.Duration
}

// Summary aggregates every record seen.
type Summary struct {
	Records     uint64  `json:"records"`
	Failures    uint64  `json:"failures"`
	MeanLatency float64 `json:"mean_latency_ms"`
	MaxLatency  float64 `json:"max_latency_ms"`
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 256
	}
	return &History{buf: make([]loop.SolveRecord, size)}
}

func (h *History) Record(rec loop.SolveRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = rec
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}

	h.total++
	if rec.OK() {
		h.lastOK, h.haveOK = rec, true
	} else {
		h.failures++
	}
	h.latencySum += rec.Latency
	if rec.Latency > h.latencyMax {
		h.latencyMax = rec.Latency
	}
}

// Recent returns up to n records, oldest first. n <= 0 returns all retained.
func (h *History) Recent(n int) []loop.SolveRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	size := h.next
	if h.full {
		size = len(h.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]loop.SolveRecord, n)
	start := h.next - n
	if start < 0 {
		start += len(h.buf)
	}
	for i := 0; i < n; i++ {
		out[i] = h.buf[(start+i)%len(h.buf)]
	}
	return out
}

// LatestOK returns the newest successful record.
func (h *History) LatestOK() (loop.SolveRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastOK, h.haveOK
}

func (h *History) Summary() Summary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Summary{Records: h.total, Failures: h.failures, MaxLatency: ms(h.latencyMax)}
	if h.total > 0 {
		s.MeanLatency = ms(h.latencySum) / float64(h.total)
	}
	return s
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
