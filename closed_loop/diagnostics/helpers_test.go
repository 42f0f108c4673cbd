package diagnostics

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	loop "mpc-car-core/closed_loop/control_loop"
	"mpc-car-core/utils"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *utils.Logger {
	return utils.NewLogger(io.Discard, utils.TRACE)
}

// syncBuffer lets a test read log output written from another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func okRecord(tick uint64, latency time.Duration, x float64) loop.SolveRecord {
	traj := make(loop.PredictedTrajectory, 3)
	for k := range traj {
		traj[k] = loop.TrajectoryStep{
			State:   loop.StateVector{X: x + float64(k), Y: 0.5 * float64(k), Speed: 2},
			Control: loop.ControlPair{Acceleration: 0.1, Steering: -0.05 * float64(k)},
		}
	}
	return loop.SolveRecord{
		Tick:       tick,
		Stamp:      t0.Add(time.Duration(tick) * 100 * time.Millisecond),
		Mode:       loop.ModeLinearQP,
		Latency:    latency,
		Status:     loop.StatusSuccess,
		State:      loop.StateVector{X: x, Speed: 2},
		Trajectory: traj,
	}
}

func failedRecord(tick uint64, latency time.Duration) loop.SolveRecord {
	return loop.SolveRecord{
		Tick:    tick,
		Stamp:   t0.Add(time.Duration(tick) * 100 * time.Millisecond),
		Mode:    loop.ModeNonlinearMPC,
		Latency: latency,
		Status:  loop.StatusMaxIterations,
		Err:     errors.New("nmpc solve failed: iteration limit exceeded"),
		State:   loop.StateVector{X: 1},
	}
}
