package loop

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mpc-car-core/utils"
)

func testLogger() *utils.Logger {
	return utils.NewLogger(io.Discard, utils.TRACE)
}

// scriptedSolver returns queued statuses in order, then success. Step k of
// the trajectory is built from step0 so extraction can be checked.
type scriptedSolver struct {
	mu        sync.Mutex
	statuses  []Status
	step0     ControlPair
	horizon   int
	linear    int
	nonlinear int
	seen      []StateVector
	actuated  []ControlPair
	// gate, when set, blocks the first blockCalls solves until closed.
	gate       chan struct{}
	blockCalls int
	started    chan struct{}
}

func newScriptedSolver(step0 ControlPair, statuses ...Status) *scriptedSolver {
	return &scriptedSolver{step0: step0, statuses: statuses, horizon: 5}
}

func (s *scriptedSolver) next(state StateVector, nonlinear bool) (Status, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nonlinear {
		s.nonlinear++
	} else {
		s.linear++
	}
	s.seen = append(s.seen, state)
	var gate chan struct{}
	if s.gate != nil && s.linear+s.nonlinear <= s.blockCalls {
		gate = s.gate
	}
	if len(s.statuses) == 0 {
		return StatusSuccess, gate
	}
	st := s.statuses[0]
	s.statuses = s.statuses[1:]
	return st, gate
}

func (s *scriptedSolver) wait(ctx context.Context, gate chan struct{}) {
	if gate == nil {
		return
	}
	if s.started != nil {
		s.started <- struct{}{}
	}
	<-gate
}

func (s *scriptedSolver) SolveLinear(ctx context.Context, state StateVector) Status {
	st, gate := s.next(state, false)
	s.wait(ctx, gate)
	return st
}

func (s *scriptedSolver) SolveNonlinear(ctx context.Context, state StateVector) Status {
	st, gate := s.next(state, true)
	s.wait(ctx, gate)
	return st
}

func (s *scriptedSolver) PredictedStep(k int) (StateVector, ControlPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.step0
	u.Acceleration += float64(k) * 0.5
	return StateVector{X: float64(k), Speed: float64(k) * 0.1}, u
}

func (s *scriptedSolver) Horizon() int { return s.horizon }

func (s *scriptedSolver) Actuated(u ControlPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actuated = append(s.actuated, u)
}

func (s *scriptedSolver) actuatedCommands() []ControlPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ControlPair(nil), s.actuated...)
}

func (s *scriptedSolver) calls() (linear, nonlinear int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linear, s.nonlinear
}

func (s *scriptedSolver) seenStates() []StateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StateVector(nil), s.seen...)
}

// recordingPublisher keeps every published command.
type recordingPublisher struct {
	mu   sync.Mutex
	cmds []Command
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, cmd Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmds = append(p.cmds, cmd)
	return p.err
}

func (p *recordingPublisher) commands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Command(nil), p.cmds...)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, cmd Command) error {
	args := m.Called(ctx, cmd)
	return args.Error(0)
}

// recordingSink keeps every diagnostics record.
type recordingSink struct {
	mu   sync.Mutex
	recs []SolveRecord
}

func (r *recordingSink) Record(rec SolveRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordingSink) records() []SolveRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SolveRecord(nil), r.recs...)
}

type fixture struct {
	est   *Estimator
	sol   *scriptedSolver
	pub   *recordingPublisher
	diag  *recordingSink
	clock *utils.MockClock
	sched *Scheduler
}

func newFixture(t *testing.T, cfg Config, mode SolverMode, sol *scriptedSolver) *fixture {
	t.Helper()
	strat, err := StrategyFor(mode)
	require.NoError(t, err)

	f := &fixture{
		est:   NewEstimator(),
		sol:   sol,
		pub:   &recordingPublisher{},
		diag:  &recordingSink{},
		clock: utils.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	f.sched, err = NewScheduler(cfg, Deps{
		State:       f.est,
		Solver:      sol,
		Strategy:    strat,
		Publisher:   f.pub,
		Diagnostics: f.diag,
		Clock:       f.clock,
		Log:         testLogger(),
	})
	require.NoError(t, err)
	return f
}

func levelPose(x, y float64) Pose {
	return Pose{Position: Vec3{X: x, Y: y}, Orientation: Quaternion{W: 1}}
}
