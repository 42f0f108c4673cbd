package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mpc-car-core/utils"
)

var baseConfig = Config{Period: 100 * time.Millisecond}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, baseConfig.Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Period: time.Second, SolveTimeout: -1}.Validate())
	assert.Error(t, Config{Period: time.Second, MaxConsecutiveFailures: -1}.Validate())
}

func TestNewSchedulerRequiresDeps(t *testing.T) {
	strat, _ := StrategyFor(ModeLinearQP)
	_, err := NewScheduler(baseConfig, Deps{Solver: newScriptedSolver(ControlPair{}), Strategy: strat, Publisher: &recordingPublisher{}, Log: testLogger()})
	assert.ErrorContains(t, err, "state source")

	_, err = NewScheduler(baseConfig, Deps{State: NewEstimator(), Solver: newScriptedSolver(ControlPair{}), Publisher: &recordingPublisher{}, Log: testLogger()})
	assert.ErrorContains(t, err, "strategy")
}

func TestTickBeforeFirstSampleIsNoop(t *testing.T) {
	f := newFixture(t, baseConfig, ModeLinearQP, newScriptedSolver(ControlPair{Acceleration: 1}))

	for i := 0; i < 5; i++ {
		res := f.sched.Tick(context.Background(), f.clock.Now())
		assert.Equal(t, TickUninitialized, res.Outcome)
		assert.Nil(t, res.Command)
	}

	lin, non := f.sol.calls()
	assert.Zero(t, lin+non, "solver must not run before the first sample")
	assert.Empty(t, f.pub.commands())
	assert.Empty(t, f.diag.records())
	assert.Equal(t, PhaseUninitialized, f.sched.Phase())
	assert.Equal(t, uint64(5), f.sched.Stats().Ticks)
}

func TestEndToEndLinearQP(t *testing.T) {
	sol := newScriptedSolver(ControlPair{Acceleration: 1.0, Steering: 0.2})
	strat, err := StrategyFor(ModeLinearQP)
	require.NoError(t, err)

	est := NewEstimator()
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(c Command) bool {
		return c.Acceleration == 1.0 && c.Steering == 0.2 && c.FrameID == "world"
	})).Return(nil).Once()

	sched, err := NewScheduler(Config{Period: 100 * time.Millisecond}, Deps{
		State: est, Solver: sol, Strategy: strat, Publisher: pub, Log: testLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseUninitialized, sched.Phase())

	est.Update(levelPose(0, 0), Twist{})
	res := sched.Tick(context.Background(), time.Now())

	require.Equal(t, TickPublished, res.Outcome)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, PhaseReady, sched.Phase())
	pub.AssertExpectations(t)
	pub.AssertNumberOfCalls(t, "Publish", 1)

	lin, non := sol.calls()
	assert.Equal(t, 1, lin)
	assert.Zero(t, non)
	assert.Equal(t, []StateVector{{}}, sol.seenStates())
}

func TestPublishedControlEqualsStepZero(t *testing.T) {
	pairs := []ControlPair{
		{Acceleration: 0, Steering: 0},
		{Acceleration: -3.75, Steering: 0.523598775598},
		{Acceleration: 1e-9, Steering: -1e-9},
		{Acceleration: 2.5, Steering: -0.61},
	}
	for _, want := range pairs {
		f := newFixture(t, baseConfig, ModeLinearQP, newScriptedSolver(want))
		f.est.Update(levelPose(1, 1), Twist{Linear: Vec3{X: 1}})

		res := f.sched.Tick(context.Background(), f.clock.Now())
		require.Equal(t, TickPublished, res.Outcome)

		cmds := f.pub.commands()
		require.Len(t, cmds, 1)
		assert.Equal(t, want, cmds[0].Control())
		assert.Equal(t, f.clock.Now(), cmds[0].Stamp)
		assert.Equal(t, DefaultFrameID, cmds[0].FrameID)
	}
}

func TestNonlinearModeUsesNonlinearSolve(t *testing.T) {
	f := newFixture(t, baseConfig, ModeNonlinearMPC, newScriptedSolver(ControlPair{Steering: 0.1}))
	f.est.Update(levelPose(0, 0), Twist{})

	for i := 0; i < 3; i++ {
		assert.Equal(t, TickPublished, f.sched.Tick(context.Background(), f.clock.Now()).Outcome)
	}
	lin, non := f.sol.calls()
	assert.Zero(t, lin)
	assert.Equal(t, 3, non)
	assert.Equal(t, ModeNonlinearMPC, f.sched.Mode())
}

func TestFailedSolvesPublishNothingAndLoopContinues(t *testing.T) {
	sol := newScriptedSolver(ControlPair{Acceleration: 0.7, Steering: -0.1}, StatusInfeasible, StatusMaxIterations)
	f := newFixture(t, baseConfig, ModeLinearQP, sol)
	f.est.Update(levelPose(0, 0), Twist{})
	ctx := context.Background()

	first := f.sched.Tick(ctx, f.clock.Now())
	assert.Equal(t, TickSolveFailed, first.Outcome)
	assert.Equal(t, StatusInfeasible, first.Status)
	var se *SolveError
	require.ErrorAs(t, first.Err, &se)
	assert.Equal(t, StatusInfeasible, se.Status)
	assert.ErrorIs(t, first.Err, ErrSolveFailed)

	second := f.sched.Tick(ctx, f.clock.Now())
	assert.Equal(t, TickSolveFailed, second.Outcome)
	assert.Empty(t, f.pub.commands())
	assert.Equal(t, PhaseReady, f.sched.Phase())
	assert.Equal(t, int64(2), f.sched.Stats().ConsecutiveFailures)

	third := f.sched.Tick(ctx, f.clock.Now())
	require.Equal(t, TickPublished, third.Outcome)
	cmds := f.pub.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, ControlPair{Acceleration: 0.7, Steering: -0.1}, cmds[0].Control())

	st := f.sched.Stats()
	assert.Equal(t, uint64(2), st.SolveFailures)
	assert.Equal(t, uint64(1), st.Published)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestDiagnosticsReceiveTrajectoryAndFailures(t *testing.T) {
	sol := newScriptedSolver(ControlPair{Acceleration: 1}, StatusNumericalFailure)
	f := newFixture(t, baseConfig, ModeLinearQP, sol)
	f.est.Update(levelPose(3, 4), Twist{})
	ctx := context.Background()

	f.sched.Tick(ctx, f.clock.Now())
	f.sched.Tick(ctx, f.clock.Now())

	recs := f.diag.records()
	require.Len(t, recs, 2)

	assert.False(t, recs[0].OK())
	assert.Equal(t, StatusNumericalFailure, recs[0].Status)
	assert.Empty(t, recs[0].Trajectory)

	assert.True(t, recs[1].OK())
	require.Len(t, recs[1].Trajectory, sol.horizon)
	assert.Equal(t, ControlPair{Acceleration: 1}, recs[1].Trajectory.First().Control)
	assert.Equal(t, 3.0, recs[1].Trajectory[4].Control.Acceleration)
	assert.Equal(t, StateVector{X: 3, Y: 4}, recs[1].State)
	assert.Equal(t, ModeLinearQP, recs[1].Mode)
}

func TestPublishErrorIsReportedButNotASolveFailure(t *testing.T) {
	f := newFixture(t, baseConfig, ModeLinearQP, newScriptedSolver(ControlPair{}, StatusInfeasible))
	f.pub.err = errors.New("bus off")
	f.est.Update(levelPose(0, 0), Twist{})

	assert.Equal(t, TickSolveFailed, f.sched.Tick(context.Background(), f.clock.Now()).Outcome)
	res := f.sched.Tick(context.Background(), f.clock.Now())
	assert.Equal(t, TickPublishFailed, res.Outcome)
	assert.ErrorContains(t, res.Err, "bus off")

	st := f.sched.Stats()
	assert.Equal(t, uint64(1), st.PublishErrors)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestSolverLearnsOnlyPublishedCommands(t *testing.T) {
	sol := newScriptedSolver(ControlPair{Acceleration: 0.7, Steering: -0.1}, StatusInfeasible)
	f := newFixture(t, baseConfig, ModeLinearQP, sol)
	f.est.Update(levelPose(0, 0), Twist{})
	ctx := context.Background()

	assert.Equal(t, TickSolveFailed, f.sched.Tick(ctx, f.clock.Now()).Outcome)
	assert.Empty(t, sol.actuatedCommands())

	f.pub.err = errors.New("bus off")
	assert.Equal(t, TickPublishFailed, f.sched.Tick(ctx, f.clock.Now()).Outcome)
	assert.Empty(t, sol.actuatedCommands(), "a command that never left must not be reported")

	f.pub.err = nil
	assert.Equal(t, TickPublished, f.sched.Tick(ctx, f.clock.Now()).Outcome)
	assert.Equal(t, []ControlPair{{Acceleration: 0.7, Steering: -0.1}}, sol.actuatedCommands())
}

func TestSolveDeadlineExceeded(t *testing.T) {
	sol := newScriptedSolver(ControlPair{Acceleration: 0.3})
	sol.gate = make(chan struct{})
	sol.blockCalls = 1
	cfg := baseConfig
	cfg.SolveTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg, ModeLinearQP, sol)
	f.est.Update(levelPose(0, 0), Twist{})
	ctx := context.Background()

	res := f.sched.Tick(ctx, f.clock.Now())
	assert.Equal(t, TickDeadlineExceeded, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrDeadlineExceeded)
	assert.Empty(t, f.pub.commands())

	// The abandoned solve still owns the solver.
	assert.Equal(t, TickOverlapSkipped, f.sched.Tick(ctx, f.clock.Now()).Outcome)

	close(sol.gate)
	require.Eventually(t, func() bool {
		return f.sched.Tick(ctx, f.clock.Now()).Outcome == TickPublished
	}, time.Second, 5*time.Millisecond)

	st := f.sched.Stats()
	assert.Equal(t, uint64(1), st.DeadlineMisses)
	assert.GreaterOrEqual(t, st.SkippedTicks, uint64(1))
	assert.Len(t, f.pub.commands(), 1)
}

// runLoop starts Run and waits until its ticker exists.
func runLoop(t *testing.T, f *fixture) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()
	require.Eventually(t, func() bool { return f.clock.Tickers() == 1 }, time.Second, time.Millisecond)
	return cancel, done
}

// step advances one period and waits for the tick to be taken.
func step(t *testing.T, f *fixture, period time.Duration) {
	t.Helper()
	f.clock.Advance(period)
	require.Eventually(t, func() bool { return f.clock.Pending() == 0 }, time.Second, time.Millisecond)
}

// waitTicks blocks until the worker has finished n ticks.
func waitTicks(t *testing.T, f *fixture, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.sched.Stats().Ticks == n && !f.sched.inflight.Load()
	}, time.Second, time.Millisecond)
}

func TestRunPublishesOnEachTick(t *testing.T) {
	f := newFixture(t, baseConfig, ModeLinearQP, newScriptedSolver(ControlPair{Acceleration: 0.5}))
	cancel, done := runLoop(t, f)

	step(t, f, baseConfig.Period)
	waitTicks(t, f, 1)
	assert.Empty(t, f.pub.commands(), "no sample yet")

	f.est.Update(levelPose(1, 0), Twist{})
	for i := 0; i < 3; i++ {
		step(t, f, baseConfig.Period)
		waitTicks(t, f, uint64(i+2))
	}
	assert.Len(t, f.pub.commands(), 3)
	assert.Zero(t, f.sched.Stats().SkippedTicks)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunSkipsTicksDuringSolve(t *testing.T) {
	sol := newScriptedSolver(ControlPair{})
	sol.gate = make(chan struct{})
	sol.blockCalls = 1
	sol.started = make(chan struct{}, 1)
	f := newFixture(t, baseConfig, ModeLinearQP, sol)
	f.est.Update(levelPose(0, 0), Twist{})
	cancel, done := runLoop(t, f)
	defer cancel()

	step(t, f, baseConfig.Period)
	<-sol.started

	step(t, f, baseConfig.Period)
	step(t, f, baseConfig.Period)
	require.Eventually(t, func() bool { return f.sched.Stats().SkippedTicks == 2 }, time.Second, time.Millisecond)

	close(sol.gate)
	require.Eventually(t, func() bool { return len(f.pub.commands()) == 1 }, time.Second, time.Millisecond)
	lin, _ := sol.calls()
	assert.Equal(t, 1, lin, "skipped ticks must not be replayed")

	cancel()
	<-done
}

func TestSkipDropsTickPostedBeforeWorkerMarksBusy(t *testing.T) {
	f := newFixture(t, baseConfig, ModeLinearQP, newScriptedSolver(ControlPair{}))
	mailbox := make(chan time.Time, 1)
	t0 := f.clock.Now()

	f.sched.post(mailbox, t0)
	require.Len(t, mailbox, 1)
	<-mailbox // taken by the worker, which has not entered Tick yet

	f.sched.post(mailbox, t0.Add(baseConfig.Period))
	assert.Empty(t, mailbox, "tick must not queue behind the running one")
	assert.Equal(t, uint64(1), f.sched.Stats().SkippedTicks)

	f.sched.inflight.Store(false)
	f.sched.post(mailbox, t0.Add(2*baseConfig.Period))
	assert.Len(t, mailbox, 1)
	assert.Equal(t, uint64(1), f.sched.Stats().SkippedTicks)
}

func TestRunCoalescesToFreshestState(t *testing.T) {
	sol := newScriptedSolver(ControlPair{})
	sol.gate = make(chan struct{})
	sol.blockCalls = 1
	sol.started = make(chan struct{}, 1)
	cfg := baseConfig
	cfg.Overlap = OverlapCoalesce
	f := newFixture(t, cfg, ModeLinearQP, sol)
	f.est.Update(levelPose(0, 0), Twist{})
	cancel, done := runLoop(t, f)
	defer cancel()

	step(t, f, cfg.Period)
	<-sol.started

	for i := 0; i < 3; i++ {
		step(t, f, cfg.Period)
	}
	require.Eventually(t, func() bool { return f.sched.Stats().SkippedTicks == 2 }, time.Second, time.Millisecond)

	f.est.Update(levelPose(42, 0), Twist{})
	close(sol.gate)

	require.Eventually(t, func() bool { return len(f.pub.commands()) == 2 }, time.Second, time.Millisecond)
	seen := sol.seenStates()
	require.Len(t, seen, 2)
	assert.Equal(t, 42.0, seen[1].X, "pending tick must solve with the latest snapshot")

	cancel()
	<-done
}

func TestRunStopsAfterConsecutiveFailures(t *testing.T) {
	sol := newScriptedSolver(ControlPair{}, StatusInfeasible, StatusInfeasible, StatusInfeasible, StatusInfeasible)
	cfg := baseConfig
	cfg.MaxConsecutiveFailures = 3
	f := newFixture(t, cfg, ModeLinearQP, sol)
	f.est.Update(levelPose(0, 0), Twist{})
	cancel, done := runLoop(t, f)
	defer cancel()

	var err error
	require.Eventually(t, func() bool {
		select {
		case err = <-done:
			return true
		default:
			f.clock.Advance(cfg.Period)
			return false
		}
	}, 2*time.Second, 2*time.Millisecond)

	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.Empty(t, f.pub.commands())
	assert.Equal(t, uint64(3), f.sched.Stats().SolveFailures)
}

func TestParseOverlapPolicy(t *testing.T) {
	p, err := ParseOverlapPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverlapSkip, p)

	p, err = ParseOverlapPolicy("Coalesce")
	require.NoError(t, err)
	assert.Equal(t, OverlapCoalesce, p)

	_, err = ParseOverlapPolicy("queue")
	assert.Error(t, err)
}

var _ utils.Clock = (*utils.MockClock)(nil)
