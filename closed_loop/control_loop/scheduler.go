package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mpc-car-core/utils"
)

// Phase is the scheduler's lifecycle state.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseReady
)

func (p Phase) String() string {
	if p == PhaseReady {
		return "ready"
	}
	return "uninitialized"
}

// OverlapPolicy decides what happens to ticks that fire while a solve is
// still running.
type OverlapPolicy int

const (
	// OverlapSkip drops ticks that fire during a solve.
	OverlapSkip OverlapPolicy = iota
	// OverlapCoalesce keeps the newest such tick and runs it as soon as the
	// solve finishes, against the state available at that moment.
	OverlapCoalesce
)

func (o OverlapPolicy) String() string {
	if o == OverlapCoalesce {
		return "coalesce"
	}
	return "skip"
}

func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return OverlapSkip, nil
	case "coalesce", "latest":
		return OverlapCoalesce, nil
	}
	return 0, fmt.Errorf("unknown overlap policy %q", s)
}

// Config holds the loop timing and failure policy.
type Config struct {
	Period       time.Duration
	SolveTimeout time.Duration // 0 disables the deadline
	Overlap      OverlapPolicy
	// MaxConsecutiveFailures stops Run after that many failed ticks in a
	// row. 0 never stops.
	MaxConsecutiveFailures int
	FrameID                string
}

func (c Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("tick period must be positive, got %v", c.Period)
	}
	if c.SolveTimeout < 0 {
		return fmt.Errorf("solve timeout must not be negative, got %v", c.SolveTimeout)
	}
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("max consecutive failures must not be negative, got %d", c.MaxConsecutiveFailures)
	}
	return nil
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	State       SnapshotSource
	Solver      Solver
	Strategy    SolveStrategy
	Publisher   CommandPublisher
	Diagnostics DiagnosticsSink // optional
	Clock       utils.Clock     // defaults to utils.RealClock
	Log         *utils.Logger
}

// TickOutcome classifies what a tick did.
type TickOutcome int

const (
	TickUninitialized TickOutcome = iota
	TickPublished
	TickPublishFailed
	TickSolveFailed
	TickDeadlineExceeded
	TickOverlapSkipped
)

func (o TickOutcome) String() string {
	switch o {
	case TickUninitialized:
		return "uninitialized"
	case TickPublished:
		return "published"
	case TickPublishFailed:
		return "publish_failed"
	case TickSolveFailed:
		return "solve_failed"
	case TickDeadlineExceeded:
		return "deadline_exceeded"
	case TickOverlapSkipped:
		return "overlap_skipped"
	default:
		return fmt.Sprintf("TickOutcome(%d)", int(o))
	}
}

// Failed reports whether the tick counts toward the failure streak.
func (o TickOutcome) Failed() bool {
	return o == TickSolveFailed || o == TickDeadlineExceeded
}

// TickResult is returned by Tick.
type TickResult struct {
	Seq     uint64
	Outcome TickOutcome
	Status  Status
	Latency time.Duration
	Command *Command // set when a command was handed to the publisher
	Err     error
}

// Stats is a point-in-time copy of the loop counters.
type Stats struct {
	Phase               Phase
	Ticks               uint64
	Solves              uint64
	Published           uint64
	SolveFailures       uint64
	DeadlineMisses      uint64
	SkippedTicks        uint64
	PublishErrors       uint64
	ConsecutiveFailures int64
	LastLatency         time.Duration
}

// Scheduler runs the periodic solve/publish cycle.
type Scheduler struct {
	cfg      Config
	state    SnapshotSource
	solver   Solver
	strategy SolveStrategy
	pub      CommandPublisher
	diag     DiagnosticsSink
	clock    utils.Clock
	log      *utils.Logger

	phase atomic.Int32
	// solving is a one-slot semaphore held for the lifetime of a solve,
	// including one abandoned after its deadline.
	solving chan struct{}
	// inflight is claimed by the ticker when it posts a tick and cleared by
	// the worker once that tick's Tick returns.
	inflight atomic.Bool

	ticks          atomic.Uint64
	solves         atomic.Uint64
	published      atomic.Uint64
	solveFailures  atomic.Uint64
	deadlineMisses atomic.Uint64
	skipped        atomic.Uint64
	publishErrors  atomic.Uint64
	streak         atomic.Int64
	lastLatency    atomic.Int64
}

func NewScheduler(cfg Config, deps Deps) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.State == nil:
		return nil, errors.New("scheduler: state source is required")
	case deps.Solver == nil:
		return nil, errors.New("scheduler: solver is required")
	case deps.Strategy == nil:
		return nil, errors.New("scheduler: solve strategy is required")
	case deps.Publisher == nil:
		return nil, errors.New("scheduler: command publisher is required")
	case deps.Log == nil:
		return nil, errors.New("scheduler: logger is required")
	}
	if cfg.FrameID == "" {
		cfg.FrameID = DefaultFrameID
	}
	if deps.Diagnostics == nil {
		deps.Diagnostics = MultiSink(nil)
	}
	if deps.Clock == nil {
		deps.Clock = utils.RealClock{}
	}
	return &Scheduler{
		cfg:      cfg,
		state:    deps.State,
		solver:   deps.Solver,
		strategy: deps.Strategy,
		pub:      deps.Publisher,
		diag:     deps.Diagnostics,
		clock:    deps.Clock,
		log:      deps.Log,
		solving:  make(chan struct{}, 1),
	}, nil
}

// Mode is the solver mode fixed at construction.
func (s *Scheduler) Mode() SolverMode { return s.strategy.Mode() }

// Phase reports Ready once the state source has received a sample.
func (s *Scheduler) Phase() Phase {
	if Phase(s.phase.Load()) == PhaseReady {
		return PhaseReady
	}
	if _, ok := s.state.Snapshot(); ok {
		s.markReady()
		return PhaseReady
	}
	return PhaseUninitialized
}

func (s *Scheduler) markReady() {
	if s.phase.CompareAndSwap(int32(PhaseUninitialized), int32(PhaseReady)) {
		s.log.Info("first state sample received; control loop ready (mode=%s)", s.strategy.Mode())
	}
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Phase:               Phase(s.phase.Load()),
		Ticks:               s.ticks.Load(),
		Solves:              s.solves.Load(),
		Published:           s.published.Load(),
		SolveFailures:       s.solveFailures.Load(),
		DeadlineMisses:      s.deadlineMisses.Load(),
		SkippedTicks:        s.skipped.Load(),
		PublishErrors:       s.publishErrors.Load(),
		ConsecutiveFailures: s.streak.Load(),
		LastLatency:         time.Duration(s.lastLatency.Load()),
	}
}

// Tick performs one control step at time now. It is safe to call from
// several goroutines; concurrent calls never enter the solver together.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) TickResult {
	res := TickResult{Seq: s.ticks.Add(1)}

	state, ok := s.state.Snapshot()
	if !ok {
		res.Outcome = TickUninitialized
		s.log.Trace("tick %d: no state yet", res.Seq)
		return res
	}
	s.markReady()

	select {
	case s.solving <- struct{}{}:
	default:
		s.skipped.Add(1)
		res.Outcome = TickOverlapSkipped
		s.log.Warn("tick %d skipped: previous solve still running", res.Seq)
		return res
	}

	res = s.solveAndPublish(ctx, res, now, state)
	switch {
	case res.Outcome.Failed():
		s.streak.Add(1)
	case res.Outcome == TickPublished || res.Outcome == TickPublishFailed:
		s.streak.Store(0)
	}
	return res
}

// solveAndPublish runs with s.solving held and releases it unless the
// solve was abandoned, in which case the abandoned goroutine releases it.
func (s *Scheduler) solveAndPublish(ctx context.Context, res TickResult, now time.Time, state StateVector) TickResult {
	mode := s.strategy.Mode()
	s.solves.Add(1)

	start := s.clock.Now()
	status, abandoned, err := s.solve(ctx, state)
	res.Latency = s.clock.Now().Sub(start)
	res.Status = status
	s.lastLatency.Store(int64(res.Latency))
	if !abandoned {
		defer func() { <-s.solving }()
	}

	rec := SolveRecord{
		Tick:    res.Seq,
		Stamp:   now,
		Mode:    mode,
		Latency: res.Latency,
		Status:  status,
		State:   state,
	}

	if err == nil && !status.OK() {
		err = &SolveError{Mode: mode, Status: status}
	}
	if err != nil {
		res.Err = err
		rec.Err = err
		if errors.Is(err, ErrDeadlineExceeded) {
			res.Outcome = TickDeadlineExceeded
			s.deadlineMisses.Add(1)
		} else {
			res.Outcome = TickSolveFailed
			s.solveFailures.Add(1)
		}
		s.log.Error("tick %d: %v (state=%v, %.3f ms); no command published",
			res.Seq, err, state, msec(res.Latency))
		s.diag.Record(rec)
		return res
	}

	s.log.Debug("solve %s costs: %.3f ms", mode.Label(), msec(res.Latency))

	rec.Trajectory = s.extractTrajectory()
	step0 := rec.Trajectory.First()
	s.log.Trace("u: %v", step0.Control)
	s.log.Trace("x: %v", step0.State)

	cmd := Command{
		Seq:          res.Seq,
		Stamp:        s.clock.Now(),
		FrameID:      s.cfg.FrameID,
		Acceleration: step0.Control.Acceleration,
		Steering:     step0.Control.Steering,
	}
	res.Command = &cmd
	if perr := s.pub.Publish(ctx, cmd); perr != nil {
		s.publishErrors.Add(1)
		res.Outcome = TickPublishFailed
		res.Err = fmt.Errorf("publish: %w", perr)
		s.log.Error("tick %d: %v", res.Seq, res.Err)
	} else {
		s.published.Add(1)
		res.Outcome = TickPublished
		if obs, ok := s.solver.(ActuationObserver); ok {
			obs.Actuated(step0.Control)
		}
	}

	s.diag.Record(rec)
	return res
}

// solve calls the strategy, enforcing the solve timeout when configured.
// On a timeout the solver goroutine is left to finish and abandoned is true.
func (s *Scheduler) solve(ctx context.Context, state StateVector) (status Status, abandoned bool, err error) {
	if s.cfg.SolveTimeout <= 0 {
		return s.strategy.Solve(ctx, s.solver, state), false, nil
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SolveTimeout)
	done := make(chan Status, 1)
	go func() {
		done <- s.strategy.Solve(sctx, s.solver, state)
	}()

	select {
	case st := <-done:
		cancel()
		return st, false, nil
	case <-sctx.Done():
		go func() {
			<-done
			cancel()
			<-s.solving
			s.log.Warn("abandoned %s solve returned", s.strategy.Mode().Label())
		}()
		if ctx.Err() != nil {
			return StatusUnknown, true, ctx.Err()
		}
		return StatusUnknown, true, fmt.Errorf("%w after %v", ErrDeadlineExceeded, s.cfg.SolveTimeout)
	}
}

func (s *Scheduler) extractTrajectory() PredictedTrajectory {
	n := s.solver.Horizon()
	if n < 1 {
		n = 1
	}
	traj := make(PredictedTrajectory, n)
	for k := range traj {
		x, u := s.solver.PredictedStep(k)
		traj[k] = TrajectoryStep{State: x, Control: u}
	}
	return traj
}

// Run fires Tick at the configured period until ctx is canceled or the
// consecutive failure limit is reached. Ticks are handed to a single
// worker, so a slow solve delays or drops ticks according to the overlap
// policy and never runs concurrently with another.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("control loop starting: period=%v mode=%s overlap=%s solve_timeout=%v",
		s.cfg.Period, s.strategy.Mode(), s.cfg.Overlap, s.cfg.SolveTimeout)

	g, gctx := errgroup.WithContext(ctx)
	mailbox := make(chan time.Time, 1)

	g.Go(func() error {
		ticker := s.clock.NewTicker(s.cfg.Period)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case now := <-ticker.C():
				s.post(mailbox, now)
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case now := <-mailbox:
				s.inflight.Store(true)
				res := s.Tick(gctx, now)
				s.inflight.Store(false)
				if err := s.checkEscalation(res); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	st := s.Stats()
	s.log.Info("control loop stopped: ticks=%d published=%d failures=%d deadline_misses=%d skipped=%d",
		st.Ticks, st.Published, st.SolveFailures, st.DeadlineMisses, st.SkippedTicks)
	return err
}

func (s *Scheduler) post(mailbox chan time.Time, now time.Time) {
	if s.cfg.Overlap == OverlapSkip {
		if !s.inflight.CompareAndSwap(false, true) {
			s.skipped.Add(1)
			s.log.Debug("tick at %s dropped: solve in progress", now.Format(time.RFC3339Nano))
			return
		}
		select {
		case mailbox <- now:
		default:
			s.skipped.Add(1)
		}
		return
	}
	select {
	case mailbox <- now:
		return
	default:
	}
	// The mailbox holds a tick the worker has not taken yet.
	s.skipped.Add(1)
	if s.cfg.Overlap == OverlapCoalesce {
		select {
		case <-mailbox:
		default:
		}
		select {
		case mailbox <- now:
		default:
		}
	}
}

func (s *Scheduler) checkEscalation(res TickResult) error {
	limit := s.cfg.MaxConsecutiveFailures
	if limit <= 0 || !res.Outcome.Failed() {
		return nil
	}
	if n := s.streak.Load(); n >= int64(limit) {
		s.log.Critical("%d consecutive failed ticks; stopping control loop", n)
		return fmt.Errorf("%w (%d): %v", ErrTooManyFailures, n, res.Err)
	}
	return nil
}

func msec(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
