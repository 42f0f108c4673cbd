package kinematic

import (
	"context"
	"math"
	"sync"

	loop "mpc-car-core/closed_loop/control_loop"
	"mpc-car-core/utils"
)

// ============================================================================
// DIAGNOSTICS
// ============================================================================

// Diagnostics summarizes the optimizer's recent work.
type Diagnostics struct {
	Solves         int
	Failures       int
	LastStatus     loop.Status
	LastIterations int     // QP iterations, summed over SQP steps in nonlinear mode
	LastSQPSteps   int     // 0 in linear mode
	LastCost       float64 // QP objective of the last accepted iterate
}

// ============================================================================
// SOLVER
// ============================================================================

// Solver is a kinematic bicycle MPC tracking a waypoint path. Linear mode
// solves one condensed QP linearized about the reference; nonlinear mode
// repeats the QP about its own rollout until the inputs stop moving.
//
// Solves are not safe for concurrent use. Diagnostics may be read while a
// solve runs.
type Solver struct {
	cfg   Config
	model bicycle
	path  *path
	log   *utils.Logger

	predX    []stateVec // horizon+1 states, index 0 is the solve's initial state
	predU    []inputVec
	lastU    inputVec // last command reported by Actuated
	haveLast bool

	diagMu sync.Mutex
	diag   Diagnostics
}

var (
	_ loop.Solver            = (*Solver)(nil)
	_ loop.ActuationObserver = (*Solver)(nil)
)

func NewSolver(cfg Config, log *utils.Logger) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := newPath(cfg.Path, cfg.LoopPath)
	if err != nil {
		return nil, err
	}
	return &Solver{
		cfg:   cfg,
		model: bicycle{wheelbase: cfg.Wheelbase},
		path:  p,
		log:   log,
	}, nil
}

func (s *Solver) Horizon() int { return s.cfg.Horizon }

// Path returns a copy of the reference waypoints.
func (s *Solver) Path() []Waypoint {
	return append([]Waypoint(nil), s.path.pts...)
}

func (s *Solver) Diagnostics() Diagnostics {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	return s.diag
}

func (s *Solver) updateDiag(f func(d *Diagnostics)) {
	s.diagMu.Lock()
	f(&s.diag)
	s.diagMu.Unlock()
}

// Reset forgets the warm start and the last actuated input.
func (s *Solver) Reset() {
	s.predX, s.predU = nil, nil
	s.lastU, s.haveLast = inputVec{}, false
}

// Actuated records the command that reached the bus. Delay compensation
// and the rate penalty of the next solve start from it.
func (s *Solver) Actuated(u loop.ControlPair) {
	s.lastU, s.haveLast = inputVec{u.Acceleration, u.Steering}, true
}

func (s *Solver) SolveLinear(ctx context.Context, state loop.StateVector) loop.Status {
	return s.solve(ctx, state, false)
}

func (s *Solver) SolveNonlinear(ctx context.Context, state loop.StateVector) loop.Status {
	return s.solve(ctx, state, true)
}

// PredictedStep returns step k of the last successful solve, or zero values
// when k is outside the horizon or nothing has been solved yet.
func (s *Solver) PredictedStep(k int) (loop.StateVector, loop.ControlPair) {
	if k < 0 || k >= len(s.predU) {
		return loop.StateVector{}, loop.ControlPair{}
	}
	x, u := s.predX[k], s.predU[k]
	return loop.StateVector{X: x[0], Y: x[1], Heading: x[2], Speed: x[3]},
		loop.ControlPair{Acceleration: u[0], Steering: u[1]}
}

func (s *Solver) solve(ctx context.Context, state loop.StateVector, nonlinear bool) loop.Status {
	s.updateDiag(func(d *Diagnostics) {
		d.Solves++
		d.LastSQPSteps = 0
		d.LastIterations = 0
	})

	status := s.run(ctx, state, nonlinear)
	s.updateDiag(func(d *Diagnostics) {
		d.LastStatus = status
		if !status.OK() {
			d.Failures++
		}
	})
	if !status.OK() {
		s.log.Debug("solve rejected at %v: %v", state, status)
	}
	return status
}

func (s *Solver) run(ctx context.Context, state loop.StateVector, nonlinear bool) loop.Status {
	x0 := stateVec{state.X, state.Y, state.Heading, state.Speed}
	if !finite(x0[:]...) {
		return loop.StatusNumericalFailure
	}
	x0 = s.compensateDelay(x0)

	n := s.cfg.Horizon
	ref := s.path.reference(x0, n, s.cfg.Dt, s.cfg.TargetSpeed)
	ff := feedforwardSteer(ref, s.cfg.Dt, s.cfg.Wheelbase, s.cfg.MaxSteer)

	var us []inputVec
	if nonlinear {
		var status loop.Status
		us, status = s.sequentialQP(ctx, x0, ref, ff)
		if !status.OK() {
			return status
		}
	} else {
		lin := make([]linPoint, n)
		lin[0] = linPoint{x: x0, u: inputVec{0, ff[0]}}
		for k := 1; k < n; k++ {
			lin[k] = linPoint{x: ref[k], u: inputVec{0, ff[k]}}
		}
		u, status := s.qp(ctx, x0, lin, ref)
		if !status.OK() {
			return status
		}
		us = unstack(u)
	}

	xs := s.model.rollout(x0, us, s.cfg.Dt)
	for _, x := range xs {
		if !finite(x[:]...) {
			return loop.StatusNumericalFailure
		}
	}
	s.predX, s.predU = xs, us
	return loop.StatusSuccess
}

// sequentialQP relinearizes about the rollout of the current input guess
// until the largest input change drops below NMPCTol.
func (s *Solver) sequentialQP(ctx context.Context, x0 stateVec, ref []stateVec, ff []float64) ([]inputVec, loop.Status) {
	n := s.cfg.Horizon
	us := s.warmStart(ff)
	lin := make([]linPoint, n)
	for step := 1; step <= s.cfg.NMPCMaxIter; step++ {
		if ctx.Err() != nil {
			return nil, loop.StatusMaxIterations
		}
		s.updateDiag(func(d *Diagnostics) { d.LastSQPSteps = step })

		xs := s.model.rollout(x0, us, s.cfg.Dt)
		for k := range lin {
			lin[k] = linPoint{x: xs[k], u: us[k]}
		}
		u, status := s.qp(ctx, x0, lin, ref)
		if !status.OK() {
			return nil, status
		}
		next := unstack(u)

		change := 0.0
		for k := range next {
			for i := 0; i < nu; i++ {
				change = math.Max(change, math.Abs(next[k][i]-us[k][i]))
			}
		}
		us = next
		if change < s.cfg.NMPCTol {
			return us, loop.StatusSuccess
		}
	}
	return nil, loop.StatusMaxIterations
}

func (s *Solver) qp(ctx context.Context, x0 stateVec, lin []linPoint, ref []stateVec) ([]float64, loop.Status) {
	prob := s.condense(x0, lin, ref, s.lastU)
	u, iters, status := prob.solve(ctx, s.cfg.QPMaxIter, s.cfg.QPTol)
	var cost float64
	if status.OK() {
		cost = prob.objective(u)
	}
	s.updateDiag(func(d *Diagnostics) {
		d.LastIterations += iters
		if status.OK() {
			d.LastCost = cost
		}
	})
	return u, status
}

// warmStart shifts the previous input sequence by one step, falling back to
// the curvature feedforward.
func (s *Solver) warmStart(ff []float64) []inputVec {
	n := s.cfg.Horizon
	us := make([]inputVec, n)
	if len(s.predU) == n {
		copy(us, s.predU[1:])
		us[n-1] = s.predU[n-1]
		return us
	}
	for k := range us {
		us[k] = inputVec{0, ff[k]}
	}
	return us
}

// compensateDelay advances x0 over the actuation delay under the input that
// is still being applied.
func (s *Solver) compensateDelay(x0 stateVec) stateVec {
	if s.cfg.Delay <= 0 || !s.haveLast {
		return x0
	}
	return s.model.step(x0, s.lastU, s.cfg.Delay)
}

func unstack(u []float64) []inputVec {
	out := make([]inputVec, len(u)/nu)
	for k := range out {
		out[k] = inputVec{u[nu*k], u[nu*k+1]}
	}
	return out
}
