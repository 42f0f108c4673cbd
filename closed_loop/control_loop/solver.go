package loop

import (
	"context"
	"fmt"
	"strings"
)

// Status is the outcome code of one optimizer iteration.
type Status int

const (
	StatusUnknown Status = iota
	StatusSuccess
	StatusInfeasible
	StatusNumericalFailure
	StatusMaxIterations
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInfeasible:
		return "infeasible"
	case StatusNumericalFailure:
		return "numerical failure"
	case StatusMaxIterations:
		return "iteration limit exceeded"
	default:
		return "unknown"
	}
}

// OK reports whether the solve succeeded.
func (s Status) OK() bool { return s == StatusSuccess }

// Solver is the boundary to the external optimizer. Solve calls block
// until a status is available and replace the predicted trajectory.
// Implementations need not be safe for concurrent use; the scheduler
// never enters a Solver from two goroutines at once.
type Solver interface {
	SolveLinear(ctx context.Context, state StateVector) Status
	SolveNonlinear(ctx context.Context, state StateVector) Status
	// PredictedStep returns step k of the most recent trajectory. Only
	// meaningful after a successful solve.
	PredictedStep(k int) (StateVector, ControlPair)
	// Horizon is the number of steps PredictedStep can return.
	Horizon() int
}

// ActuationObserver is implemented by solvers whose next solve depends on
// the command that actually reached the actuators, such as for delay
// compensation. The scheduler calls Actuated only after a successful
// publish, with the solver not running.
type ActuationObserver interface {
	Actuated(u ControlPair)
}

// SolverMode selects which optimizer entry point the loop drives.
type SolverMode int

const (
	ModeLinearQP SolverMode = iota
	ModeNonlinearMPC
)

func (m SolverMode) String() string {
	switch m {
	case ModeLinearQP:
		return "linear_qp"
	case ModeNonlinearMPC:
		return "nonlinear_mpc"
	default:
		return fmt.Sprintf("SolverMode(%d)", int(m))
	}
}

// Label is the short name used in latency logs.
func (m SolverMode) Label() string {
	if m == ModeNonlinearMPC {
		return "nmpc"
	}
	return "qp"
}

// ParseSolverMode accepts the String and Label spellings.
func ParseSolverMode(s string) (SolverMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear_qp", "qp", "linear":
		return ModeLinearQP, nil
	case "nonlinear_mpc", "nmpc", "nonlinear":
		return ModeNonlinearMPC, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// ModeFromNMPCFlag maps the boolean nmpc parameter to a mode.
func ModeFromNMPCFlag(nmpc bool) SolverMode {
	if nmpc {
		return ModeNonlinearMPC
	}
	return ModeLinearQP
}

// SolveStrategy binds a mode to its Solver entry point. It is chosen once
// at startup and injected into the Scheduler.
type SolveStrategy interface {
	Mode() SolverMode
	Solve(ctx context.Context, s Solver, state StateVector) Status
}

type linearQP struct{}

func (linearQP) Mode() SolverMode { return ModeLinearQP }

func (linearQP) Solve(ctx context.Context, s Solver, state StateVector) Status {
	return s.SolveLinear(ctx, state)
}

type nonlinearMPC struct{}

func (nonlinearMPC) Mode() SolverMode { return ModeNonlinearMPC }

func (nonlinearMPC) Solve(ctx context.Context, s Solver, state StateVector) Status {
	return s.SolveNonlinear(ctx, state)
}

// StrategyFor returns the strategy for a mode.
func StrategyFor(mode SolverMode) (SolveStrategy, error) {
	switch mode {
	case ModeLinearQP:
		return linearQP{}, nil
	case ModeNonlinearMPC:
		return nonlinearMPC{}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownMode, mode)
}
