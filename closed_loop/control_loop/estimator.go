package loop

import (
	"math"
	"sync/atomic"
)

// SnapshotSource hands the scheduler the most recent fully-written state.
type SnapshotSource interface {
	// Snapshot returns a copy of the latest state and false if no sample
	// has been received yet.
	Snapshot() (StateVector, bool)
}

// HeadingFromQuaternion extracts yaw assuming rotation about z only.
// Only the z and w components are read; the result is not wrapped.
func HeadingFromQuaternion(q Quaternion) float64 {
	return 2 * math.Atan2(q.Z, q.W)
}

// PlanarSpeed is the norm of the x/y velocity components.
func PlanarSpeed(v Vec3) float64 {
	return math.Hypot(v.X, v.Y)
}

// Estimate converts a pose/twist sample into a StateVector. Non-unit
// quaternions are passed through unchanged.
func Estimate(pose Pose, twist Twist) StateVector {
	return StateVector{
		X:       pose.Position.X,
		Y:       pose.Position.Y,
		Heading: HeadingFromQuaternion(pose.Orientation),
		Speed:   PlanarSpeed(twist.Linear),
	}
}

// Estimator owns the snapshot shared between the sample handler and the
// control tick. Each update swaps in a new immutable value, so readers
// never see a partially written vector and a non-nil pointer doubles as
// the initialized flag.
type Estimator struct {
	latest  atomic.Pointer[StateVector]
	samples atomic.Uint64
}

func NewEstimator() *Estimator {
	return &Estimator{}
}

// Update converts a sample and publishes it as the latest snapshot.
func (e *Estimator) Update(pose Pose, twist Twist) StateVector {
	s := Estimate(pose, twist)
	e.latest.Store(&s)
	e.samples.Add(1)
	return s
}

func (e *Estimator) Snapshot() (StateVector, bool) {
	p := e.latest.Load()
	if p == nil {
		return StateVector{}, false
	}
	return *p, true
}

// Initialized reports whether any sample has been applied.
func (e *Estimator) Initialized() bool {
	return e.latest.Load() != nil
}

// Samples returns the number of updates applied so far.
func (e *Estimator) Samples() uint64 {
	return e.samples.Load()
}
