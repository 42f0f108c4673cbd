package loop

import (
	"fmt"
	"math"
)

// Vec3 is a 3D vector in the odometry frame.
type Vec3 struct {
	X, Y, Z float64
}

// Quaternion is an orientation in (x, y, z, w) order.
type Quaternion struct {
	X, Y, Z, W float64
}

// Pose is a position and orientation sample.
type Pose struct {
	Position    Vec3
	Orientation Quaternion
}

// Twist carries the linear velocity of a sample. Angular rates are not used.
type Twist struct {
	Linear Vec3
}

// StateVector is the planar vehicle state fed to the optimizer.
type StateVector struct {
	X       float64 // m
	Y       float64 // m
	Heading float64 // rad
	Speed   float64 // m/s
}

func (s StateVector) String() string {
	return fmt.Sprintf("[%.4f %.4f %.4f %.4f]", s.X, s.Y, s.Heading, s.Speed)
}

// IsFinite reports whether every component is a finite number.
func (s StateVector) IsFinite() bool {
	for _, v := range [...]float64{s.X, s.Y, s.Heading, s.Speed} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ControlPair is one step of the optimizer's input sequence.
type ControlPair struct {
	Acceleration float64 // m/s^2
	Steering     float64 // rad
}

func (u ControlPair) String() string {
	return fmt.Sprintf("[%.4f %.4f]", u.Acceleration, u.Steering)
}

// TrajectoryStep pairs a predicted state with the input applied from it.
type TrajectoryStep struct {
	State   StateVector
	Control ControlPair
}

// PredictedTrajectory is the horizon produced by one successful solve.
// Index 0 is the step that gets actuated.
type PredictedTrajectory []TrajectoryStep

// First returns step 0. It panics on an empty trajectory.
func (p PredictedTrajectory) First() TrajectoryStep {
	return p[0]
}
