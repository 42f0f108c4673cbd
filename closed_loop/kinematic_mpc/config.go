package kinematic

import "fmt"

// Waypoint is a point of the reference path in the odometry frame.
type Waypoint struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Config holds the optimizer parameters. The control loop never reads it.
type Config struct {
	Dt        float64 `yaml:"dt"`        // s, prediction step
	Horizon   int     `yaml:"horizon"`   // steps
	Wheelbase float64 `yaml:"wheelbase"` // m
	Delay     float64 `yaml:"delay"`     // s, actuation delay compensated before each solve

	TargetSpeed float64    `yaml:"target_speed"` // m/s
	Path        []Waypoint `yaml:"path"`
	LoopPath    bool       `yaml:"loop_path"`

	WeightPosition  float64 `yaml:"weight_position"`
	WeightHeading   float64 `yaml:"weight_heading"`
	WeightSpeed     float64 `yaml:"weight_speed"`
	WeightAccel     float64 `yaml:"weight_accel"`
	WeightSteer     float64 `yaml:"weight_steer"`
	WeightAccelRate float64 `yaml:"weight_accel_rate"`
	WeightSteerRate float64 `yaml:"weight_steer_rate"`

	MaxAccel float64 `yaml:"max_accel"` // m/s^2
	MaxSteer float64 `yaml:"max_steer"` // rad

	QPMaxIter   int     `yaml:"qp_max_iter"`
	QPTol       float64 `yaml:"qp_tol"`
	NMPCMaxIter int     `yaml:"nmpc_max_iter"`
	NMPCTol     float64 `yaml:"nmpc_tol"`
}

// DefaultConfig tracks a straight 100 m line along +x at 5 m/s.
func DefaultConfig() Config {
	return Config{
		Dt:              0.1,
		Horizon:         20,
		Wheelbase:       2.5,
		TargetSpeed:     5.0,
		Path:            []Waypoint{{X: 0, Y: 0}, {X: 100, Y: 0}},
		WeightPosition:  1.0,
		WeightHeading:   0.5,
		WeightSpeed:     0.5,
		WeightAccel:     0.1,
		WeightSteer:     0.1,
		WeightAccelRate: 0.1,
		WeightSteerRate: 1.0,
		MaxAccel:        3.0,
		MaxSteer:        0.6,
		QPMaxIter:       2000,
		QPTol:           1e-7,
		NMPCMaxIter:     20,
		NMPCTol:         1e-4,
	}
}

func (c Config) Validate() error {
	if c.Dt <= 0 {
		return fmt.Errorf("invalid dt: %f", c.Dt)
	}
	if c.Horizon < 1 {
		return fmt.Errorf("invalid horizon: %d", c.Horizon)
	}
	if c.Wheelbase <= 0 {
		return fmt.Errorf("invalid wheelbase: %f", c.Wheelbase)
	}
	if c.Delay < 0 {
		return fmt.Errorf("invalid delay: %f", c.Delay)
	}
	if c.TargetSpeed < 0 {
		return fmt.Errorf("invalid target_speed: %f", c.TargetSpeed)
	}
	if len(c.Path) < 2 {
		return fmt.Errorf("path needs at least 2 waypoints, got %d", len(c.Path))
	}
	if c.MaxAccel <= 0 || c.MaxSteer <= 0 {
		return fmt.Errorf("max_accel and max_steer must be positive")
	}
	for name, w := range map[string]float64{
		"weight_position": c.WeightPosition, "weight_heading": c.WeightHeading,
		"weight_speed": c.WeightSpeed, "weight_accel": c.WeightAccel,
		"weight_steer": c.WeightSteer, "weight_accel_rate": c.WeightAccelRate,
		"weight_steer_rate": c.WeightSteerRate,
	} {
		if w < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.WeightAccel+c.WeightAccelRate <= 0 || c.WeightSteer+c.WeightSteerRate <= 0 {
		return fmt.Errorf("input weights must regularize both accel and steer")
	}
	if c.QPMaxIter < 1 || c.NMPCMaxIter < 1 {
		return fmt.Errorf("iteration limits must be positive")
	}
	return nil
}
