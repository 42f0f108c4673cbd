package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	kinematic "mpc-car-core/closed_loop/kinematic_mpc"
	loop "mpc-car-core/closed_loop/control_loop"
)

// Config is the process configuration loaded from YAML.
type Config struct {
	Loop        LoopConfig        `yaml:"loop"`
	CAN         CANConfig         `yaml:"can"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	MPC         kinematic.Config  `yaml:"mpc"`
	Sim         SimConfig         `yaml:"sim"`
}

type LoopConfig struct {
	Dt                     float64 `yaml:"dt"`    // s, tick period
	Delay                  float64 `yaml:"delay"` // s, actuation delay handed to the solver
	NMPC                   bool    `yaml:"nmpc"`
	Mode                   string  `yaml:"mode"` // overrides nmpc when set
	SolveTimeoutS          float64 `yaml:"solve_timeout_s"`
	OverlapPolicy          string  `yaml:"overlap_policy"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	FrameID                string  `yaml:"frame_id"`
}

type CANConfig struct {
	Iface        string `yaml:"iface"`
	MapPath      string `yaml:"map"`
	PoseFrame    string `yaml:"pose_frame"`
	TwistFrame   string `yaml:"twist_frame"`
	CommandFrame string `yaml:"command_frame"`
	// Simulate replaces SocketCAN with an in-process bus and a simulated car.
	Simulate bool `yaml:"simulate"`
}

type DiagnosticsConfig struct {
	QueueSize  int    `yaml:"queue_size"`
	LogEvery   int    `yaml:"log_every"`
	History    int    `yaml:"history"`
	SQLitePath string `yaml:"sqlite_path"` // empty disables
	PlotDir    string `yaml:"plot_dir"`    // empty disables
	PlotEvery  int    `yaml:"plot_every"`
	HTTPAddr   string `yaml:"http_addr"` // empty disables
}

type SimConfig struct {
	Wheelbase float64 `yaml:"wheelbase"` // 0 uses mpc.wheelbase
	X         float64 `yaml:"x"`
	Y         float64 `yaml:"y"`
	Heading   float64 `yaml:"heading"`
	Speed     float64 `yaml:"speed"`
}

func DefaultConfig() Config {
	mpc := kinematic.DefaultConfig()
	mpc.Dt = 0 // follows loop.dt unless set
	return Config{
		Loop: LoopConfig{
			Dt:            0.1,
			OverlapPolicy: "skip",
			FrameID:       loop.DefaultFrameID,
		},
		CAN: CANConfig{
			Iface:   "vcan0",
			MapPath: "config/can/can_map.csv",
		},
		Diagnostics: DiagnosticsConfig{
			QueueSize: 256,
			LogEvery:  100,
			History:   512,
			PlotEvery: 50,
		},
		MPC: mpc,
	}
}

// LoadConfig reads path over the defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read file: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	if cfg.MPC.Dt == 0 {
		cfg.MPC.Dt = cfg.Loop.Dt
	}
	cfg.MPC.Delay = cfg.Loop.Delay
	if cfg.Sim.Wheelbase == 0 {
		cfg.Sim.Wheelbase = cfg.MPC.Wheelbase
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Loop.Dt <= 0 {
		return fmt.Errorf("invalid loop.dt: %f", c.Loop.Dt)
	}
	if c.Loop.Delay < 0 {
		return fmt.Errorf("invalid loop.delay: %f", c.Loop.Delay)
	}
	if c.Loop.SolveTimeoutS < 0 {
		return fmt.Errorf("invalid loop.solve_timeout_s: %f", c.Loop.SolveTimeoutS)
	}
	if _, err := c.SolverMode(); err != nil {
		return fmt.Errorf("loop.mode: %w", err)
	}
	if _, err := loop.ParseOverlapPolicy(c.Loop.OverlapPolicy); err != nil {
		return fmt.Errorf("loop.overlap_policy: %w", err)
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		return fmt.Errorf("loop: %w", err)
	}
	if c.CAN.MapPath == "" {
		return fmt.Errorf("can.map is required")
	}
	if !c.CAN.Simulate && c.CAN.Iface == "" {
		return fmt.Errorf("can.iface is required unless can.simulate is set")
	}
	if c.Diagnostics.QueueSize <= 0 {
		return fmt.Errorf("invalid diagnostics.queue_size: %d", c.Diagnostics.QueueSize)
	}
	if err := c.MPC.Validate(); err != nil {
		return fmt.Errorf("mpc: %w", err)
	}
	return nil
}

// SolverMode resolves loop.mode, falling back to the nmpc flag.
func (c Config) SolverMode() (loop.SolverMode, error) {
	if c.Loop.Mode != "" {
		return loop.ParseSolverMode(c.Loop.Mode)
	}
	return loop.ModeFromNMPCFlag(c.Loop.NMPC), nil
}

// SchedulerConfig converts the loop section. Call after Validate.
func (c Config) SchedulerConfig() loop.Config {
	overlap, _ := loop.ParseOverlapPolicy(c.Loop.OverlapPolicy)
	return loop.Config{
		Period:                 seconds(c.Loop.Dt),
		SolveTimeout:           seconds(c.Loop.SolveTimeoutS),
		Overlap:                overlap,
		MaxConsecutiveFailures: c.Loop.MaxConsecutiveFailures,
		FrameID:                c.Loop.FrameID,
	}
}

// String renders the effective configuration as YAML.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(out)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
