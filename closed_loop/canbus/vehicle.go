package canbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.einride.tech/can"
	"golang.org/x/sync/errgroup"

	loop "mpc-car-core/closed_loop/control_loop"
	"mpc-car-core/utils"
)

// FramePort reads and writes frames on one bus node.
type FramePort interface {
	utils.CANReader
	utils.CANWriter
}

type VehicleConfig struct {
	Wheelbase    float64
	Period       time.Duration
	Initial      loop.StateVector
	MaxSteer     float64 // rad, 0 means unlimited
	PoseFrame    string
	TwistFrame   string
	CommandFrame string
}

// Vehicle is a simulated car on the bus. It applies the latest CAR_CMD,
// integrates a kinematic bicycle model and transmits odometry every period.
type Vehicle struct {
	cfg   VehicleConfig
	cmap  *utils.CANMap
	port  FramePort
	clock utils.Clock
	log   *utils.Logger
	cmdID uint32

	mu    sync.Mutex
	state loop.StateVector
	cmd   loop.ControlPair
}

func NewVehicle(cfg VehicleConfig, cmap *utils.CANMap, port FramePort, clock utils.Clock, log *utils.Logger) (*Vehicle, error) {
	if cfg.Wheelbase <= 0 {
		return nil, fmt.Errorf("invalid wheelbase: %f", cfg.Wheelbase)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("invalid period: %v", cfg.Period)
	}
	if cfg.PoseFrame == "" {
		cfg.PoseFrame = DefaultPoseFrame
	}
	if cfg.TwistFrame == "" {
		cfg.TwistFrame = DefaultTwistFrame
	}
	if cfg.CommandFrame == "" {
		cfg.CommandFrame = DefaultCommandFrame
	}
	cfd, err := requireSignals(cmap, cfg.CommandFrame, SigAccelCmd, SigSteerCmd)
	if err != nil {
		return nil, err
	}
	if _, err := requireSignals(cmap, cfg.PoseFrame, SigPosX, SigPosY); err != nil {
		return nil, err
	}
	if _, err := requireSignals(cmap, cfg.TwistFrame, SigOrientQZ, SigOrientQW, SigVelX, SigVelY); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &Vehicle{
		cfg:   cfg,
		cmap:  cmap,
		port:  port,
		clock: clock,
		log:   log,
		cmdID: cfd.ID,
		state: cfg.Initial,
	}, nil
}

func (v *Vehicle) State() loop.StateVector {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Vehicle) Command() loop.ControlPair {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cmd
}

// HandleFrame latches a CAR_CMD frame. Other frames are ignored.
func (v *Vehicle) HandleFrame(frame can.Frame) error {
	if frame.ID != v.cmdID {
		return nil
	}
	vals, err := v.cmap.DecodeFrame(frame)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.cmd = loop.ControlPair{Acceleration: vals[SigAccelCmd], Steering: vals[SigSteerCmd]}
	v.mu.Unlock()
	return nil
}

// Step integrates the model over dt seconds under the latched command.
func (v *Vehicle) Step(dt float64) loop.StateVector {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, u := v.state, v.cmd
	steer := u.Steering
	if v.cfg.MaxSteer > 0 {
		steer = math.Max(-v.cfg.MaxSteer, math.Min(v.cfg.MaxSteer, steer))
	}
	s.X += dt * s.Speed * math.Cos(s.Heading)
	s.Y += dt * s.Speed * math.Sin(s.Heading)
	s.Heading += dt * s.Speed * math.Tan(steer) / v.cfg.Wheelbase
	s.Speed += dt * u.Acceleration
	v.state = s
	return s
}

// Transmit sends the current state as a pose frame followed by a twist frame.
func (v *Vehicle) Transmit(ctx context.Context) error {
	s := v.State()
	half := s.Heading / 2
	pose, err := v.cmap.EncodeFrame(v.cfg.PoseFrame, map[string]float64{
		SigPosX: s.X,
		SigPosY: s.Y,
	})
	if err != nil {
		return err
	}
	twist, err := v.cmap.EncodeFrame(v.cfg.TwistFrame, map[string]float64{
		SigOrientQZ: math.Sin(half),
		SigOrientQW: math.Cos(half),
		SigVelX:     s.Speed * math.Cos(s.Heading),
		SigVelY:     s.Speed * math.Sin(s.Heading),
	})
	if err != nil {
		return err
	}
	if err := v.port.WriteFrame(ctx, pose); err != nil {
		return err
	}
	return v.port.WriteFrame(ctx, twist)
}

// Run simulates until ctx ends.
func (v *Vehicle) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			frame, err := v.port.ReadFrame(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, utils.ErrReaderClosed) {
					return nil
				}
				return err
			}
			if err := v.HandleFrame(frame); err != nil {
				v.log.Warn("sim RX id=0x%X dropped: %v", frame.ID, err)
			}
		}
	})

	g.Go(func() error {
		ticker := v.clock.NewTicker(v.cfg.Period)
		defer ticker.Stop()
		dt := v.cfg.Period.Seconds()
		if err := v.Transmit(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				s := v.Step(dt)
				v.log.Trace("sim state %v", s)
				if err := v.Transmit(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		}
	})

	return g.Wait()
}
