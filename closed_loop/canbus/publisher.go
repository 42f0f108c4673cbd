package canbus

import (
	"context"
	"fmt"
	"sync/atomic"

	loop "mpc-car-core/closed_loop/control_loop"
	"mpc-car-core/utils"
)

const (
	DefaultCommandFrame = "CAR_CMD"

	SigAccelCmd = "accel_cmd_mps2"
	SigSteerCmd = "steer_cmd_rad"
)

// CommandPublisher encodes commands into the CAR_CMD frame. Sequence,
// stamp and frame id stay on the host; the bus only carries the inputs.
type CommandPublisher struct {
	cmap  *utils.CANMap
	frame string
	w     utils.CANWriter
	log   *utils.Logger
	sent  atomic.Uint64
}

var _ loop.CommandPublisher = (*CommandPublisher)(nil)

func NewCommandPublisher(cmap *utils.CANMap, frame string, w utils.CANWriter, log *utils.Logger) (*CommandPublisher, error) {
	if frame == "" {
		frame = DefaultCommandFrame
	}
	if _, err := requireSignals(cmap, frame, SigAccelCmd, SigSteerCmd); err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("command publisher needs a writer")
	}
	return &CommandPublisher{cmap: cmap, frame: frame, w: w, log: log}, nil
}

func (p *CommandPublisher) Publish(ctx context.Context, cmd loop.Command) error {
	frame, err := p.cmap.EncodeFrame(p.frame, map[string]float64{
		SigAccelCmd: cmd.Acceleration,
		SigSteerCmd: cmd.Steering,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.frame, err)
	}
	if err := p.w.WriteFrame(ctx, frame); err != nil {
		return fmt.Errorf("transmit %s: %w", p.frame, err)
	}
	p.sent.Add(1)
	p.log.Trace("TX seq=%d frame=%s id=0x%X data=% X accel=%.3f steer=%.4f",
		cmd.Seq, cmd.FrameID, frame.ID, frame.Data[:frame.Length], cmd.Acceleration, cmd.Steering)
	return nil
}

// Sent is the number of frames written.
func (p *CommandPublisher) Sent() uint64 { return p.sent.Load() }
