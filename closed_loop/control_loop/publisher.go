package loop

import (
	"context"
	"time"
)

// DefaultFrameID is the reference frame stamped on commands.
const DefaultFrameID = "world"

// Command is the actuation message sent after a successful tick.
type Command struct {
	Seq          uint64
	Stamp        time.Time
	FrameID      string
	Acceleration float64
	Steering     float64
}

// Control returns the command's ControlPair.
func (c Command) Control() ControlPair {
	return ControlPair{Acceleration: c.Acceleration, Steering: c.Steering}
}

// CommandPublisher marshals commands onto the outbound transport.
type CommandPublisher interface {
	Publish(ctx context.Context, cmd Command) error
}

// PublisherFunc adapts a function to CommandPublisher.
type PublisherFunc func(ctx context.Context, cmd Command) error

func (f PublisherFunc) Publish(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}
