package canbus

import (
	"context"
	"errors"
	"sync"

	"go.einride.tech/can"

	"mpc-car-core/utils"
)

// ErrPortClosed is returned when writing through a closed port.
var ErrPortClosed = errors.New("can port closed")

// MemBus is an in-process CAN bus. Every frame written by any port is
// delivered to every other open port, so a simulated vehicle and the
// controller can share it without a kernel interface.
type MemBus struct {
	mu    sync.Mutex
	ports map[*MemPort]struct{}
}

func NewMemBus() *MemBus {
	return &MemBus{ports: make(map[*MemPort]struct{})}
}

// Open attaches a port with a receive buffer of the given size. Frames
// arriving at a full port are dropped, like a saturated socket buffer.
func (b *MemBus) Open(buffer int) *MemPort {
	if buffer <= 0 {
		buffer = 64
	}
	p := &MemPort{bus: b, rx: make(chan can.Frame, buffer), closed: make(chan struct{})}
	b.mu.Lock()
	b.ports[p] = struct{}{}
	b.mu.Unlock()
	return p
}

func (b *MemBus) broadcast(from *MemPort, frame can.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.ports {
		if p == from {
			continue
		}
		select {
		case p.rx <- frame:
		default:
		}
	}
}

// MemPort is one node on a MemBus. It implements both utils.CANReader
// and utils.CANWriter.
type MemPort struct {
	bus    *MemBus
	rx     chan can.Frame
	closed chan struct{}
	once   sync.Once
}

var (
	_ utils.CANReader = (*MemPort)(nil)
	_ utils.CANWriter = (*MemPort)(nil)
)

func (p *MemPort) WriteFrame(ctx context.Context, frame can.Frame) error {
	select {
	case <-p.closed:
		return ErrPortClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	p.bus.broadcast(p, frame)
	return nil
}

func (p *MemPort) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case <-p.closed:
		return can.Frame{}, utils.ErrReaderClosed
	case f := <-p.rx:
		return f, nil
	}
}

func (p *MemPort) Close() error {
	p.once.Do(func() {
		p.bus.mu.Lock()
		delete(p.bus.ports, p)
		p.bus.mu.Unlock()
		close(p.closed)
	})
	return nil
}
