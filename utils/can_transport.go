package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

type CANWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

type CANReader interface {
	ReadFrame(ctx context.Context) (can.Frame, error)
	Close() error
}

var ErrReaderClosed = errors.New("can reader closed")

type SocketCANWriter struct {
	conn net.Conn
	tx   *socketcan.Transmitter
}

func NewSocketCANWriter(ctx context.Context, iface string) (*SocketCANWriter, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}
	return &SocketCANWriter{
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	return w.tx.TransmitFrame(ctx, frame)
}

func (w *SocketCANWriter) Close() error {
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// SocketCANReader pumps received frames from a single goroutine so a
// canceled ReadFrame never leaves a blocked receive behind.
type SocketCANReader struct {
	conn   net.Conn
	frames chan can.Frame
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	err    error
}

func NewSocketCANReader(ctx context.Context, iface string) (*SocketCANReader, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}
	r := &SocketCANReader{
		conn:   conn,
		frames: make(chan can.Frame, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.pump(socketcan.NewReceiver(conn))
	return r, nil
}

func (r *SocketCANReader) pump(recv *socketcan.Receiver) {
	defer close(r.done)
	for recv.Receive() {
		select {
		case r.frames <- recv.Frame():
		case <-r.stop:
			return
		}
	}
	r.err = recv.Err()
}

// ReadFrame blocks until a frame arrives, the context ends or the socket closes.
func (r *SocketCANReader) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case f := <-r.frames:
		return f, nil
	case <-r.done:
		if r.err != nil {
			return can.Frame{}, fmt.Errorf("receive: %w", r.err)
		}
		return can.Frame{}, ErrReaderClosed
	}
}

func (r *SocketCANReader) Close() error {
	r.once.Do(func() { close(r.stop) })
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
