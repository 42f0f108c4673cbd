package canbus

import (
	"context"
	"errors"
	"fmt"

	"go.einride.tech/can"

	loop "mpc-car-core/closed_loop/control_loop"
	"mpc-car-core/utils"
)

// Odometry signal names expected in the CAN map.
const (
	SigPosX     = "pos_x_m"
	SigPosY     = "pos_y_m"
	SigOrientQZ = "orient_qz"
	SigOrientQW = "orient_qw"
	SigVelX     = "vel_x_mps"
	SigVelY     = "vel_y_mps"
)

const (
	DefaultPoseFrame  = "ODOM_POSE"
	DefaultTwistFrame = "ODOM_TWIST"
)

// StateSink receives every assembled odometry sample.
type StateSink interface {
	Update(pose loop.Pose, twist loop.Twist) loop.StateVector
}

// OdometryDecoder turns ODOM_POSE/ODOM_TWIST frame pairs into estimator
// samples. A sample is produced each time a twist frame arrives after at
// least one pose frame; the latest pose is reused.
type OdometryDecoder struct {
	cmap    *utils.CANMap
	poseID  uint32
	twistID uint32
	sink    StateSink
	log     *utils.Logger

	pose     loop.Pose
	havePose bool

	received uint64
	samples  uint64
}

func NewOdometryDecoder(cmap *utils.CANMap, poseFrame, twistFrame string, sink StateSink, log *utils.Logger) (*OdometryDecoder, error) {
	if poseFrame == "" {
		poseFrame = DefaultPoseFrame
	}
	if twistFrame == "" {
		twistFrame = DefaultTwistFrame
	}
	pfd, err := requireSignals(cmap, poseFrame, SigPosX, SigPosY)
	if err != nil {
		return nil, err
	}
	tfd, err := requireSignals(cmap, twistFrame, SigOrientQZ, SigOrientQW, SigVelX, SigVelY)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("odometry decoder needs a state sink")
	}
	return &OdometryDecoder{
		cmap:    cmap,
		poseID:  pfd.ID,
		twistID: tfd.ID,
		sink:    sink,
		log:     log,
	}, nil
}

// HandleFrame consumes one frame. It reports the new state when the frame
// completed a sample. Frames with other IDs are ignored.
func (d *OdometryDecoder) HandleFrame(frame can.Frame) (loop.StateVector, bool, error) {
	if frame.ID != d.poseID && frame.ID != d.twistID {
		return loop.StateVector{}, false, nil
	}
	d.received++
	vals, err := d.cmap.DecodeFrame(frame)
	if err != nil {
		return loop.StateVector{}, false, err
	}

	if frame.ID == d.poseID {
		// z is not carried on the bus; the orientation arrives with the twist
		d.pose.Position = loop.Vec3{X: vals[SigPosX], Y: vals[SigPosY]}
		d.havePose = true
		return loop.StateVector{}, false, nil
	}

	d.pose.Orientation = loop.Quaternion{Z: vals[SigOrientQZ], W: vals[SigOrientQW]}
	if !d.havePose {
		return loop.StateVector{}, false, nil
	}
	twist := loop.Twist{Linear: loop.Vec3{X: vals[SigVelX], Y: vals[SigVelY]}}
	st := d.sink.Update(d.pose, twist)
	d.samples++
	return st, true, nil
}

// Run reads frames until ctx ends or the reader closes.
func (d *OdometryDecoder) Run(ctx context.Context, reader utils.CANReader) error {
	d.log.Debug("RX loop started")
	defer d.log.Debug("RX loop stopped")

	for {
		frame, err := reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, utils.ErrReaderClosed) {
				return nil
			}
			return fmt.Errorf("read odometry: %w", err)
		}

		st, ok, err := d.HandleFrame(frame)
		if err != nil {
			d.log.Warn("RX id=0x%X dropped: %v", frame.ID, err)
			continue
		}
		if ok {
			d.log.Trace("RX state %v (sample %d)", st, d.samples)
		}
	}
}

// Counts returns the odometry frames decoded and samples produced.
func (d *OdometryDecoder) Counts() (frames, samples uint64) {
	return d.received, d.samples
}

func requireSignals(cmap *utils.CANMap, frame string, names ...string) (*utils.FrameDef, error) {
	fd, err := cmap.FrameByName(frame)
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	for _, n := range names {
		if _, ok := fd.Signal(n); !ok {
			return nil, fmt.Errorf("frame %s has no signal %s", frame, n)
		}
	}
	return fd, nil
}
