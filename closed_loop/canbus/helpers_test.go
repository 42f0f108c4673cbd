package canbus

import (
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	loop "mpc-car-core/closed_loop/control_loop"
	"mpc-car-core/utils"
)

const testMap = `direction,frame_id,frame_name,cycle_ms,dlc,signal_name,start_bit,bit_length,endianness,signed,factor,offset,min,max,default,unit,comment
rx,0x310,ODOM_POSE,20,8,pos_x_m,0,32,little,true,0.001,0,-2000000,2000000,0,m,
rx,0x310,ODOM_POSE,20,8,pos_y_m,32,32,little,true,0.001,0,-2000000,2000000,0,m,
rx,0x311,ODOM_TWIST,20,8,orient_qz,0,16,little,true,0.0001,0,-1,1,0,,
rx,0x311,ODOM_TWIST,20,8,orient_qw,16,16,little,true,0.0001,0,-1,1,1,,
rx,0x311,ODOM_TWIST,20,8,vel_x_mps,32,16,little,true,0.01,0,-300,300,0,m/s,
rx,0x311,ODOM_TWIST,20,8,vel_y_mps,48,16,little,true,0.01,0,-300,300,0,m/s,
tx,0x320,CAR_CMD,20,4,accel_cmd_mps2,0,16,little,true,0.001,0,-30,30,0,m/s^2,
tx,0x320,CAR_CMD,20,4,steer_cmd_rad,16,16,little,true,0.0001,0,-3.2,3.2,0,rad,
rx,0x300,VEHICLE_STATE_1,10,2,vehicle_speed_mps,0,16,little,true,0.01,0,-300,300,0,m/s,
`

func testCANMap(t *testing.T) *utils.CANMap {
	t.Helper()
	m, err := utils.ParseCANMap(strings.NewReader(testMap))
	require.NoError(t, err)
	return m
}

func testLogger() *utils.Logger {
	return utils.NewLogger(io.Discard, utils.TRACE)
}

type recordingSink struct {
	mu     sync.Mutex
	poses  []loop.Pose
	twists []loop.Twist
}

func (s *recordingSink) Update(pose loop.Pose, twist loop.Twist) loop.StateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poses = append(s.poses, pose)
	s.twists = append(s.twists, twist)
	return loop.Estimate(pose, twist)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.poses)
}
