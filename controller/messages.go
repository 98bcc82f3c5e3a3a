package controller

import (
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"
)

// Header stamps an outbound message.
type Header struct {
	Stamp   time.Time `json:"stamp"`
	FrameID string    `json:"frame_id"`
}

// Quaternion is a unit rotation.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// quaternionFromYaw converts a planar heading (roll = pitch = 0) into a quaternion.
func quaternionFromYaw(yaw float64) Quaternion {
	var q quat.Number = (&spatialmath.EulerAngles{Roll: 0, Pitch: 0, Yaw: yaw}).Quaternion()
	return Quaternion{X: q.Imag, Y: q.Jmag, Z: q.Kmag, W: q.Real}
}

// Twist is a linear and angular velocity.
type Twist struct {
	Linear  r3.Vector `json:"linear"`
	Angular r3.Vector `json:"angular"`
}

// PoseWithCovariance is a pose with a row-major 6x6 covariance.
type PoseWithCovariance struct {
	Position    r3.Vector   `json:"position"`
	Orientation Quaternion  `json:"orientation"`
	Covariance  [36]float64 `json:"covariance"`
}

// TwistWithCovariance is a twist with a row-major 6x6 covariance.
type TwistWithCovariance struct {
	Twist      Twist       `json:"twist"`
	Covariance [36]float64 `json:"covariance"`
}

// Odometry is the estimated pose and velocity of the base frame in the odometry frame.
type Odometry struct {
	Header       Header              `json:"header"`
	ChildFrameID string              `json:"child_frame_id"`
	Pose         PoseWithCovariance  `json:"pose"`
	Twist        TwistWithCovariance `json:"twist"`
}

// TransformStamped is the odometry frame to base frame transform.
type TransformStamped struct {
	Header       Header     `json:"header"`
	ChildFrameID string     `json:"child_frame_id"`
	Translation  r3.Vector  `json:"translation"`
	Rotation     Quaternion `json:"rotation"`
}

// TwistStamped is a stamped velocity, used for the limited velocity echo.
type TwistStamped struct {
	Header Header `json:"header"`
	Twist  Twist  `json:"twist"`
}

// JointTrajectoryPoint holds one value per wheel joint for each quantity.
type JointTrajectoryPoint struct {
	Positions     []float64 `json:"positions"`
	Velocities    []float64 `json:"velocities"`
	Accelerations []float64 `json:"accelerations"`
	Effort        []float64 `json:"effort"`
}

func newJointTrajectoryPoint(n int) JointTrajectoryPoint {
	return JointTrajectoryPoint{
		Positions:     make([]float64, n),
		Velocities:    make([]float64, n),
		Accelerations: make([]float64, n),
		Effort:        make([]float64, n),
	}
}

func (p JointTrajectoryPoint) clone() JointTrajectoryPoint {
	return JointTrajectoryPoint{
		Positions:     append([]float64(nil), p.Positions...),
		Velocities:    append([]float64(nil), p.Velocities...),
		Accelerations: append([]float64(nil), p.Accelerations...),
		Effort:        append([]float64(nil), p.Effort...),
	}
}

// WheelJointState reports desired, actual and error state of every wheel, left wheels
// first.
type WheelJointState struct {
	Header     Header               `json:"header"`
	JointNames []string             `json:"joint_names"`
	Desired    JointTrajectoryPoint `json:"desired"`
	Actual     JointTrajectoryPoint `json:"actual"`
	Error      JointTrajectoryPoint `json:"error"`
}

// Clone returns a deep copy.
func (s WheelJointState) Clone() WheelJointState {
	return WheelJointState{
		Header:     s.Header,
		JointNames: append([]string(nil), s.JointNames...),
		Desired:    s.Desired.clone(),
		Actual:     s.Actual.clone(),
		Error:      s.Error.clone(),
	}
}

// Sinks receive the controller's publications on a goroutine of their own. A nil sink
// drops its messages. Sinks must copy slices they keep.
type Sinks struct {
	Odometry        func(Odometry)
	Transform       func(TransformStamped)
	LimitedVelocity func(TwistStamped)
	WheelJointState func(WheelJointState)
}
