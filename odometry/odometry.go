// Package odometry estimates the planar pose and velocity of a differential-drive base,
// either from wheel encoder positions or from the commanded velocity.
package odometry

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// DefaultVelocityRollingWindowSize is the number of samples averaged into the
// velocity estimate.
const DefaultVelocityRollingWindowSize = 10

// Updates closer together than this are skipped; the wheel travel carries over to the
// next update.
const minUpdateInterval = 100 * time.Microsecond

// Below this rotation a step is integrated as a straight line.
const straightLineThreshold = 1e-6

// ErrNonFiniteReading is returned when an encoder position is NaN or infinite.
var ErrNonFiniteReading = errors.New("wheel position is not finite")

// Pose is the planar pose in the odometry frame.
type Pose struct {
	X       float64
	Y       float64
	Heading float64
}

// Odometry integrates wheel travel or commanded velocity into a Pose. It is owned by
// a single goroutine; none of its methods are safe for concurrent use.
type Odometry struct {
	timestamp   time.Time
	initialized bool

	pose    Pose
	linear  float64
	angular float64

	wheelSeparation  float64
	leftWheelRadius  float64
	rightWheelRadius float64

	leftWheelOldPos  float64
	rightWheelOldPos float64

	linearMean  *rollingMean
	angularMean *rollingMean
}

// New returns an odometry at the origin with the default rolling window.
func New() *Odometry {
	return &Odometry{
		linearMean:  newRollingMean(DefaultVelocityRollingWindowSize),
		angularMean: newRollingMean(DefaultVelocityRollingWindowSize),
	}
}

// SetWheelParams sets the kinematic parameters used by Update.
func (o *Odometry) SetWheelParams(wheelSeparation, leftWheelRadius, rightWheelRadius float64) {
	o.wheelSeparation = wheelSeparation
	o.leftWheelRadius = leftWheelRadius
	o.rightWheelRadius = rightWheelRadius
}

// SetVelocityRollingWindowSize resizes the velocity windows, discarding their samples.
func (o *Odometry) SetVelocityRollingWindowSize(size int) {
	o.linearMean = newRollingMean(size)
	o.angularMean = newRollingMean(size)
}

// Update integrates the mean wheel positions (radians) of each side read at now. The
// first call after New or Reset only records the positions. A non-finite position
// returns ErrNonFiniteReading and leaves the odometry untouched.
func (o *Odometry) Update(leftPos, rightPos float64, now time.Time) error {
	if !isFinite(leftPos) || !isFinite(rightPos) {
		return errors.Wrapf(ErrNonFiniteReading, "left %v right %v", leftPos, rightPos)
	}
	if !o.initialized {
		o.seed(now)
		o.leftWheelOldPos = leftPos
		o.rightWheelOldPos = rightPos
		return nil
	}

	elapsed := now.Sub(o.timestamp)
	if elapsed < minUpdateInterval {
		return nil
	}
	dt := elapsed.Seconds()

	leftTravel := (leftPos - o.leftWheelOldPos) * o.leftWheelRadius
	rightTravel := (rightPos - o.rightWheelOldPos) * o.rightWheelRadius
	o.leftWheelOldPos = leftPos
	o.rightWheelOldPos = rightPos

	linear := (rightTravel + leftTravel) * 0.5
	angular := (rightTravel - leftTravel) / o.wheelSeparation

	o.integrateExact(linear, angular)
	o.timestamp = now

	o.linearMean.accumulate(linear / dt)
	o.angularMean.accumulate(angular / dt)
	o.linear = o.linearMean.mean()
	o.angular = o.angularMean.mean()
	return nil
}

// UpdateOpenLoop integrates the commanded linear (m/s) and angular (rad/s) velocity
// over the time since the previous update. The first call after New or Reset only
// records the time.
func (o *Odometry) UpdateOpenLoop(linear, angular float64, now time.Time) {
	if !o.initialized {
		o.seed(now)
		return
	}
	dt := now.Sub(o.timestamp).Seconds()
	o.timestamp = now

	o.integrateExact(linear*dt, angular*dt)

	o.linearMean.accumulate(linear)
	o.angularMean.accumulate(angular)
	o.linear = o.linearMean.mean()
	o.angular = o.angularMean.mean()
}

// Reset moves the pose back to the origin and clears the velocity estimate.
func (o *Odometry) Reset() {
	o.pose = Pose{}
	o.linear = 0
	o.angular = 0
	o.linearMean.reset()
	o.angularMean.reset()
	o.initialized = false
	o.timestamp = time.Time{}
	o.leftWheelOldPos = 0
	o.rightWheelOldPos = 0
}

func (o *Odometry) seed(now time.Time) {
	o.timestamp = now
	o.initialized = true
}

// integrateRungeKutta2 advances the pose by a second order step, valid for small rotations.
func (o *Odometry) integrateRungeKutta2(linear, angular float64) {
	direction := o.pose.Heading + angular*0.5
	o.pose.X += linear * math.Cos(direction)
	o.pose.Y += linear * math.Sin(direction)
	o.pose.Heading += angular
}

// integrateExact advances the pose along the circular arc of the given linear and
// angular displacement.
func (o *Odometry) integrateExact(linear, angular float64) {
	if math.Abs(angular) < straightLineThreshold {
		o.integrateRungeKutta2(linear, angular)
		return
	}
	headingOld := o.pose.Heading
	r := linear / angular
	o.pose.Heading += angular
	o.pose.X += r * (math.Sin(o.pose.Heading) - math.Sin(headingOld))
	o.pose.Y += -r * (math.Cos(o.pose.Heading) - math.Cos(headingOld))
}

// Pose returns the accumulated pose.
func (o *Odometry) Pose() Pose { return o.pose }

// X returns the x position in meters.
func (o *Odometry) X() float64 { return o.pose.X }

// Y returns the y position in meters.
func (o *Odometry) Y() float64 { return o.pose.Y }

// Heading returns the heading in radians.
func (o *Odometry) Heading() float64 { return o.pose.Heading }

// Linear returns the estimated linear velocity in m/s.
func (o *Odometry) Linear() float64 { return o.linear }

// Angular returns the estimated angular velocity in rad/s.
func (o *Odometry) Angular() float64 { return o.angular }

// Timestamp returns the time of the last integrated update.
func (o *Odometry) Timestamp() time.Time { return o.timestamp }

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
