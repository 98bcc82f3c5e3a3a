// Package controller drives a differential-drive base: it limits the latest velocity
// command, mixes it into wheel speeds, estimates odometry and publishes state, once per
// control period.
package controller

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"golang.org/x/time/rate"

	"diffdrive/odometry"
	"diffdrive/realtime"
	"diffdrive/speedlimiter"
	"diffdrive/urdf"
)

// VelocityCommand is a stamped body velocity: linear m/s along x, angular rad/s about z.
type VelocityCommand struct {
	Linear  float64
	Angular float64
	Stamp   time.Time
}

// DescriptionSource provides kinematic parameters from a robot description.
type DescriptionSource interface {
	WheelSeparation(leftJoint, rightJoint string) (float64, error)
	WheelRadius(wheelJoint string) (float64, error)
}

// Option customizes a DiffDriveController.
type Option func(*DiffDriveController)

// WithClock sets the clock used to stamp incoming commands.
func WithClock(clk clock.Clock) Option {
	return func(c *DiffDriveController) {
		c.clock = clk
	}
}

// WithSinks sets the consumers of the controller's publications.
func WithSinks(sinks Sinks) Option {
	return func(c *DiffDriveController) {
		c.sinks = sinks
	}
}

// WithDescription sets the robot description used when separation or radius is not
// configured. Without it the config's robot_description is parsed as URDF.
func WithDescription(desc DescriptionSource) Option {
	return func(c *DiffDriveController) {
		c.desc = desc
	}
}

type publisherSwitch interface {
	Activate()
	Deactivate()
	Close()
}

// DiffDriveController is the differential-drive controller. Update belongs to the
// control goroutine; HandleVelocityCommand and SetWheelMultipliers may be called from
// any other goroutine; lifecycle transitions must be serialized against Update.
type DiffDriveController struct {
	conf     *Config
	resolver HardwareResolver
	desc     DescriptionSource
	sinks    Sinks
	clock    clock.Clock
	logger   logging.Logger

	state            atomic.Int32
	subscriberActive atomic.Bool
	resetRequested   atomic.Bool

	// resolved at configure
	wheelSeparation float64
	wheelRadius     float64
	wheelsPerSide   int
	openLoop        bool
	enableOdomTF    bool
	cmdVelTimeout   time.Duration
	allowMultiple   bool
	limiterLinear   speedlimiter.SpeedLimiter
	limiterAngular  speedlimiter.SpeedLimiter
	leftWheels      []WheelHandle
	rightWheels     []WheelHandle
	opModes         []OperationModeHandle

	multipliers *realtime.Buffer[WheelMultipliers]
	command     *realtime.Buffer[VelocityCommand]

	// control goroutine state
	odometry       *odometry.Odometry
	last0, last1   VelocityCommand
	previousUpdate time.Time
	isHalted       bool

	velLeftPrevious         []float64
	velRightPrevious        []float64
	velLeftDesiredPrevious  float64
	velRightDesiredPrevious float64

	odometryPublisher        *realtime.Publisher[Odometry]
	transformPublisher       *realtime.Publisher[TransformStamped]
	limitedVelocityPublisher *realtime.Publisher[TwistStamped]
	wheelJointPublisher      *realtime.Publisher[WheelJointState]

	producersMu sync.Mutex
	producers   map[string]time.Time

	nanWarning      rate.Sometimes
	producerWarning rate.Sometimes
}

// New returns an unconfigured controller.
func New(conf *Config, resolver HardwareResolver, logger logging.Logger, opts ...Option) *DiffDriveController {
	c := &DiffDriveController{
		conf:            conf,
		resolver:        resolver,
		clock:           clock.New(),
		logger:          logger,
		multipliers:     realtime.NewBuffer(conf.multipliers()),
		command:         realtime.NewBuffer(VelocityCommand{}),
		odometry:        odometry.New(),
		producers:       map[string]time.Time{},
		nanWarning:      rate.Sometimes{Interval: time.Second},
		producerWarning: rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *DiffDriveController) configure() error {
	conf := c.conf
	if err := conf.Validate(""); err != nil {
		return configError(err)
	}
	if len(conf.LeftWheelNames) != len(conf.RightWheelNames) {
		return configErrorf("the number of left wheels [%d] and the number of right wheels [%d] are different",
			len(conf.LeftWheelNames), len(conf.RightWheelNames))
	}

	c.wheelSeparation = conf.WheelSeparation
	c.wheelRadius = conf.WheelRadius
	if err := c.paramsFromDescription(conf.LeftWheelNames[0], conf.RightWheelNames[0]); err != nil {
		return configError(err)
	}

	m := conf.multipliers()
	if err := m.validate(); err != nil {
		return configError(err)
	}
	if !(c.wheelSeparation*m.Separation > 0) ||
		!(c.wheelRadius*m.LeftRadius > 0) ||
		!(c.wheelRadius*m.RightRadius > 0) {
		return configErrorf("wheel separation %v and radius %v must resolve to positive values",
			c.wheelSeparation, c.wheelRadius)
	}
	c.multipliers.Reset(m)
	c.odometry.SetWheelParams(c.wheelSeparation*m.Separation, c.wheelRadius*m.LeftRadius, c.wheelRadius*m.RightRadius)
	c.odometry.SetVelocityRollingWindowSize(conf.rollingWindowSize())

	c.openLoop = conf.OpenLoop
	c.enableOdomTF = conf.enableOdomTF()
	c.cmdVelTimeout = conf.CmdVelTimeout()
	c.allowMultiple = conf.allowMultipleCmdVelPublishers()
	c.logger.Infow("allow multiple cmd_vel publishers", "enabled", c.allowMultiple)
	c.limiterLinear = speedlimiter.New(conf.LinearX.Limits())
	c.limiterAngular = speedlimiter.New(conf.AngularZ.Limits())

	var err error
	if c.leftWheels, err = c.configureSide("left", conf.LeftWheelNames); err != nil {
		return err
	}
	if c.rightWheels, err = c.configureSide("right", conf.RightWheelNames); err != nil {
		return err
	}
	for _, name := range conf.WriteOpModes {
		h, err := c.resolver.OperationModeHandle(name)
		if err != nil {
			return configError(errors.Wrapf(err, "unable to obtain operation mode handle for %s", name))
		}
		c.opModes = append(c.opModes, h)
	}
	if len(c.leftWheels) == 0 || len(c.rightWheels) == 0 || len(c.opModes) == 0 {
		return configErrorf("either left wheel handles, right wheel handles, or operation modes are non existent")
	}
	c.wheelsPerSide = len(c.leftWheels)

	c.createPublishers()

	c.command.Reset(VelocityCommand{})
	c.last0 = VelocityCommand{}
	c.last1 = VelocityCommand{}
	c.previousUpdate = c.clock.Now()
	c.setOpMode(OperationModeInactive)
	return nil
}

// paramsFromDescription fills a missing separation or radius from the robot description.
func (c *DiffDriveController) paramsFromDescription(leftJoint, rightJoint string) error {
	separationMissing := c.wheelSeparation == 0
	radiusMissing := c.wheelRadius == 0
	if !separationMissing && !radiusMissing {
		return nil
	}
	desc := c.desc
	if desc == nil && c.conf.RobotDescription != "" {
		model, err := urdf.Parse(c.conf.RobotDescription)
		if err != nil {
			return err
		}
		desc = model
	}
	if desc == nil {
		return errors.Errorf("wheel_separation and wheel_radius must be set via config or robot description (missing separation: %t, missing radius: %t)",
			separationMissing, radiusMissing)
	}
	if separationMissing {
		sep, err := desc.WheelSeparation(leftJoint, rightJoint)
		if err != nil {
			return errors.Wrap(err, "couldn't retrieve wheel separation")
		}
		c.wheelSeparation = sep
	}
	if radiusMissing {
		r, err := desc.WheelRadius(leftJoint)
		if err != nil {
			return errors.Wrapf(err, "couldn't retrieve %s wheel radius", leftJoint)
		}
		c.wheelRadius = r
	}
	return nil
}

func (c *DiffDriveController) configureSide(side string, names []string) ([]WheelHandle, error) {
	if len(names) == 0 {
		return nil, configErrorf("no %s wheel names specified", side)
	}
	handles := make([]WheelHandle, 0, len(names))
	for _, name := range names {
		state, err := c.resolver.JointStateHandle(name)
		if err != nil {
			return nil, configError(errors.Wrapf(err, "unable to obtain joint state handle for %s", name))
		}
		command, err := c.resolver.JointCommandHandle(name)
		if err != nil {
			return nil, configError(errors.Wrapf(err, "unable to obtain joint command handle for %s", name))
		}
		handles = append(handles, WheelHandle{Name: name, State: state, Command: command})
	}
	return handles, nil
}

func (c *DiffDriveController) createPublishers() {
	conf := c.conf

	c.odometryPublisher = realtime.NewPublisher(c.sinks.Odometry)
	c.odometryPublisher.Lock()
	msg := c.odometryPublisher.Msg()
	*msg = Odometry{}
	msg.Header.FrameID = conf.odomFrameID()
	msg.ChildFrameID = conf.baseFrameID()
	msg.Pose.Covariance = covariance(conf.PoseCovarianceDiagonal)
	msg.Twist.Covariance = covariance(conf.TwistCovarianceDiagonal)
	c.odometryPublisher.Unlock()

	c.transformPublisher = realtime.NewPublisher(c.sinks.Transform)
	c.transformPublisher.Lock()
	tf := c.transformPublisher.Msg()
	*tf = TransformStamped{}
	tf.Header.FrameID = conf.odomFrameID()
	tf.ChildFrameID = conf.baseFrameID()
	c.transformPublisher.Unlock()

	if conf.PublishLimitedVelocity {
		c.limitedVelocityPublisher = realtime.NewPublisher(c.sinks.LimitedVelocity)
	}

	if conf.PublishWheelJointState {
		n := 2 * c.wheelsPerSide
		c.wheelJointPublisher = realtime.NewPublisher(c.sinks.WheelJointState)
		c.wheelJointPublisher.Lock()
		js := c.wheelJointPublisher.Msg()
		*js = WheelJointState{
			JointNames: make([]string, n),
			Desired:    newJointTrajectoryPoint(n),
			Actual:     newJointTrajectoryPoint(n),
			Error:      newJointTrajectoryPoint(n),
		}
		for i := 0; i < c.wheelsPerSide; i++ {
			js.JointNames[i] = c.leftWheels[i].Name
			js.JointNames[i+c.wheelsPerSide] = c.rightWheels[i].Name
		}
		c.wheelJointPublisher.Unlock()
		c.velLeftPrevious = make([]float64, c.wheelsPerSide)
		c.velRightPrevious = make([]float64, c.wheelsPerSide)
	}
}

func (c *DiffDriveController) publishers() []publisherSwitch {
	var ps []publisherSwitch
	if c.odometryPublisher != nil {
		ps = append(ps, c.odometryPublisher)
	}
	if c.transformPublisher != nil {
		ps = append(ps, c.transformPublisher)
	}
	if c.limitedVelocityPublisher != nil {
		ps = append(ps, c.limitedVelocityPublisher)
	}
	if c.wheelJointPublisher != nil {
		ps = append(ps, c.wheelJointPublisher)
	}
	return ps
}

// reset drops every handle and publisher and zeroes the per-cycle state.
func (c *DiffDriveController) reset() {
	c.odometry.Reset()

	c.leftWheels = nil
	c.rightWheels = nil
	c.opModes = nil
	c.wheelsPerSide = 0

	c.subscriberActive.Store(false)
	c.resetRequested.Store(false)
	for _, p := range c.publishers() {
		p.Close()
	}
	c.odometryPublisher = nil
	c.transformPublisher = nil
	c.limitedVelocityPublisher = nil
	c.wheelJointPublisher = nil
	c.velLeftPrevious = nil
	c.velRightPrevious = nil
	c.velLeftDesiredPrevious = 0
	c.velRightDesiredPrevious = 0

	c.command.Reset(VelocityCommand{})
	c.last0 = VelocityCommand{}
	c.last1 = VelocityCommand{}

	c.producersMu.Lock()
	c.producers = map[string]time.Time{}
	c.producersMu.Unlock()

	c.isHalted = false
}

// halt commands zero velocity to every wheel. The operation mode follows the lifecycle:
// an active controller keeps the actuators active so the zero takes effect, otherwise
// they are made inactive.
func (c *DiffDriveController) halt() {
	for _, w := range c.leftWheels {
		w.Command.SetCommand(0)
	}
	for _, w := range c.rightWheels {
		w.Command.SetCommand(0)
	}
	if c.State() == StateActive {
		c.setOpMode(OperationModeActive)
	} else {
		c.setOpMode(OperationModeInactive)
	}
}

func (c *DiffDriveController) setOpMode(mode OperationMode) {
	for _, h := range c.opModes {
		h.SetMode(mode)
	}
}

// WheelVelocities mixes a body velocity into left and right wheel speeds (rad/s).
func WheelVelocities(linear, angular, separation, leftRadius, rightRadius float64) (left, right float64) {
	left = (linear - angular*separation/2.0) / leftRadius
	right = (linear + angular*separation/2.0) / rightRadius
	return left, right
}

// Update runs one control cycle at now. An error means a wheel reported a non-finite
// position; in that case nothing was integrated, commanded or shifted.
func (c *DiffDriveController) Update(now time.Time) error {
	if c.State() != StateActive {
		if !c.isHalted {
			c.halt()
			c.isHalted = true
		}
		return nil
	}

	// Encoder readings are checked before anything is changed, so a failing cycle
	// leaves the pose and a pending reset request as they were.
	var leftPositionMean, rightPositionMean float64
	if !c.openLoop {
		for i := 0; i < c.wheelsPerSide; i++ {
			leftPosition := c.leftWheels[i].State.Position()
			rightPosition := c.rightWheels[i].State.Position()
			if !isFinite(leftPosition) || !isFinite(rightPosition) {
				c.logger.Errorw("either the left or right wheel position is invalid",
					"index", i, "left", leftPosition, "right", rightPosition)
				return errors.Wrapf(odometry.ErrNonFiniteReading, "wheel index %d (%s, %s)",
					i, c.leftWheels[i].Name, c.rightWheels[i].Name)
			}
			leftPositionMean += leftPosition
			rightPositionMean += rightPosition
		}
		leftPositionMean /= float64(c.wheelsPerSide)
		rightPositionMean /= float64(c.wheelsPerSide)
	}

	if c.resetRequested.Swap(false) {
		c.odometry.Reset()
	}

	// Apply (possibly new) multipliers
	m := c.multipliers.Read()
	wheelSeparation := m.Separation * c.wheelSeparation
	leftWheelRadius := m.LeftRadius * c.wheelRadius
	rightWheelRadius := m.RightRadius * c.wheelRadius
	c.odometry.SetWheelParams(wheelSeparation, leftWheelRadius, rightWheelRadius)

	if c.openLoop {
		c.odometry.UpdateOpenLoop(c.last0.Linear, c.last0.Angular, now)
	} else if err := c.odometry.Update(leftPositionMean, rightPositionMean, now); err != nil {
		return err
	}

	c.publishOdometry(now)

	// Brake if cmd_vel has timed out
	cmd := c.command.Read()
	if now.Sub(cmd.Stamp) > c.cmdVelTimeout {
		cmd.Linear = 0
		cmd.Angular = 0
	}

	updateDt := now.Sub(c.previousUpdate)

	c.publishWheelData(now, updateDt, cmd, wheelSeparation, leftWheelRadius, rightWheelRadius)

	cmd.Linear = c.limiterLinear.Limit(cmd.Linear, c.last0.Linear, c.last1.Linear, updateDt.Seconds())
	cmd.Angular = c.limiterAngular.Limit(cmd.Angular, c.last0.Angular, c.last1.Angular, updateDt.Seconds())

	if p := c.limitedVelocityPublisher; p != nil && p.TryLock() {
		msg := p.Msg()
		msg.Header.Stamp = now
		msg.Twist.Linear = r3.Vector{X: cmd.Linear}
		msg.Twist.Angular = r3.Vector{Z: cmd.Angular}
		p.UnlockAndPublish()
	}

	velocityLeft, velocityRight := WheelVelocities(cmd.Linear, cmd.Angular, wheelSeparation, leftWheelRadius, rightWheelRadius)
	for i := 0; i < c.wheelsPerSide; i++ {
		c.leftWheels[i].Command.SetCommand(velocityLeft)
		c.rightWheels[i].Command.SetCommand(velocityRight)
	}
	c.setOpMode(OperationModeActive)

	c.last1 = c.last0
	c.last0 = cmd
	c.previousUpdate = now
	return nil
}

func (c *DiffDriveController) publishOdometry(now time.Time) {
	pose := c.odometry.Pose()
	orientation := quaternionFromYaw(pose.Heading)

	if p := c.odometryPublisher; p != nil && p.TryLock() {
		msg := p.Msg()
		msg.Header.Stamp = now
		msg.Pose.Position = r3.Vector{X: pose.X, Y: pose.Y}
		msg.Pose.Orientation = orientation
		msg.Twist.Twist.Linear = r3.Vector{X: c.odometry.Linear()}
		msg.Twist.Twist.Angular = r3.Vector{Z: c.odometry.Angular()}
		p.UnlockAndPublish()
	}

	if p := c.transformPublisher; c.enableOdomTF && p != nil && p.TryLock() {
		msg := p.Msg()
		msg.Header.Stamp = now
		msg.Translation = r3.Vector{X: pose.X, Y: pose.Y}
		msg.Rotation = orientation
		p.UnlockAndPublish()
	}
}

// publishWheelData reports desired (pre-limit), actual and error state of every wheel.
func (c *DiffDriveController) publishWheelData(
	now time.Time,
	period time.Duration,
	cmd VelocityCommand,
	wheelSeparation, leftWheelRadius, rightWheelRadius float64,
) {
	p := c.wheelJointPublisher
	if p == nil || !p.TryLock() {
		return
	}
	dt := period.Seconds()
	velLeftDesired, velRightDesired := WheelVelocities(cmd.Linear, cmd.Angular, wheelSeparation, leftWheelRadius, rightWheelRadius)

	msg := p.Msg()
	msg.Header.Stamp = now
	n := c.wheelsPerSide
	side := func(i int, w WheelHandle, velPrevious *float64, velDesired, velDesiredPrevious float64) {
		velocity := w.State.Velocity()
		var acc, accDesired float64
		if dt > 0 {
			acc = (velocity - *velPrevious) / dt
			accDesired = (velDesired - velDesiredPrevious) / dt
		}
		msg.Actual.Positions[i] = w.State.Position()
		msg.Actual.Velocities[i] = velocity
		msg.Actual.Accelerations[i] = acc
		msg.Actual.Effort[i] = w.State.Effort()

		msg.Desired.Positions[i] += velDesired * dt
		msg.Desired.Velocities[i] = velDesired
		msg.Desired.Accelerations[i] = accDesired
		msg.Desired.Effort[i] = math.NaN()

		msg.Error.Positions[i] = msg.Desired.Positions[i] - msg.Actual.Positions[i]
		msg.Error.Velocities[i] = msg.Desired.Velocities[i] - msg.Actual.Velocities[i]
		msg.Error.Accelerations[i] = msg.Desired.Accelerations[i] - msg.Actual.Accelerations[i]
		msg.Error.Effort[i] = msg.Desired.Effort[i] - msg.Actual.Effort[i]

		*velPrevious = velocity
	}
	for i := 0; i < n; i++ {
		side(i, c.leftWheels[i], &c.velLeftPrevious[i], velLeftDesired, c.velLeftDesiredPrevious)
		side(i+n, c.rightWheels[i], &c.velRightPrevious[i], velRightDesired, c.velRightDesiredPrevious)
	}
	c.velLeftDesiredPrevious = velLeftDesired
	c.velRightDesiredPrevious = velRightDesired
	p.UnlockAndPublish()
}

// HandleVelocityCommand ingests a command from producer. Commands are dropped while
// the controller is not active or when a component is not finite. When more than one
// producer has been heard from within the command timeout and multiple producers are
// not allowed, the wheels are halted and the command is dropped.
func (c *DiffDriveController) HandleVelocityCommand(producer string, linear, angular float64) {
	if !c.subscriberActive.Load() {
		c.logger.Warnw("can't accept new commands, subscriber is inactive")
		return
	}
	now := c.clock.Now()

	if !c.allowMultiple {
		if n := c.countProducers(producer, now); n > 1 {
			c.producerWarning.Do(func() {
				c.logger.Errorw("only 1 velocity command publisher is allowed, going to brake", "publishers", n)
			})
			c.command.Write(VelocityCommand{Stamp: now})
			c.halt()
			return
		}
	}

	if !isFinite(linear) || !isFinite(angular) {
		c.nanWarning.Do(func() {
			c.logger.Warnw("received NaN in velocity command, ignoring")
		})
		return
	}

	c.command.Write(VelocityCommand{Linear: linear, Angular: angular, Stamp: now})
	c.logger.Debugw("added values to command", "linear", linear, "angular", angular, "stamp", now)
}

// countProducers records producer and returns how many distinct producers were heard
// from within the command timeout.
func (c *DiffDriveController) countProducers(producer string, now time.Time) int {
	c.producersMu.Lock()
	defer c.producersMu.Unlock()
	c.producers[producer] = now
	for p, seen := range c.producers {
		if now.Sub(seen) > c.cmdVelTimeout {
			delete(c.producers, p)
		}
	}
	return len(c.producers)
}

// SetWheelMultipliers changes the calibration multipliers; the next cycle uses them.
func (c *DiffDriveController) SetWheelMultipliers(m WheelMultipliers) error {
	if err := m.validate(); err != nil {
		return err
	}
	c.multipliers.Write(m)
	return nil
}

// WheelMultipliers returns the multipliers in use.
func (c *DiffDriveController) WheelMultipliers() WheelMultipliers {
	return c.multipliers.Read()
}

// ResetOdometry asks the control goroutine to move the pose back to the origin on its
// next active cycle.
func (c *DiffDriveController) ResetOdometry() {
	c.resetRequested.Store(true)
}

// Pose returns the current odometry pose. It reads control goroutine state and is
// meant for use between cycles, e.g. in tests; consumers should use the Odometry sink.
func (c *DiffDriveController) Pose() odometry.Pose {
	return c.odometry.Pose()
}

// LastCommand returns the most recent limited command. Same caveat as Pose.
func (c *DiffDriveController) LastCommand() VelocityCommand {
	return c.last0
}

// WheelSeparation returns the configured separation before multipliers.
func (c *DiffDriveController) WheelSeparation() float64 {
	return c.wheelSeparation
}

// WheelRadius returns the configured radius before multipliers.
func (c *DiffDriveController) WheelRadius() float64 {
	return c.wheelRadius
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
