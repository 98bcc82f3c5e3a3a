package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/session"
	"go.viam.com/rdk/spatialmath"
	viamutils "go.viam.com/utils"

	"diffdrive/controller"
	"diffdrive/hardware"
	"diffdrive/manager"
)

// defaultProducer names commands arriving outside of a client session.
const defaultProducer = "default"

// movingThreshold is the odometry speed below which the base counts as stopped.
const movingThreshold = 1e-3

type closer interface {
	Close() error
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// diffDriveBase exposes a differential-drive controller as a viam base. Every motion
// request becomes a velocity command for the controller, which a manager runs at a fixed
// rate against the wheels.
type diffDriveBase struct {
	resource.Named
	resource.AlwaysRebuild

	conf       *Config
	ctrl       *controller.DiffDriveController
	mgr        *manager.Manager
	hw         closer
	geometries []spatialmath.Geometry
	logger     logging.Logger

	isMoving atomic.Bool

	// latest publications
	mu              sync.Mutex
	odometry        controller.Odometry
	transform       controller.TransformStamped
	limitedVelocity controller.TwistStamped
	wheelState      controller.WheelJointState
}

// newBase creates a base whose controller is configured and active before it is
// returned.
func newBase(conf resource.Config, logger logging.Logger) (base.Base, error) {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}

	var geometries = []spatialmath.Geometry{}
	if conf.Frame != nil {
		frame, err := conf.Frame.ParseConfig()
		if err != nil {
			return nil, err
		}
		geometries = append(geometries, frame.Geometry())
	}

	b := &diffDriveBase{
		Named:      conf.ResourceName().AsNamed(),
		conf:       newConf,
		geometries: geometries,
		logger:     logger,
	}

	resolver, hw, err := openHardware(newConf, logger)
	if err != nil {
		return nil, err
	}
	b.hw = hw

	b.ctrl = controller.New(&newConf.Config, resolver, logger, controller.WithSinks(b.sinks()))
	b.mgr, err = manager.New(b.ctrl, newConf.UpdateRateHz, logger, manager.WithMaxErrorCycles(newConf.MaxErrorCycles))
	if err != nil {
		return nil, multierr.Combine(err, hw.Close())
	}
	for _, transition := range []string{manager.TransitionConfigure, manager.TransitionActivate} {
		if err := b.mgr.Transition(transition); err != nil {
			return nil, multierr.Combine(err, b.mgr.Close(), hw.Close())
		}
	}
	b.mgr.Start()

	logger.Infow("differential base started",
		"hardware", newConf.hardwareKind(),
		"wheel_separation", b.ctrl.WheelSeparation(),
		"wheel_radius", b.ctrl.WheelRadius(),
		"period", b.mgr.Period(),
	)
	return b, nil
}

func openHardware(conf *Config, logger logging.Logger) (controller.HardwareResolver, closer, error) {
	switch conf.hardwareKind() {
	case hardwareFake:
		return hardware.NewSimulated(conf.wheelNames(), conf.WriteOpModes, nil), nopCloser{}, nil
	case hardwareCAN:
		c, err := hardware.OpenCAN(conf.canConfig(), logger)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return nil, nil, errors.Errorf("unknown hardware %q", conf.Hardware)
	}
}

func (b *diffDriveBase) sinks() controller.Sinks {
	return controller.Sinks{
		Odometry: func(msg controller.Odometry) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.odometry = msg
		},
		Transform: func(msg controller.TransformStamped) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.transform = msg
		},
		LimitedVelocity: func(msg controller.TwistStamped) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.limitedVelocity = msg
		},
		WheelJointState: func(msg controller.WheelJointState) {
			clone := msg.Clone()
			b.mu.Lock()
			defer b.mu.Unlock()
			b.wheelState = clone
		},
	}
}

func (b *diffDriveBase) latestOdometry() controller.Odometry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.odometry
}

// producerID identifies the client session a command arrived on.
func producerID(ctx context.Context) string {
	if sess, ok := session.FromContext(ctx); ok && sess != nil {
		return sess.ID().String()
	}
	return defaultProducer
}

func (b *diffDriveBase) command(ctx context.Context, linear, angular float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s := b.ctrl.State(); s != controller.StateActive {
		return errors.Errorf("controller is %s, not accepting commands", s)
	}
	b.ctrl.HandleVelocityCommand(producerID(ctx), linear, angular)
	return nil
}

// drive keeps commanding the given velocity for d, refreshing it well within the command
// timeout, then stops the base.
func (b *diffDriveBase) drive(ctx context.Context, linear, angular float64, d time.Duration) error {
	refresh := b.conf.Config.CmdVelTimeout() / 4
	b.isMoving.Store(true)
	defer func() {
		if err := b.command(context.Background(), 0, 0); err != nil {
			b.logger.Debugw("stop after motion", "error", err)
		}
		b.isMoving.Store(false)
	}()

	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if err := b.command(ctx, linear, angular); err != nil {
			return err
		}
		wait := refresh
		if remaining < wait {
			wait = remaining
		}
		if !viamutils.SelectContextOrWait(ctx, wait) {
			return ctx.Err()
		}
	}
}

// MoveStraight moves the base forward the given distance and speed.
func (b *diffDriveBase) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if mmPerSec == 0 || math.IsNaN(mmPerSec) || math.IsInf(mmPerSec, 0) {
		return errors.Errorf("cannot move straight at %v mm/s", mmPerSec)
	}
	speed := math.Abs(mmPerSec) / 1000
	if (mmPerSec < 0) != (distanceMm < 0) {
		speed *= -1
	}
	d := time.Duration(math.Abs(float64(distanceMm)/mmPerSec) * float64(time.Second))
	return b.drive(ctx, speed, 0, d)
}

// Spin spins the base by the given angleDeg and degsPerSec.
func (b *diffDriveBase) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if degsPerSec == 0 || math.IsNaN(degsPerSec) || math.IsInf(degsPerSec, 0) {
		return errors.Errorf("cannot spin at %v deg/s", degsPerSec)
	}
	rate := math.Abs(degsPerSec) * math.Pi / 180
	if (degsPerSec < 0) != (angleDeg < 0) {
		rate *= -1
	}
	d := time.Duration(math.Abs(angleDeg/degsPerSec) * float64(time.Second))
	return b.drive(ctx, 0, rate, d)
}

func (b *diffDriveBase) warnUnusedAxes(linear, angular r3.Vector) {
	// Some vector components do not apply to a 2D base
	if linear.X != 0 {
		b.logger.Warnw("Linear X command non-zero and has no effect")
	}
	if linear.Z != 0 {
		b.logger.Warnw("Linear Z command non-zero and has no effect")
	}
	if angular.X != 0 {
		b.logger.Warnw("Angular X command non-zero and has no effect")
	}
	if angular.Y != 0 {
		b.logger.Warnw("Angular Y command non-zero and has no effect")
	}
}

// SetPower sets the linear and angular [-1, 1] drive power as a fraction of the
// configured velocity limits.
func (b *diffDriveBase) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnusedAxes(linear, angular)
	maxLinear, maxAngular := b.conf.LinearX, b.conf.AngularZ
	if !maxLinear.HasVelocityLimits || !maxAngular.HasVelocityLimits {
		return errors.New("SetPower needs velocity limits for linear_x and angular_z")
	}
	power := func(v float64) float64 { return math.Max(-1, math.Min(1, v)) }
	b.isMoving.Store(linear.Y != 0 || angular.Z != 0)
	return b.command(ctx, power(linear.Y)*maxLinear.MaxVelocity, power(angular.Z)*maxAngular.MaxVelocity)
}

// SetVelocity sets the linear (mmPerSec) and angular (degsPerSec) velocity.
func (b *diffDriveBase) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnusedAxes(linear, angular)
	b.isMoving.Store(linear.Y != 0 || angular.Z != 0)
	return b.command(ctx, linear.Y/1000, angular.Z*math.Pi/180)
}

// Stop stops the base. The wheels ramp down as fast as the limits allow.
func (b *diffDriveBase) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.isMoving.Store(false)
	if b.ctrl.State() != controller.StateActive {
		return nil
	}
	b.ctrl.HandleVelocityCommand(producerID(ctx), 0, 0)
	return nil
}

func (b *diffDriveBase) IsMoving(ctx context.Context) (bool, error) {
	if b.isMoving.Load() {
		return true, nil
	}
	odom := b.latestOdometry()
	return math.Abs(odom.Twist.Twist.Linear.X) > movingThreshold ||
		math.Abs(odom.Twist.Twist.Angular.Z) > movingThreshold, nil
}

func (b *diffDriveBase) Properties(ctx context.Context, extra map[string]interface{}) (base.Properties, error) {
	return base.Properties{
		WidthMeters:              b.ctrl.WheelSeparation(),
		WheelCircumferenceMeters: 2 * math.Pi * b.ctrl.WheelRadius(),
	}, nil
}

func (b *diffDriveBase) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return b.geometries, nil
}

// DoCommand executes additional commands beyond the Base{} interface: odometry
// readout and reset, calibration and lifecycle transitions.
func (b *diffDriveBase) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}
	switch name {
	case "get_odometry":
		odom := b.latestOdometry()
		return map[string]interface{}{
			"stamp":       odom.Header.Stamp.Format(time.RFC3339Nano),
			"frame_id":    odom.Header.FrameID,
			"x":           odom.Pose.Position.X,
			"y":           odom.Pose.Position.Y,
			"orientation": []float64{odom.Pose.Orientation.X, odom.Pose.Orientation.Y, odom.Pose.Orientation.Z, odom.Pose.Orientation.W},
			"linear":      odom.Twist.Twist.Linear.X,
			"angular":     odom.Twist.Twist.Angular.Z,
		}, nil

	case "get_telemetry":
		b.mu.Lock()
		wheels := b.wheelState.Clone()
		limited := b.limitedVelocity
		b.mu.Unlock()
		stats := b.mgr.Stats()
		m := b.ctrl.WheelMultipliers()
		return map[string]interface{}{
			"state":              b.mgr.State().String(),
			"cycles":             stats.Cycles,
			"failed_cycles":      stats.FailedCycles,
			"recoveries":         stats.Recoveries,
			"wheel_separation":   b.ctrl.WheelSeparation() * m.Separation,
			"left_wheel_radius":  b.ctrl.WheelRadius() * m.LeftRadius,
			"right_wheel_radius": b.ctrl.WheelRadius() * m.RightRadius,
			"limited_linear":     limited.Twist.Linear.X,
			"limited_angular":    limited.Twist.Angular.Z,
			"joint_names":        wheels.JointNames,
			"wheel_velocities":   wheels.Actual.Velocities,
			"wheel_errors":       wheels.Error.Velocities,
		}, nil

	case "set_wheel_multipliers":
		m := b.ctrl.WheelMultipliers()
		for key, dst := range map[string]*float64{
			"separation":   &m.Separation,
			"left_radius":  &m.LeftRadius,
			"right_radius": &m.RightRadius,
		} {
			raw, ok := cmd[key]
			if !ok {
				continue
			}
			v, ok := raw.(float64)
			if !ok {
				return nil, errors.Errorf("%s value must be a float but is type %T", key, raw)
			}
			*dst = v
		}
		if err := b.ctrl.SetWheelMultipliers(m); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": fmt.Sprintf("set_wheel_multipliers command processed: %+v", m)}, nil

	case "reset_odometry":
		b.ctrl.ResetOdometry()
		return map[string]interface{}{"return": "reset_odometry command processed"}, nil

	case manager.TransitionConfigure, manager.TransitionActivate, manager.TransitionDeactivate, manager.TransitionCleanup:
		transition := name.(string)
		if err := b.mgr.Transition(transition); err != nil {
			return nil, err
		}
		return map[string]interface{}{"return": transition + " command processed", "state": b.mgr.State().String()}, nil

	default:
		return nil, fmt.Errorf("no such command: %s", name)
	}
}

// Close stops the control loop, halts the wheels and releases the hardware.
func (b *diffDriveBase) Close(ctx context.Context) error {
	b.isMoving.Store(false)
	return multierr.Combine(b.mgr.Close(), b.hw.Close())
}
