package controller

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"

	"diffdrive/odometry"
	"diffdrive/speedlimiter"
)

// Defaults applied to fields left unset.
const (
	DefaultCmdVelTimeout = 500 * time.Millisecond
	DefaultOdomFrameID   = "odom"
	DefaultBaseFrameID   = "base_link"
)

// covarianceDimensions is the size of the pose and twist covariance diagonals.
const covarianceDimensions = 6

// LimiterConfig holds the bounds of one axis. An omitted minimum defaults to the
// negated maximum.
type LimiterConfig struct {
	HasVelocityLimits     bool `json:"has_velocity_limits,omitempty"`
	HasAccelerationLimits bool `json:"has_acceleration_limits,omitempty"`
	HasJerkLimits         bool `json:"has_jerk_limits,omitempty"`

	MaxVelocity     float64  `json:"max_velocity,omitempty"`
	MinVelocity     *float64 `json:"min_velocity,omitempty"`
	MaxAcceleration float64  `json:"max_acceleration,omitempty"`
	MinAcceleration *float64 `json:"min_acceleration,omitempty"`
	MaxJerk         float64  `json:"max_jerk,omitempty"`
	MinJerk         *float64 `json:"min_jerk,omitempty"`
}

// Limits resolves the configured bounds.
func (c LimiterConfig) Limits() speedlimiter.Limits {
	return speedlimiter.Limits{
		HasVelocityLimits:     c.HasVelocityLimits,
		HasAccelerationLimits: c.HasAccelerationLimits,
		HasJerkLimits:         c.HasJerkLimits,
		MinVelocity:           minOrNegatedMax(c.MinVelocity, c.MaxVelocity),
		MaxVelocity:           c.MaxVelocity,
		MinAcceleration:       minOrNegatedMax(c.MinAcceleration, c.MaxAcceleration),
		MaxAcceleration:       c.MaxAcceleration,
		MinJerk:               minOrNegatedMax(c.MinJerk, c.MaxJerk),
		MaxJerk:               c.MaxJerk,
	}
}

func minOrNegatedMax(min *float64, max float64) float64 {
	if min == nil {
		return -max
	}
	return *min
}

// Config describes the controller.
type Config struct {
	LeftWheelNames  []string `json:"left_wheel_names"`
	RightWheelNames []string `json:"right_wheel_names"`
	WriteOpModes    []string `json:"write_op_modes"`

	// Zero separation or radius is looked up in RobotDescription.
	WheelSeparation            float64 `json:"wheel_separation,omitempty"`
	WheelRadius                float64 `json:"wheel_radius,omitempty"`
	WheelSeparationMultiplier  float64 `json:"wheel_separation_multiplier,omitempty"`
	LeftWheelRadiusMultiplier  float64 `json:"left_wheel_radius_multiplier,omitempty"`
	RightWheelRadiusMultiplier float64 `json:"right_wheel_radius_multiplier,omitempty"`
	RobotDescription           string  `json:"robot_description,omitempty"`

	OdomFrameID             string    `json:"odom_frame_id,omitempty"`
	BaseFrameID             string    `json:"base_frame_id,omitempty"`
	PoseCovarianceDiagonal  []float64 `json:"pose_covariance_diagonal,omitempty"`
	TwistCovarianceDiagonal []float64 `json:"twist_covariance_diagonal,omitempty"`
	OpenLoop                bool      `json:"open_loop,omitempty"`
	EnableOdomTF            *bool     `json:"enable_odom_tf,omitempty"`

	CmdVelTimeoutMs               int   `json:"cmd_vel_timeout_ms,omitempty"`
	AllowMultipleCmdVelPublishers *bool `json:"allow_multiple_cmd_vel_publishers,omitempty"`
	PublishLimitedVelocity        bool  `json:"publish_limited_velocity,omitempty"`
	PublishWheelJointState        bool  `json:"publish_wheel_joint_controller_state,omitempty"`
	VelocityRollingWindowSize     int   `json:"velocity_rolling_window_size,omitempty"`

	LinearX  LimiterConfig `json:"linear_x,omitempty"`
	AngularZ LimiterConfig `json:"angular_z,omitempty"`
}

// Validate checks the attributes that do not depend on hardware or the robot description.
func (conf *Config) Validate(path string) error {
	if len(conf.LeftWheelNames) == 0 {
		return resource.NewConfigValidationFieldRequiredError(path, "left_wheel_names")
	}
	if len(conf.RightWheelNames) == 0 {
		return resource.NewConfigValidationFieldRequiredError(path, "right_wheel_names")
	}
	if len(conf.WriteOpModes) == 0 {
		return resource.NewConfigValidationFieldRequiredError(path, "write_op_modes")
	}
	for name, v := range map[string]float64{
		"wheel_separation":              conf.WheelSeparation,
		"wheel_radius":                  conf.WheelRadius,
		"wheel_separation_multiplier":   conf.WheelSeparationMultiplier,
		"left_wheel_radius_multiplier":  conf.LeftWheelRadiusMultiplier,
		"right_wheel_radius_multiplier": conf.RightWheelRadiusMultiplier,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return resource.NewConfigValidationError(path, errors.Errorf("%s must be a non-negative finite number, got %v", name, v))
		}
	}
	if n := len(conf.PoseCovarianceDiagonal); n != 0 && n != covarianceDimensions {
		return resource.NewConfigValidationError(path,
			errors.Errorf("pose_covariance_diagonal must have %d entries, got %d", covarianceDimensions, n))
	}
	if n := len(conf.TwistCovarianceDiagonal); n != 0 && n != covarianceDimensions {
		return resource.NewConfigValidationError(path,
			errors.Errorf("twist_covariance_diagonal must have %d entries, got %d", covarianceDimensions, n))
	}
	if conf.CmdVelTimeoutMs < 0 {
		return resource.NewConfigValidationError(path, errors.New("cmd_vel_timeout_ms must not be negative"))
	}
	if conf.VelocityRollingWindowSize < 0 {
		return resource.NewConfigValidationError(path, errors.New("velocity_rolling_window_size must not be negative"))
	}
	if err := conf.LinearX.Limits().Validate(); err != nil {
		return resource.NewConfigValidationError(path, errors.Wrap(err, "linear_x"))
	}
	if err := conf.AngularZ.Limits().Validate(); err != nil {
		return resource.NewConfigValidationError(path, errors.Wrap(err, "angular_z"))
	}
	return nil
}

// CmdVelTimeout is how long a velocity command stays valid.
func (conf *Config) CmdVelTimeout() time.Duration {
	if conf.CmdVelTimeoutMs == 0 {
		return DefaultCmdVelTimeout
	}
	return time.Duration(conf.CmdVelTimeoutMs) * time.Millisecond
}

func (conf *Config) rollingWindowSize() int {
	if conf.VelocityRollingWindowSize == 0 {
		return odometry.DefaultVelocityRollingWindowSize
	}
	return conf.VelocityRollingWindowSize
}

func (conf *Config) odomFrameID() string {
	if conf.OdomFrameID == "" {
		return DefaultOdomFrameID
	}
	return conf.OdomFrameID
}

func (conf *Config) baseFrameID() string {
	if conf.BaseFrameID == "" {
		return DefaultBaseFrameID
	}
	return conf.BaseFrameID
}

func (conf *Config) enableOdomTF() bool {
	return conf.EnableOdomTF == nil || *conf.EnableOdomTF
}

func (conf *Config) allowMultipleCmdVelPublishers() bool {
	return conf.AllowMultipleCmdVelPublishers == nil || *conf.AllowMultipleCmdVelPublishers
}

func (conf *Config) multipliers() WheelMultipliers {
	return WheelMultipliers{
		Separation:  orOne(conf.WheelSeparationMultiplier),
		LeftRadius:  orOne(conf.LeftWheelRadiusMultiplier),
		RightRadius: orOne(conf.RightWheelRadiusMultiplier),
	}
}

func orOne(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

func covariance(diagonal []float64) [covarianceDimensions * covarianceDimensions]float64 {
	var c [covarianceDimensions * covarianceDimensions]float64
	for i := 0; i < len(diagonal) && i < covarianceDimensions; i++ {
		c[covarianceDimensions*i+i] = diagonal[i]
	}
	return c
}

// WheelMultipliers calibrate the kinematic parameters. They can be changed while the
// controller runs.
type WheelMultipliers struct {
	Separation  float64
	LeftRadius  float64
	RightRadius float64
}

func (m WheelMultipliers) validate() error {
	for name, v := range map[string]float64{
		"separation":   m.Separation,
		"left radius":  m.LeftRadius,
		"right radius": m.RightRadius,
	} {
		if !(v > 0) || math.IsInf(v, 0) {
			return errors.Errorf("%s multiplier must be a positive finite number, got %v", name, v)
		}
	}
	return nil
}
