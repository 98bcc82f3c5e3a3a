// Package speedlimiter bounds a scalar velocity command by velocity, acceleration and jerk.
package speedlimiter

import (
	"math"

	"github.com/pkg/errors"
)

// Limits configures one controlled axis. Bounds are signed: Min* is the most negative
// value allowed (e.g. braking deceleration) and Max* the most positive one.
type Limits struct {
	HasVelocityLimits     bool
	HasAccelerationLimits bool
	HasJerkLimits         bool

	MinVelocity     float64
	MaxVelocity     float64
	MinAcceleration float64
	MaxAcceleration float64
	MinJerk         float64
	MaxJerk         float64
}

// Validate checks that every enabled bound pair is ordered.
func (l Limits) Validate() error {
	if l.HasVelocityLimits && l.MinVelocity > l.MaxVelocity {
		return errors.Errorf("min_velocity %v is greater than max_velocity %v", l.MinVelocity, l.MaxVelocity)
	}
	if l.HasAccelerationLimits && l.MinAcceleration > l.MaxAcceleration {
		return errors.Errorf("min_acceleration %v is greater than max_acceleration %v", l.MinAcceleration, l.MaxAcceleration)
	}
	if l.HasJerkLimits && l.MinJerk > l.MaxJerk {
		return errors.Errorf("min_jerk %v is greater than max_jerk %v", l.MinJerk, l.MaxJerk)
	}
	return nil
}

// SpeedLimiter is stateless; the caller carries the command history.
type SpeedLimiter struct {
	limits Limits
}

// New returns a limiter for the given axis limits.
func New(limits Limits) SpeedLimiter {
	return SpeedLimiter{limits: limits}
}

// Limits returns the configured limits.
func (s SpeedLimiter) Limits() Limits {
	return s.limits
}

// Limit bounds the candidate v given the two previously commanded values v0 (last) and
// v1 (the one before) and the time step dt in seconds. Jerk is applied first, then
// acceleration, then velocity. A non-positive dt leaves v untouched.
func (s SpeedLimiter) Limit(v, v0, v1, dt float64) float64 {
	if !(dt > 0) || math.IsInf(dt, 0) {
		return v
	}
	if s.limits.HasJerkLimits {
		v = s.limitJerk(v, v0, v1, dt)
	}
	if s.limits.HasAccelerationLimits {
		v = s.limitAcceleration(v, v0, dt)
	}
	if s.limits.HasVelocityLimits {
		v = s.limitVelocity(v)
	}
	return v
}

func (s SpeedLimiter) limitVelocity(v float64) float64 {
	return clamp(v, s.limits.MinVelocity, s.limits.MaxVelocity)
}

func (s SpeedLimiter) limitAcceleration(v, v0, dt float64) float64 {
	dv := clamp(v-v0, s.limits.MinAcceleration*dt, s.limits.MaxAcceleration*dt)
	return v0 + dv
}

// limitJerk bounds the change of acceleration between the previous step (v1 -> v0)
// and this one (v0 -> v).
func (s SpeedLimiter) limitJerk(v, v0, v1, dt float64) float64 {
	dv := v - v0
	dv0 := v0 - v1
	dt2 := dt * dt
	da := clamp(dv-dv0, s.limits.MinJerk*dt2, s.limits.MaxJerk*dt2)
	return v0 + dv0 + da
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
