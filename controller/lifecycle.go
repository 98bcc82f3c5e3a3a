package controller

import (
	"time"

	"github.com/pkg/errors"
)

// State is a lifecycle state.
type State int32

// Lifecycle states. Configure moves Unconfigured to Inactive, Activate and Deactivate
// toggle Inactive and Active, Cleanup and OnError return to Unconfigured and Shutdown
// ends in Finalized.
const (
	StateUnconfigured State = iota
	StateInactive
	StateActive
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Controller is what a host scheduler drives. Update runs once per period on the
// control goroutine; the host must not run a lifecycle transition concurrently with it.
type Controller interface {
	Configure() error
	Activate() error
	Deactivate() error
	Cleanup() error
	OnError() error
	Shutdown() error
	Update(now time.Time) error
	State() State
}

var _ Controller = (*DiffDriveController)(nil)

// Configure resolves parameters and hardware and moves to Inactive.
func (c *DiffDriveController) Configure() error {
	if s := c.State(); s != StateUnconfigured {
		return errors.Wrapf(ErrInvalidTransition, "configure from %s", s)
	}
	c.reset()
	if err := c.configure(); err != nil {
		c.logger.Errorw("configuration failed", "error", err)
		c.reset()
		return err
	}
	c.setState(StateInactive)
	c.logger.Infow("configured",
		"wheels_per_side", c.wheelsPerSide,
		"open_loop", c.openLoop,
		"cmd_vel_timeout", c.cmdVelTimeout,
	)
	return nil
}

// Activate starts accepting commands and publishing.
func (c *DiffDriveController) Activate() error {
	if s := c.State(); s != StateInactive {
		return errors.Wrapf(ErrInvalidTransition, "activate from %s", s)
	}
	c.isHalted = false
	c.subscriberActive.Store(true)
	for _, p := range c.publishers() {
		p.Activate()
	}
	c.setState(StateActive)
	c.logger.Infow("lifecycle subscriber and publisher are currently active")
	return nil
}

// Deactivate halts the wheels, moves the pose back to the origin, then stops accepting
// commands and publishing.
func (c *DiffDriveController) Deactivate() error {
	if s := c.State(); s != StateActive {
		return errors.Wrapf(ErrInvalidTransition, "deactivate from %s", s)
	}
	c.setState(StateInactive)
	c.halt()
	c.odometry.Reset()
	c.resetRequested.Store(false)
	c.subscriberActive.Store(false)
	for _, p := range c.publishers() {
		p.Deactivate()
	}
	return nil
}

// Cleanup halts the wheels and releases everything Configure acquired. It is safe to
// call from any state.
func (c *DiffDriveController) Cleanup() error {
	return c.teardown(StateUnconfigured)
}

// OnError is the recovery transition; it behaves like Cleanup.
func (c *DiffDriveController) OnError() error {
	return c.teardown(StateUnconfigured)
}

// Shutdown halts the wheels, releases everything and finalizes the controller.
func (c *DiffDriveController) Shutdown() error {
	return c.teardown(StateFinalized)
}

func (c *DiffDriveController) teardown(next State) error {
	if c.State() == StateFinalized {
		return nil
	}
	c.setState(next)
	c.halt()
	c.reset()
	return nil
}

// State returns the current lifecycle state.
func (c *DiffDriveController) State() State {
	return State(c.state.Load())
}

func (c *DiffDriveController) setState(s State) {
	c.state.Store(int32(s))
}
