// Package hardware resolves wheel joint names into the state, command and operation mode
// handles the controller drives. Two backends exist: wheels on a CAN bus and simulated
// wheels that integrate their command.
package hardware

import (
	"math"
	"sync/atomic"

	"github.com/pkg/errors"

	"diffdrive/controller"
)

type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

// Wheel is the last known state and command of one wheel joint. All methods are safe
// for concurrent use.
type Wheel struct {
	Name string

	position atomicFloat
	velocity atomicFloat
	effort   atomicFloat
	command  atomicFloat
}

// Position returns the wheel angle in radians.
func (w *Wheel) Position() float64 { return w.position.Load() }

// Velocity returns the wheel speed in rad/s.
func (w *Wheel) Velocity() float64 { return w.velocity.Load() }

// Effort returns the last reported effort.
func (w *Wheel) Effort() float64 { return w.effort.Load() }

// Command returns the velocity set point in rad/s.
func (w *Wheel) Command() float64 { return w.command.Load() }

// SetCommand stores the velocity set point in rad/s.
func (w *Wheel) SetCommand(velocity float64) { w.command.Store(velocity) }

func (w *Wheel) setState(position, velocity, effort float64) {
	w.position.Store(position)
	w.velocity.Store(velocity)
	w.effort.Store(effort)
}

// modeFunc adapts a function to controller.OperationModeHandle.
type modeFunc func(controller.OperationMode)

func (f modeFunc) SetMode(mode controller.OperationMode) { f(mode) }

// registry holds the handles a backend exposes by name.
type registry struct {
	states   map[string]controller.StateHandle
	commands map[string]controller.CommandHandle
	modes    map[string]controller.OperationModeHandle
}

func newRegistry() registry {
	return registry{
		states:   map[string]controller.StateHandle{},
		commands: map[string]controller.CommandHandle{},
		modes:    map[string]controller.OperationModeHandle{},
	}
}

func (r registry) JointStateHandle(name string) (controller.StateHandle, error) {
	h, ok := r.states[name]
	if !ok {
		return nil, errors.Errorf("joint %s has no state interface", name)
	}
	return h, nil
}

func (r registry) JointCommandHandle(name string) (controller.CommandHandle, error) {
	h, ok := r.commands[name]
	if !ok {
		return nil, errors.Errorf("joint %s has no velocity command interface", name)
	}
	return h, nil
}

func (r registry) OperationModeHandle(name string) (controller.OperationModeHandle, error) {
	h, ok := r.modes[name]
	if !ok {
		return nil, errors.Errorf("operation mode %s not found", name)
	}
	return h, nil
}
