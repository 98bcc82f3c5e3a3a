package hardware

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"diffdrive/controller"
)

var _ controller.HardwareResolver = (*Simulated)(nil)

// Simulated wheels follow their command instantly while every operation mode is
// active and stand still otherwise. Positions are integrated lazily from the clock on
// every access.
type Simulated struct {
	registry

	clock clock.Clock

	mu         sync.Mutex
	wheels     []*Wheel
	modeStates map[string]controller.OperationMode
	lastStep   time.Time
}

// NewSimulated returns simulated wheels with the given joint names and operation modes.
// Modes start inactive.
func NewSimulated(wheelNames, modeNames []string, clk clock.Clock) *Simulated {
	if clk == nil {
		clk = clock.New()
	}
	s := &Simulated{
		registry:   newRegistry(),
		clock:      clk,
		modeStates: map[string]controller.OperationMode{},
		lastStep:   clk.Now(),
	}
	for _, name := range wheelNames {
		j := &simulatedJoint{sim: s, wheel: &Wheel{Name: name}}
		s.wheels = append(s.wheels, j.wheel)
		s.states[name] = j
		s.commands[name] = j
	}
	for _, name := range modeNames {
		name := name
		s.modeStates[name] = controller.OperationModeInactive
		s.modes[name] = modeFunc(func(mode controller.OperationMode) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.stepLocked()
			s.modeStates[name] = mode
		})
	}
	return s
}

// Wheel returns the simulated wheel named name, or nil.
func (s *Simulated) Wheel(name string) *Wheel {
	for _, w := range s.wheels {
		if w.Name == name {
			return w
		}
	}
	return nil
}

// Mode returns the operation mode last set for name.
func (s *Simulated) Mode(name string) controller.OperationMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modeStates[name]
}

func (s *Simulated) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepLocked()
}

func (s *Simulated) stepLocked() {
	now := s.clock.Now()
	dt := now.Sub(s.lastStep).Seconds()
	s.lastStep = now

	active := true
	for _, m := range s.modeStates {
		if m != controller.OperationModeActive {
			active = false
		}
	}
	for _, w := range s.wheels {
		var velocity float64
		if active {
			velocity = w.Command()
		}
		w.setState(w.Position()+velocity*dt, velocity, 0)
	}
}

type simulatedJoint struct {
	sim   *Simulated
	wheel *Wheel
}

func (j *simulatedJoint) Position() float64 {
	j.sim.step()
	return j.wheel.Position()
}

func (j *simulatedJoint) Velocity() float64 {
	j.sim.step()
	return j.wheel.Velocity()
}

func (j *simulatedJoint) Effort() float64 {
	return j.wheel.Effort()
}

func (j *simulatedJoint) SetCommand(velocity float64) {
	j.sim.step()
	j.wheel.SetCommand(velocity)
}
