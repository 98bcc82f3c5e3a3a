package controller

// StateHandle reads the measured state of one wheel joint.
type StateHandle interface {
	// Position returns the wheel angle in radians.
	Position() float64
	// Velocity returns the wheel speed in rad/s.
	Velocity() float64
	Effort() float64
}

// CommandHandle writes the velocity set point (rad/s) of one wheel joint.
type CommandHandle interface {
	SetCommand(velocity float64)
}

// WheelHandle pairs the read and write capabilities of a wheel.
type WheelHandle struct {
	Name    string
	State   StateHandle
	Command CommandHandle
}

// OperationMode gates actuator output.
type OperationMode int

const (
	// OperationModeInactive holds the actuators regardless of their command.
	OperationModeInactive OperationMode = iota
	// OperationModeActive lets the actuators follow their command.
	OperationModeActive
)

func (m OperationMode) String() string {
	if m == OperationModeActive {
		return "active"
	}
	return "inactive"
}

// OperationModeHandle toggles the operation mode of a group of actuators.
type OperationModeHandle interface {
	SetMode(mode OperationMode)
}

// HardwareResolver hands out the capabilities of named joints. The controller resolves
// everything it needs once, at configuration time, and drops the handles on cleanup.
// Handles must be safe to use from the control goroutine while the ingestion path halts
// the wheels.
type HardwareResolver interface {
	JointStateHandle(name string) (StateHandle, error)
	JointCommandHandle(name string) (CommandHandle, error)
	OperationModeHandle(name string) (OperationModeHandle, error)
}
