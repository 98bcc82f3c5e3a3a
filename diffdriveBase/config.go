package main

import (
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/resource"

	"diffdrive/controller"
	"diffdrive/hardware"
)

const (
	hardwareCAN  = "can"
	hardwareFake = "fake"
)

// Config is the base's attributes: the controller parameters plus how the wheels are
// reached and how often the control cycle runs.
type Config struct {
	controller.Config
	hardware.CANConfig

	UpdateRateHz   float64 `json:"update_rate_hz,omitempty"`
	Hardware       string  `json:"hardware,omitempty"`
	CommsTimeoutMs int     `json:"comms_timeout_ms,omitempty"`
	MaxErrorCycles int     `json:"max_error_cycles,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) ([]string, error) {
	if err := conf.Config.Validate(path); err != nil {
		return nil, err
	}
	if conf.UpdateRateHz < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("update_rate_hz must not be negative"))
	}
	if conf.MaxErrorCycles < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("max_error_cycles must not be negative"))
	}
	if conf.CommsTimeoutMs < 0 {
		return nil, resource.NewConfigValidationError(path, errors.New("comms_timeout_ms must not be negative"))
	}

	switch conf.hardwareKind() {
	case hardwareFake:
	case hardwareCAN:
		if err := conf.validateCAN(path); err != nil {
			return nil, err
		}
	default:
		return nil, resource.NewConfigValidationError(path,
			errors.Errorf("hardware must be one of %s|%s, got %q", hardwareCAN, hardwareFake, conf.Hardware))
	}
	return nil, nil
}

func (conf *Config) hardwareKind() string {
	if conf.Hardware == "" {
		return hardwareCAN
	}
	return conf.Hardware
}

func (conf *Config) validateCAN(path string) error {
	modeName := conf.ModeName
	if modeName == "" {
		modeName = hardware.DefaultModeName
	}
	for _, m := range conf.WriteOpModes {
		if m != modeName {
			return resource.NewConfigValidationError(path,
				errors.Errorf("write_op_modes entry %q is not the CAN mode %q", m, modeName))
		}
	}
	if len(conf.Wheels) == 0 {
		return nil
	}
	onBus := map[string]bool{}
	for _, w := range conf.Wheels {
		if w.Name == "" {
			return resource.NewConfigValidationFieldRequiredError(path, "wheels.name")
		}
		onBus[w.Name] = true
	}
	for _, names := range [][]string{conf.LeftWheelNames, conf.RightWheelNames} {
		for _, name := range names {
			if !onBus[name] {
				return resource.NewConfigValidationError(path, errors.Errorf("wheel %q is not in wheels", name))
			}
		}
	}
	return nil
}

// canConfig places every configured wheel on the bus, deriving the wheel list from the
// left and right wheel names when none is given.
func (conf *Config) canConfig() hardware.CANConfig {
	canConf := conf.CANConfig
	if canConf.CommsTimeout == 0 && conf.CommsTimeoutMs > 0 {
		canConf.CommsTimeout = time.Duration(conf.CommsTimeoutMs) * time.Millisecond
	}
	if len(canConf.Wheels) == 0 {
		for _, names := range [][]string{conf.LeftWheelNames, conf.RightWheelNames} {
			for _, name := range names {
				canConf.Wheels = append(canConf.Wheels, hardware.CANWheelConfig{Name: name})
			}
		}
	}
	return canConf
}

// wheelNames returns the left then right wheel names.
func (conf *Config) wheelNames() []string {
	return append(append([]string{}, conf.LeftWheelNames...), conf.RightWheelNames...)
}
