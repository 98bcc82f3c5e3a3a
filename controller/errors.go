package controller

import "github.com/pkg/errors"

// ErrInvalidTransition is returned when a lifecycle transition is requested from a
// state that does not allow it.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ConfigurationError reports why Configure failed. The controller stays unconfigured.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigurationError{Err: errors.Errorf(format, args...)}
}

func configError(err error) error {
	return &ConfigurationError{Err: err}
}
