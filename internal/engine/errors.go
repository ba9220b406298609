package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrMaxSteps indicates RunToCompletion exhausted its tick budget.
	ErrMaxSteps = errors.New("max steps exceeded")

	// ErrNoTemplate indicates a turn was started without an agent template.
	ErrNoTemplate = errors.New("agent template is required")
)

// ConfigError reports an agent that cannot be driven because of how it is
// configured. It is returned from RunStep instead of being converted into a
// failed turn.
type ConfigError struct {
	AgentType string
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.AgentType, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
