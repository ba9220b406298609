package sandbox

import (
	"errors"
	"fmt"
)

// ErrNoProgram indicates a source that defines neither a native program
// nor a script.
var ErrNoProgram = errors.New("no step program defined")

// ErrFrameTooLarge indicates the interpreter wrote a protocol line longer
// than the frame limit. The interpreter is killed when it happens.
var ErrFrameTooLarge = errors.New("script frame exceeds size limit")

// CreateError reports a program context that could not be constructed:
// the interpreter failed to start, the script did not load, or the
// handshake did not complete.
type CreateError struct {
	AgentID string
	Backend Backend
	Err     error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create sandbox for agent %s (%s): %v", e.AgentID, e.Backend, e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// IsCreateError reports whether err is or wraps a CreateError.
func IsCreateError(err error) bool {
	var ce *CreateError
	return errors.As(err, &ce)
}
