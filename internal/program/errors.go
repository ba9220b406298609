package program

import (
	"errors"
	"fmt"
)

var (
	// ErrProgramClosed is returned when a closed program is resumed, and
	// from Yielder methods once the program has been stopped.
	ErrProgramClosed = errors.New("program closed")

	// ErrInvalidYield indicates a program yielded something other than a
	// control sentinel or a tool call.
	ErrInvalidYield = errors.New("invalid yield")
)

// ProgramError reports a failure raised inside a step program: a returned
// error, a panic, or an exception thrown by a sandboxed script.
type ProgramError struct {
	Kind    Kind
	Message string
	Stack   string
	Cause   error
}

func (e *ProgramError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return fmt.Sprintf("%s program failed", e.Kind)
}

func (e *ProgramError) Unwrap() error {
	return e.Cause
}

// IsProgramError reports whether err is or wraps a ProgramError.
func IsProgramError(err error) bool {
	var pe *ProgramError
	return errors.As(err, &pe)
}
