package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/stepengine/internal/transport"
)

var (
	ErrToolNotFound = errors.New("tool not found")
	ErrToolPanic    = errors.New("tool panicked")

	// ErrNoRemote is returned when a client tool is dispatched in a turn
	// without a client channel.
	ErrNoRemote = errors.New("no client channel for remote tool")

	// ErrToolNotAllowed is returned when the template allowlist is enforced
	// and the agent template does not list the tool.
	ErrToolNotAllowed = errors.New("tool not available for agent")
)

// ToolErrorType categorizes dispatch failures for logs and metrics.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorNotAllowed   ToolErrorType = "not_allowed"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorRemote       ToolErrorType = "remote"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorCanceled     ToolErrorType = "canceled"
	ToolErrorPanic        ToolErrorType = "panic"
	// ToolErrorExecution is any other error returned by a handler or its
	// result future.
	ToolErrorExecution ToolErrorType = "execution"
	ToolErrorUnknown   ToolErrorType = "unknown"
)

// ToolError is a failed dispatch. It always reaches the caller of
// Dispatch; handler errors are never swallowed.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string

	// Message overrides Cause in Error().
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	b.WriteString("tool ")
	if e.ToolName != "" {
		b.WriteString(e.ToolName)
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "(%s)", e.Type)
	switch {
	case e.Message != "":
		b.WriteString(": " + e.Message)
	case e.Cause != nil:
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError wraps cause, classifying it.
func NewToolError(toolName string, cause error) *ToolError {
	return &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     classifyToolError(cause),
	}
}

// WithType overrides the classification.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}

	var te *ToolError
	var remote *transport.ToolCallError
	switch {
	case errors.As(err, &te):
		return te.Type
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolNotAllowed):
		return ToolErrorNotAllowed
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	case errors.Is(err, ErrNoRemote), errors.Is(err, transport.ErrClosed), errors.As(err, &remote):
		return ToolErrorRemote
	case errors.Is(err, context.DeadlineExceeded):
		return ToolErrorTimeout
	case errors.Is(err, context.Canceled):
		return ToolErrorCanceled
	}

	// Handlers report bad input as plain errors.
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"invalid", "required", "missing", "must be"} {
		if strings.Contains(msg, hint) {
			return ToolErrorInvalidInput
		}
	}
	return ToolErrorExecution
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// wrapToolError returns err as a ToolError for the call, reusing one the
// handler already produced for the same tool.
func wrapToolError(name, callID string, err error) error {
	if err == nil {
		return nil
	}
	if te, ok := GetToolError(err); ok && te.ToolName == name {
		if te.ToolCallID == "" {
			te.ToolCallID = callID
		}
		return te
	}
	return NewToolError(name, err).WithToolCallID(callID)
}
