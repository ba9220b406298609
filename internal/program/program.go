// Package program defines resumable step programs: the computation an agent
// runs across turns, suspending to request tool calls and resuming with
// their results.
package program

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/stepengine/pkg/models"
)

// Kind identifies what backs a program.
type Kind string

const (
	KindNative Kind = "native"
	KindScript Kind = "script"
)

// Control is a sentinel a program yields to hand control back to the driver.
type Control string

const (
	// ControlStep pauses for one external tick.
	ControlStep Control = "STEP"
	// ControlStepAll runs autonomously until the driver signals completion.
	ControlStepAll Control = "STEP_ALL"
)

// ToolCallRequest is a tool call as authored by a program.
type ToolCallRequest struct {
	ToolName        string         `json:"toolName"`
	Input           map[string]any `json:"input"`
	IncludeToolCall *bool          `json:"includeToolCall,omitempty"`
}

// Yield is the outcome of one resumption: exactly one of Done, Control
// or ToolCall is set.
type Yield struct {
	Done     bool
	Control  Control
	ToolCall *ToolCallRequest
}

// InitArgs are passed to a program when it is first created.
type InitArgs struct {
	AgentState models.PublicAgentState `json:"agentState"`
	Prompt     string                  `json:"prompt,omitempty"`
	Params     map[string]any          `json:"params,omitempty"`
}

// Feedback is handed to a program on each resumption.
type Feedback struct {
	AgentState    models.PublicAgentState `json:"agentState"`
	ToolResult    []models.ToolResultPart `json:"toolResult,omitempty"`
	StepsComplete bool                    `json:"stepsComplete"`
}

// Program is a resumable computation. Implementations are not required to
// be safe for concurrent Resume calls; the driver serializes them per agent.
type Program interface {
	// Resume advances the program until it yields, finishes or fails.
	Resume(ctx context.Context, fb Feedback) (Yield, error)
	// Close releases the program. Further Resume calls return ErrProgramClosed.
	Close() error
	Kind() Kind
}

// Source is a program definition: a native step function or script text.
type Source struct {
	Native StepFunc
	Script string
}

// IsZero reports whether the source defines no program.
func (s Source) IsZero() bool {
	return s.Native == nil && s.Script == ""
}

// Kind reports which backend the source needs.
func (s Source) Kind() Kind {
	if s.Native != nil {
		return KindNative
	}
	return KindScript
}

// ParseYield decodes the wire form of a yielded value: the strings "STEP"
// and "STEP_ALL", or a tool call object.
func ParseYield(raw json.RawMessage) (Yield, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Yield{}, fmt.Errorf("%w: empty yield", ErrInvalidYield)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Yield{}, fmt.Errorf("%w: %v", ErrInvalidYield, err)
		}
		switch Control(s) {
		case ControlStep, ControlStepAll:
			return Yield{Control: Control(s)}, nil
		}
		return Yield{}, fmt.Errorf("%w: unknown control %q", ErrInvalidYield, s)
	}

	var req ToolCallRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return Yield{}, fmt.Errorf("%w: %v", ErrInvalidYield, err)
	}
	if req.ToolName == "" {
		return Yield{}, fmt.Errorf("%w: tool call without toolName", ErrInvalidYield)
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}
	return Yield{ToolCall: &req}, nil
}
