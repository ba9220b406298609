// Package transport defines the client connection an agent turn talks
// through: streaming sub-agent output and executing tools on the client.
package transport

import (
	"context"
	"errors"

	"github.com/haasonsaas/stepengine/pkg/models"
)

// ErrClosed is returned when the channel is no longer connected.
var ErrClosed = errors.New("transport: channel closed")

// SubagentChunk is a piece of agent output forwarded to the client.
type SubagentChunk struct {
	UserInputID string `json:"userInputId"`
	AgentID     string `json:"agentId"`
	AgentType   string `json:"agentType"`
	Chunk       string `json:"chunk"`
	Prompt      string `json:"prompt,omitempty"`
}

// Channel is the client connection used during a turn.
type Channel interface {
	SendSubagentChunk(ctx context.Context, chunk SubagentChunk) error
	// RequestToolCall runs a tool on the client and waits for its output.
	RequestToolCall(ctx context.Context, call models.ClientToolCall) ([]models.ToolResultPart, error)
}

// ToolCallError is an error reported by the client for a forwarded tool call.
type ToolCallError struct {
	ToolName string
	Message  string
}

func (e *ToolCallError) Error() string {
	return "client tool " + e.ToolName + ": " + e.Message
}
