package models

import "time"

// ToolCall is a tool invocation yielded by a step program.
type ToolCall struct {
	ToolName   string         `json:"toolName"`
	Input      map[string]any `json:"input"`
	ToolCallID string         `json:"toolCallId"`

	// IncludeToolCall controls whether the call is written to the
	// transcript. Nil means included.
	IncludeToolCall *bool `json:"includeToolCall,omitempty"`
}

// Included reports whether the call belongs in the transcript.
func (c ToolCall) Included() bool {
	return c.IncludeToolCall == nil || *c.IncludeToolCall
}

// Result part types.
const (
	PartJSON = "json"
	PartText = "text"
)

// ToolResultPart is one tagged piece of tool output.
type ToolResultPart struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// JSONResult wraps v in a single json part.
func JSONResult(v any) []ToolResultPart {
	return []ToolResultPart{{Type: PartJSON, Value: v}}
}

// TextResult wraps s in a single text part.
func TextResult(s string) []ToolResultPart {
	return []ToolResultPart{{Type: PartText, Value: s}}
}

// ClientToolCall is a tool call forwarded to the client for execution.
type ClientToolCall struct {
	ToolName   string         `json:"toolName"`
	ToolCallID string         `json:"toolCallId"`
	Input      map[string]any `json:"input"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
}

// FileContext describes the client project the agent works on.
type FileContext struct {
	ProjectRoot    string            `json:"projectRoot"`
	Cwd            string            `json:"cwd,omitempty"`
	FileTree       []string          `json:"fileTree,omitempty"`
	KnowledgeFiles map[string]string `json:"knowledgeFiles,omitempty"`
}
