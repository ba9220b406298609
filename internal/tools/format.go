package tools

import (
	"encoding/json"
	"fmt"
)

// FormatToolCall renders a tool call the way it appears in the transcript.
// Input keys are emitted in sorted order.
func FormatToolCall(toolName string, input map[string]any) string {
	body := make(map[string]any, len(input)+1)
	for k, v := range input {
		body[k] = v
	}
	body["tool_name"] = toolName
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("{%q: %q}", "tool_name", toolName))
	}
	return "<tool_call>\n" + string(data) + "\n</tool_call>"
}

// DecodeInput converts a tool input map into T.
func DecodeInput[T any](toolName string, input map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(input)
	if err != nil {
		return out, fmt.Errorf("invalid %s input: %w", toolName, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("invalid %s input: %w", toolName, err)
	}
	return out, nil
}
