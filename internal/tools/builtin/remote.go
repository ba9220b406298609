package builtin

import (
	"context"
	"time"

	"github.com/haasonsaas/stepengine/internal/tools"
	"github.com/haasonsaas/stepengine/pkg/models"
)

// remote forwards the call to the client once the previous call finished.
type remote struct {
	name    string
	reshape func(call models.ToolCall) models.ClientToolCall
}

func newRemote(name string, reshape func(models.ToolCall) models.ClientToolCall) remote {
	if reshape == nil {
		reshape = passThrough
	}
	return remote{name: name, reshape: reshape}
}

func (r remote) Name() string         { return r.name }
func (r remote) RequiresRemote() bool { return true }

func (r remote) Handle(ctx context.Context, inv *tools.Invocation) (*tools.Response, error) {
	call := r.reshape(inv.Call)
	return tools.Respond(waitThen(ctx, inv, func() ([]models.ToolResultPart, error) {
		return inv.Remote.RequestToolCall(ctx, call)
	})), nil
}

func passThrough(call models.ToolCall) models.ClientToolCall {
	return models.ClientToolCall{
		ToolName:   call.ToolName,
		ToolCallID: call.ToolCallID,
		Input:      call.Input,
	}
}

// terminalInput runs commands in assistant mode with the caller's timeout.
func terminalInput(call models.ToolCall) models.ClientToolCall {
	input := map[string]any{
		"command": call.Input["command"],
		"mode":    "assistant",
	}
	for _, key := range []string{"process_type", "timeout_seconds", "cwd"} {
		if v, ok := call.Input[key]; ok {
			input[key] = v
		}
	}
	out := models.ClientToolCall{
		ToolName:   call.ToolName,
		ToolCallID: call.ToolCallID,
		Input:      input,
	}
	if secs := seconds(call.Input["timeout_seconds"]); secs > 0 {
		out.Timeout = time.Duration(secs*float64(time.Second)) + 5*time.Second
	}
	return out
}

func seconds(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
