package observability

import "context"

// ContextKey is the type of context keys carrying correlation ids.
type ContextKey string

const (
	AgentIDKey     ContextKey = "agent_id"
	RunIDKey       ContextKey = "run_id"
	ToolCallIDKey  ContextKey = "tool_call_id"
	UserInputIDKey ContextKey = "user_input_id"
	UserIDKey      ContextKey = "user_id"
)

var correlationKeys = []ContextKey{AgentIDKey, RunIDKey, ToolCallIDKey, UserInputIDKey, UserIDKey}

func contextAttrs(ctx context.Context) []any {
	attrs := make([]any, 0, 2*len(correlationKeys))
	for _, key := range correlationKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, string(key), v)
		}
	}
	return attrs
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func value(ctx context.Context, key ContextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// AddAgentID adds an agent id to the context.
func AddAgentID(ctx context.Context, agentID string) context.Context {
	return withValue(ctx, AgentIDKey, agentID)
}

// GetAgentID returns the agent id from the context.
func GetAgentID(ctx context.Context) string { return value(ctx, AgentIDKey) }

// AddRunID adds a run id to the context.
func AddRunID(ctx context.Context, runID string) context.Context {
	return withValue(ctx, RunIDKey, runID)
}

// GetRunID returns the run id from the context.
func GetRunID(ctx context.Context) string { return value(ctx, RunIDKey) }

// AddToolCallID adds a tool call id to the context.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return withValue(ctx, ToolCallIDKey, toolCallID)
}

// GetToolCallID returns the tool call id from the context.
func GetToolCallID(ctx context.Context) string { return value(ctx, ToolCallIDKey) }

// AddUserInputID adds a user input id to the context.
func AddUserInputID(ctx context.Context, id string) context.Context {
	return withValue(ctx, UserInputIDKey, id)
}

// AddUserID adds a user id to the context.
func AddUserID(ctx context.Context, userID string) context.Context {
	return withValue(ctx, UserIDKey, userID)
}
