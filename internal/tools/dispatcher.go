package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/pkg/models"
)

// Dispatcher executes tool calls against a Registry.
type Dispatcher struct {
	registry  *Registry
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	allowlist bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics records dispatch counts and latency.
func WithMetrics(metrics *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithTracer emits a span per dispatch.
func WithTracer(tracer *observability.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithTemplateAllowlist rejects tools missing from the agent template's
// ToolNames. Templates without ToolNames allow everything.
func WithTemplateAllowlist(enabled bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.allowlist = enabled
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry}
	for _, opt := range opts {
		opt(d)
	}
	if d.registry == nil {
		d.registry = NewRegistry()
	}
	if d.logger == nil {
		d.logger = observability.NewNopLogger()
	}
	d.logger = d.logger.WithFields("component", "tools")
	return d
}

// Registry returns the handler registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

type handled struct {
	resp *Response
	err  error
}

// Dispatch runs one tool call within turn and returns its result.
//
// The handler is invoked immediately. Once the previous call of the turn
// has finished, the call is written to the response writer and appended to
// the turn's messages as an assistant message, unless the call opted out
// with IncludeToolCall. The result is then awaited, the handler's patch is
// merged and the agent's history is re-pointed at the turn's latest
// message view. Every failure is returned as a *ToolError.
func (d *Dispatcher) Dispatch(ctx context.Context, call models.ToolCall, turn *TurnState) (parts []models.ToolResultPart, err error) {
	if call.ToolCallID == "" {
		call.ToolCallID = uuid.NewString()
	}
	if call.Input == nil {
		call.Input = map[string]any{}
	}

	start := time.Now()
	ctx = observability.AddToolCallID(ctx, call.ToolCallID)
	ctx, span := d.tracer.TraceToolDispatch(ctx, call.ToolName, call.ToolCallID)
	defer func() {
		observability.RecordError(span, err)
		span.End()
		d.metrics.RecordToolDispatch(call.ToolName, err, time.Since(start))
	}()

	handler, err := d.resolve(call, turn)
	if err != nil {
		return nil, err
	}

	inv := &Invocation{
		Call:            call,
		State:           turn,
		AgentStepID:     turn.AgentStepID,
		ClientSessionID: turn.ClientSessionID,
		UserInputID:     turn.UserInputID,
		FileContext:     turn.FileContext,
		WriteToClient:   turn.WriteToClient,
	}
	if rh, ok := handler.(RemoteHandler); ok && rh.RequiresRemote() {
		if turn.Channel == nil {
			return nil, NewToolError(call.ToolName, ErrNoRemote).WithToolCallID(call.ToolCallID)
		}
		inv.Remote = turn.Channel
	}

	prev, release := turn.acquire()
	defer release()

	gate := make(chan struct{})
	inv.Previous = gate

	done := make(chan handled, 1)
	go func() {
		resp, err := d.invoke(ctx, handler, inv)
		done <- handled{resp: resp, err: err}
	}()

	if err := WaitPrevious(ctx, prev); err != nil {
		return nil, wrapToolError(call.ToolName, call.ToolCallID, err)
	}
	if call.Included() {
		text := FormatToolCall(call.ToolName, call.Input)
		turn.WriteToClient(text)
		turn.Messages.Append(models.AssistantMessage(text))
		turn.sendSubagentChunk(ctx, d.logger, text)
	}
	close(gate)

	var h handled
	select {
	case h = <-done:
	case <-ctx.Done():
		return nil, wrapToolError(call.ToolName, call.ToolCallID, ctx.Err())
	}
	if h.err != nil {
		return nil, wrapToolError(call.ToolName, call.ToolCallID, h.err)
	}

	var patch *StatePatch
	if h.resp != nil {
		parts, err = h.resp.Result.Wait(ctx)
		if err != nil {
			return nil, wrapToolError(call.ToolName, call.ToolCallID, err)
		}
		patch = h.resp.Patch
	}

	turn.apply(patch)
	turn.SyncHistory()

	d.logger.Debug(ctx, "tool dispatched",
		"tool", call.ToolName,
		"included", call.Included(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return parts, nil
}

func (d *Dispatcher) resolve(call models.ToolCall, turn *TurnState) (Handler, error) {
	if len(call.ToolName) > MaxToolNameLength {
		return nil, NewToolError(truncateName(call.ToolName), fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)).
			WithType(ToolErrorInvalidInput).
			WithToolCallID(call.ToolCallID)
	}
	if size, err := inputSize(call.Input); err != nil || size > MaxToolParamsSize {
		if err == nil {
			err = fmt.Errorf("tool input exceeds maximum size of %d bytes", MaxToolParamsSize)
		}
		return nil, NewToolError(call.ToolName, err).WithType(ToolErrorInvalidInput).WithToolCallID(call.ToolCallID)
	}

	handler, ok := d.registry.Get(call.ToolName)
	if !ok {
		return nil, NewToolError(call.ToolName, fmt.Errorf("%w: %s", ErrToolNotFound, call.ToolName)).WithToolCallID(call.ToolCallID)
	}
	if d.allowlist && turn.Template != nil && len(turn.Template.ToolNames) > 0 &&
		!slices.Contains(turn.Template.ToolNames, call.ToolName) {
		return nil, NewToolError(call.ToolName, fmt.Errorf("%w %s", ErrToolNotAllowed, turn.Template.ID)).WithToolCallID(call.ToolCallID)
	}
	return handler, nil
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, inv *Invocation) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "tool handler panicked", "tool", h.Name(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrToolPanic, r)
		}
	}()
	return h.Handle(ctx, inv)
}

func inputSize(input map[string]any) (int, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return 0, fmt.Errorf("invalid tool input: %w", err)
	}
	return len(data), nil
}

func truncateName(name string) string {
	if len(name) > 64 {
		return name[:64] + "..."
	}
	return name
}
