// Package tools dispatches tool calls yielded by step programs to their
// handlers, keeping per-turn ordering and transcript bookkeeping.
package tools

import (
	"context"
	"fmt"

	"github.com/haasonsaas/stepengine/pkg/models"
)

// Handler executes one tool.
//
// Handle is called as soon as the call is dispatched and may start work
// immediately. Anything that depends on earlier calls in the turn (reading
// or mutating turn state, talking to the client) must wait on
// Invocation.Previous first, normally inside the returned Future.
type Handler interface {
	Name() string
	Handle(ctx context.Context, inv *Invocation) (*Response, error)
}

// RemoteHandler is a handler that runs the tool on the client.
type RemoteHandler interface {
	Handler
	RequiresRemote() bool
}

// RemoteExecutor forwards a tool call to the client.
type RemoteExecutor interface {
	RequestToolCall(ctx context.Context, call models.ClientToolCall) ([]models.ToolResultPart, error)
}

// Invocation is the input to Handler.Handle.
type Invocation struct {
	Call models.ToolCall

	// Previous is closed once the previous call in this turn has finished
	// and this call has been written to the transcript.
	Previous <-chan struct{}

	State *TurnState

	AgentStepID     string
	ClientSessionID string
	UserInputID     string
	FileContext     models.FileContext

	// WriteToClient streams text to the response writer.
	WriteToClient func(chunk string)

	// Remote is set only for RemoteHandlers.
	Remote RemoteExecutor
}

// WaitPrevious blocks until the previous call finished or ctx is done.
func (inv *Invocation) WaitPrevious(ctx context.Context) error {
	return WaitPrevious(ctx, inv.Previous)
}

// Response is what a handler returns.
type Response struct {
	Result *Future

	// Patch is merged into the turn state after Result resolves. Handlers
	// may fill it from their asynchronous work.
	Patch *StatePatch
}

// StatePatch is a partial update to the turn state.
type StatePatch struct {
	// AgentContext replaces the turn's subgoal map when non-nil.
	AgentContext map[string]*models.Subgoal

	// Credits is added to the agent's DirectCreditsUsed.
	Credits int64

	// Values is merged key by key into TurnState.Values.
	Values map[string]any
}

// Respond wraps a future in a Response.
func Respond(f *Future) *Response {
	return &Response{Result: f}
}

// WaitPrevious blocks until token is closed. A nil token is already done.
func WaitPrevious(ctx context.Context, token <-chan struct{}) error {
	if token == nil {
		return nil
	}
	select {
	case <-token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Future is a one-shot pending tool result.
type Future struct {
	done  chan struct{}
	parts []models.ToolResultPart
	err   error
}

// Ready returns a resolved future.
func Ready(parts []models.ToolResultPart) *Future {
	f := &Future{done: make(chan struct{}), parts: parts}
	close(f.done)
	return f
}

// Failed returns a future resolved with err.
func Failed(err error) *Future {
	f := &Future{done: make(chan struct{}), err: err}
	close(f.done)
	return f
}

// Async runs fn in its own goroutine. A panic in fn resolves the future
// with ErrToolPanic.
func Async(ctx context.Context, fn func(ctx context.Context) ([]models.ToolResultPart, error)) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("%w: %v", ErrToolPanic, r)
			}
		}()
		f.parts, f.err = fn(ctx)
	}()
	return f
}

// Wait blocks until the result is available or ctx is done.
func (f *Future) Wait(ctx context.Context) ([]models.ToolResultPart, error) {
	if f == nil {
		return nil, nil
	}
	select {
	case <-f.done:
		return f.parts, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}
