// Package engine drives agent step programs. RunStep advances one agent by
// one turn tick: it resumes the agent's program, dispatches every tool call
// the program yields, records one accounting entry per call and stops when
// the program pauses, finishes or fails.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/program"
	"github.com/haasonsaas/stepengine/internal/sandbox"
	"github.com/haasonsaas/stepengine/internal/steps"
	"github.com/haasonsaas/stepengine/internal/templates"
	"github.com/haasonsaas/stepengine/internal/tools"
	"github.com/haasonsaas/stepengine/internal/transport"
	"github.com/haasonsaas/stepengine/pkg/models"
)

// TurnInputs are supplied by the caller on every turn tick.
type TurnInputs struct {
	Template *templates.AgentTemplate

	// Prompt and Params are handed to the program when it is created.
	Prompt string
	Params map[string]any

	UserID          string
	UserInputID     string
	ClientSessionID string
	FingerprintID   string
	RepoID          string
	FileContext     models.FileContext

	Channel transport.Channel

	// OnResponseChunk receives text streamed to the client. Nil drops it.
	OnResponseChunk func(chunk string)

	// SendSubagentChunk overrides Channel.SendSubagentChunk.
	SendSubagentChunk func(ctx context.Context, chunk transport.SubagentChunk) error

	// LocalTemplates are consulted before the template registry when the
	// agent spawns children.
	LocalTemplates map[string]*templates.AgentTemplate

	// StepsComplete tells a program parked in STEP_ALL to continue.
	StepsComplete bool

	// StepNumber is the next accounting step number.
	StepNumber int
}

// Result is the outcome of a turn tick.
type Result struct {
	AgentState *models.AgentState
	EndTurn    bool
	StepNumber int
}

// Engine runs step programs.
type Engine struct {
	registry      *tools.Registry
	dispatcher    *tools.Dispatcher
	sandbox       *sandbox.Manager
	recorder      steps.Recorder
	logger        *observability.Logger
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	stepper       ModelStepper
	endTurnTool   string
	maxSteps      int
	toolAllowlist bool
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		endTurnTool: DefaultEndTurnTool,
		maxSteps:    DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = observability.NewNopLogger()
	}
	e.logger = e.logger.WithFields("component", "engine")
	if e.sandbox == nil {
		e.sandbox = sandbox.NewManager(sandbox.WithLogger(e.logger), sandbox.WithMetrics(e.metrics))
	}
	if e.dispatcher == nil {
		e.dispatcher = tools.NewDispatcher(e.registry,
			tools.WithLogger(e.logger),
			tools.WithMetrics(e.metrics),
			tools.WithTracer(e.tracer),
			tools.WithTemplateAllowlist(e.toolAllowlist),
		)
	}
	return e
}

// Dispatcher returns the engine's tool dispatcher.
func (e *Engine) Dispatcher() *tools.Dispatcher {
	return e.dispatcher
}

// Sandbox returns the program context registry.
func (e *Engine) Sandbox() *sandbox.Manager {
	return e.sandbox
}

// ClearAllExecutionState disposes every program context and clears every
// batch flag. Calling it on an empty registry does nothing.
func (e *Engine) ClearAllExecutionState() error {
	return e.sandbox.DisposeAll()
}

// tick carries the per-iteration bookkeeping of a RunStep call.
type tick struct {
	start          time.Time
	creditsBefore  int64
	childrenBefore int
}

func (e *Engine) beginTick(state *models.AgentState) tick {
	return tick{
		start:          time.Now(),
		creditsBefore:  state.DirectCreditsUsed,
		childrenBefore: len(state.ChildRunIDs),
	}
}

// RunStep advances the agent's program by one turn tick.
//
// The caller's state is not modified; the returned state is a working copy
// with the tick's effects applied. Failures inside the tick end the turn
// and are reported through the returned state. The only error returned is
// a *ConfigError for a template without a step program.
func (e *Engine) RunStep(ctx context.Context, state *models.AgentState, in TurnInputs) (res *Result, err error) {
	tmpl := in.Template
	if tmpl == nil {
		return nil, &ConfigError{AgentType: state.AgentType, Err: ErrNoTemplate}
	}
	if !tmpl.HasStepProgram() {
		return nil, &ConfigError{AgentType: tmpl.ID, Err: sandbox.ErrNoProgram}
	}

	agentID := state.AgentID
	ctx = observability.AddAgentID(ctx, agentID)
	ctx = observability.AddRunID(ctx, state.RunID)
	ctx = observability.AddUserInputID(ctx, in.UserInputID)
	ctx = observability.AddUserID(ctx, in.UserID)
	ctx, span := e.tracer.TraceRunStep(ctx, agentID, tmpl.ID)
	defer span.End()

	turn := e.newTurn(state, in)
	res = &Result{AgentState: turn.AgentState, StepNumber: in.StepNumber}
	outcome := "paused"
	t := e.beginTick(turn.AgentState)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "step loop panicked", "panic", r, "stack", string(debug.Stack()))
			e.fail(ctx, turn, res, t, fmt.Errorf("panic: %v", r))
			outcome = "failed"
		}
		if res.EndTurn {
			if err := e.sandbox.Dispose(agentID); err != nil {
				e.logger.Warn(ctx, "failed to dispose program", "error", err)
			}
		}
		e.metrics.RecordTurn(outcome)
	}()

	if e.sandbox.StepAllPending(agentID) {
		if !in.StepsComplete {
			outcome = "batched"
			return res, nil
		}
		e.sandbox.ClearStepAll(agentID)
	}

	prog, err := e.sandbox.GetOrCreate(ctx, agentID, tmpl.HandleSteps, program.InitArgs{
		AgentState: turn.AgentState.Public(),
		Prompt:     in.Prompt,
		Params:     in.Params,
	})
	if err != nil {
		observability.RecordError(span, err)
		e.fail(ctx, turn, res, t, err)
		outcome = "failed"
		return res, nil
	}

	var toolResult []models.ToolResultPart
	for {
		t = e.beginTick(turn.AgentState)

		y, err := prog.Resume(ctx, program.Feedback{
			AgentState:    turn.AgentState.Public(),
			ToolResult:    toolResult,
			StepsComplete: in.StepsComplete,
		})
		if err != nil {
			observability.RecordError(span, err)
			e.fail(ctx, turn, res, t, err)
			outcome = "failed"
			return res, nil
		}

		switch {
		case y.Done:
			res.EndTurn = true
			outcome = "ended"
			return res, nil
		case y.Control == program.ControlStep:
			return res, nil
		case y.Control == program.ControlStepAll:
			e.sandbox.MarkStepAll(agentID)
			outcome = "batched"
			return res, nil
		case y.ToolCall == nil:
			err := fmt.Errorf("%w: empty yield", program.ErrInvalidYield)
			e.fail(ctx, turn, res, t, err)
			outcome = "failed"
			return res, nil
		}

		call := models.ToolCall{
			ToolName:        y.ToolCall.ToolName,
			Input:           y.ToolCall.Input,
			ToolCallID:      uuid.NewString(),
			IncludeToolCall: y.ToolCall.IncludeToolCall,
		}
		parts, err := e.dispatcher.Dispatch(ctx, call, turn)
		if err != nil {
			observability.RecordError(span, err)
			e.fail(ctx, turn, res, t, err)
			outcome = "failed"
			return res, nil
		}
		toolResult = parts

		e.record(ctx, turn, res.StepNumber, t, steps.StatusCompleted)
		res.StepNumber++

		if call.ToolName == e.endTurnTool {
			res.EndTurn = true
			outcome = "ended"
			return res, nil
		}
	}
}

func (e *Engine) newTurn(state *models.AgentState, in TurnInputs) *tools.TurnState {
	turn := tools.NewTurnState(state)
	turn.Template = in.Template
	turn.LocalTemplates = in.LocalTemplates
	turn.Channel = in.Channel
	turn.UserID = in.UserID
	turn.UserInputID = in.UserInputID
	turn.ClientSessionID = in.ClientSessionID
	turn.FingerprintID = in.FingerprintID
	turn.RepoID = in.RepoID
	turn.FileContext = in.FileContext
	turn.OnResponseChunk = in.OnResponseChunk
	turn.SendSubagentChunk = in.SendSubagentChunk
	turn.AgentStepID = uuid.NewString()
	return turn
}

// FailureMessage is the transcript text of a failed turn.
func FailureMessage(agentType string, err error) string {
	return fmt.Sprintf("Error executing step program for agent %s: %s", agentType, err.Error())
}

// fail ends the turn after err: the failure is written to the client and
// the transcript, stored in the output, and accounted as a skipped step.
func (e *Engine) fail(ctx context.Context, turn *tools.TurnState, res *Result, t tick, err error) {
	res.EndTurn = true
	msg := FailureMessage(turn.Template.ID, err)
	e.logger.Error(ctx, "step program failed",
		"agent_type", turn.Template.ID,
		"step_number", res.StepNumber,
		"error", err,
	)

	turn.WriteToClient(msg)
	turn.Messages.Append(models.AssistantMessage(msg))
	turn.SyncHistory()
	turn.AgentState.SetError(msg)

	e.record(ctx, turn, res.StepNumber, t, steps.StatusSkipped)
	res.StepNumber++
}

// record writes the accounting entry of one step. Accounting problems are
// logged and never fail the turn.
func (e *Engine) record(ctx context.Context, turn *tools.TurnState, stepNumber int, t tick, status steps.Status) {
	e.metrics.RecordStep(string(status))

	state := turn.AgentState
	if state.RunID == "" {
		e.logger.Warn(ctx, "no run id for agent state", "step_number", stepNumber)
		e.metrics.AccountingWarning("missing_run_id")
		return
	}
	if e.recorder == nil {
		return
	}

	var children []string
	if len(state.ChildRunIDs) > t.childrenBefore {
		children = slices.Clone(state.ChildRunIDs[t.childrenBefore:])
	}
	entry := steps.Entry{
		UserID:       turn.UserID,
		AgentRunID:   state.RunID,
		StepNumber:   stepNumber,
		CreditsDelta: state.DirectCreditsUsed - t.creditsBefore,
		ChildRunIDs:  children,
		Status:       status,
		StartTime:    t.start,
	}
	if err := e.recorder.AddAgentStep(ctx, entry); err != nil {
		e.logger.Warn(ctx, "failed to record agent step", "step_number", stepNumber, "error", err)
		e.metrics.AccountingWarning("recorder_error")
	}
}
