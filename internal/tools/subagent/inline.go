// Package subagent provides the spawn_agent_inline tool: it runs a child
// agent to completion inside the parent's tool call, sharing the parent's
// message history.
package subagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/stepengine/internal/engine"
	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/steps"
	"github.com/haasonsaas/stepengine/internal/templates"
	"github.com/haasonsaas/stepengine/internal/tools"
	"github.com/haasonsaas/stepengine/pkg/models"
)

// ToolName is the name the spawner registers under.
const ToolName = "spawn_agent_inline"

// TurnRunner drives an agent's turn until it ends.
type TurnRunner interface {
	RunToCompletion(ctx context.Context, state *models.AgentState, in engine.TurnInputs) (*engine.Result, error)
}

// TemplateResolver finds an agent template by type, consulting the local
// set first.
type TemplateResolver interface {
	Resolve(id string, local map[string]*templates.AgentTemplate) (*templates.AgentTemplate, bool)
}

// ValidationError reports a spawn request that cannot be honored.
type ValidationError struct {
	AgentType string
	Message   string
	Err       error
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if e.AgentType == "" {
		return "spawn_agent_inline: " + msg
	}
	return fmt.Sprintf("spawn_agent_inline %s: %s", e.AgentType, msg)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type spawnInput struct {
	AgentType string         `json:"agent_type"`
	Prompt    string         `json:"prompt"`
	Params    map[string]any `json:"params"`
}

// InlineSpawner is the spawn_agent_inline handler.
type InlineSpawner struct {
	runner    TurnRunner
	templates TemplateResolver
	validator *templates.Validator
	runs      steps.RunStarter
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// Option configures an InlineSpawner.
type Option func(*InlineSpawner)

// WithRunStarter creates a run for every child.
func WithRunStarter(runs steps.RunStarter) Option {
	return func(s *InlineSpawner) {
		s.runs = runs
	}
}

// WithValidator sets the input validator.
func WithValidator(v *templates.Validator) Option {
	return func(s *InlineSpawner) {
		s.validator = v
	}
}

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(s *InlineSpawner) {
		s.logger = logger
	}
}

// WithMetrics counts spawns.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *InlineSpawner) {
		s.metrics = metrics
	}
}

// NewInlineSpawner creates the handler. runner is normally the engine.
func NewInlineSpawner(runner TurnRunner, resolver TemplateResolver, opts ...Option) *InlineSpawner {
	s := &InlineSpawner{runner: runner, templates: resolver}
	for _, opt := range opts {
		opt(s)
	}
	if s.validator == nil {
		s.validator = templates.NewValidator(0)
	}
	if s.logger == nil {
		s.logger = observability.NewNopLogger()
	}
	s.logger = s.logger.WithFields("component", "subagent")
	return s
}

// Name implements tools.Handler.
func (s *InlineSpawner) Name() string { return ToolName }

// Handle implements tools.Handler. Preconditions are checked immediately;
// the child runs once the previous call of the parent's turn has finished.
func (s *InlineSpawner) Handle(ctx context.Context, inv *tools.Invocation) (*tools.Response, error) {
	turn := inv.State
	if err := validateTurn(turn); err != nil {
		return nil, err
	}
	in, err := tools.DecodeInput[spawnInput](ToolName, inv.Call.Input)
	if err != nil {
		return nil, &ValidationError{Message: "invalid input", Err: err}
	}
	if in.AgentType == "" {
		return nil, &ValidationError{Message: "agent_type is required"}
	}

	return tools.Respond(tools.Async(ctx, func(ctx context.Context) ([]models.ToolResultPart, error) {
		if err := inv.WaitPrevious(ctx); err != nil {
			return nil, err
		}
		err := s.spawn(ctx, turn, in)
		s.metrics.RecordChildSpawn(in.AgentType, err)
		if err != nil {
			return nil, err
		}
		return []models.ToolResultPart{}, nil
	})), nil
}

func validateTurn(turn *tools.TurnState) error {
	switch {
	case turn == nil || turn.AgentState == nil:
		return &ValidationError{Message: "missing agent state"}
	case turn.Channel == nil:
		return &ValidationError{Message: "missing client channel"}
	case turn.FingerprintID == "":
		return &ValidationError{Message: "missing fingerprint id"}
	case turn.UserInputID == "":
		return &ValidationError{Message: "missing user input id"}
	case turn.Template == nil:
		return &ValidationError{Message: "missing parent agent template"}
	}
	return nil
}

func (s *InlineSpawner) resolve(turn *tools.TurnState, in spawnInput) (*templates.AgentTemplate, error) {
	tmpl, ok := s.templates.Resolve(in.AgentType, turn.LocalTemplates)
	if !ok {
		return nil, &ValidationError{AgentType: in.AgentType, Message: "agent template not found"}
	}
	if !turn.Template.CanSpawn(in.AgentType) {
		return nil, &ValidationError{
			AgentType: in.AgentType,
			Message:   fmt.Sprintf("agent %s is not allowed to spawn it", turn.Template.ID),
		}
	}
	if err := s.validator.Validate(tmpl, in.Prompt, in.Params); err != nil {
		return nil, &ValidationError{AgentType: in.AgentType, Message: "invalid input", Err: err}
	}
	return tmpl, nil
}

// spawn runs the child and folds its effects back into the parent's turn.
func (s *InlineSpawner) spawn(ctx context.Context, turn *tools.TurnState, in spawnInput) error {
	tmpl, err := s.resolve(turn, in)
	if err != nil {
		return err
	}

	parent := turn.AgentState
	child := models.NewChildAgentState(in.AgentType, parent, turn.Messages, turn.AgentContext)

	if s.runs != nil {
		runID, err := s.runs.StartRun(ctx, steps.RunStart{
			UserID:      turn.UserID,
			AgentID:     child.AgentID,
			AgentType:   in.AgentType,
			ParentRunID: parent.RunID,
		})
		if err != nil {
			return fmt.Errorf("start child run: %w", err)
		}
		child.RunID = runID
		parent.AddChildRun(runID)
	}

	s.logger.Debug(ctx, "spawning inline agent",
		"agent_type", in.AgentType,
		"child_agent_id", child.AgentID,
		"child_run_id", child.RunID,
	)

	res, err := s.runner.RunToCompletion(ctx, child, engine.TurnInputs{
		Template:          tmpl,
		Prompt:            in.Prompt,
		Params:            in.Params,
		UserID:            turn.UserID,
		UserInputID:       fmt.Sprintf("%s-inline-%s%s", turn.UserInputID, in.AgentType, child.AgentID),
		ClientSessionID:   turn.ClientSessionID,
		FingerprintID:     turn.FingerprintID,
		RepoID:            turn.RepoID,
		FileContext:       turn.FileContext,
		Channel:           turn.Channel,
		SendSubagentChunk: turn.SendSubagentChunk,
		LocalTemplates:    turn.LocalTemplates,
	})
	if err != nil {
		return fmt.Errorf("run inline agent %s: %w", in.AgentType, err)
	}

	final := res.AgentState
	turn.Messages = final.History()
	turn.SyncHistory()
	turn.AgentContext = final.AgentContext
	parent.AgentContext = final.AgentContext
	parent.AddCredits(final.DirectCreditsUsed)

	// A failed child is data for the parent: its error is already in the
	// shared transcript and the parent's program keeps running.
	if msg := final.Error(); msg != "" {
		s.logger.Warn(ctx, "inline agent failed",
			"agent_type", in.AgentType,
			"child_agent_id", child.AgentID,
			"child_run_id", child.RunID,
			"error", msg,
		)
	}
	return nil
}

var _ tools.Handler = (*InlineSpawner)(nil)
