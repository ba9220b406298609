package engine

import (
	"context"
	"fmt"

	"github.com/haasonsaas/stepengine/internal/steps"
	"github.com/haasonsaas/stepengine/pkg/models"
)

// ModelStepper runs one model step for an agent between turn ticks. It may
// append to the agent's history and add credits. The returned flag is
// passed to the next tick as TurnInputs.StepsComplete.
type ModelStepper interface {
	StepModel(ctx context.Context, state *models.AgentState, in TurnInputs) (stepsComplete bool, err error)
}

// ModelStepperFunc adapts a function to ModelStepper.
type ModelStepperFunc func(ctx context.Context, state *models.AgentState, in TurnInputs) (bool, error)

// StepModel implements ModelStepper.
func (f ModelStepperFunc) StepModel(ctx context.Context, state *models.AgentState, in TurnInputs) (bool, error) {
	return f(ctx, state, in)
}

// RunToCompletion ticks RunStep until the turn ends. Without a model
// stepper every tick after the first reports the steps complete.
//
// The number of ticks is bounded by the engine's max steps; a turn that
// exceeds it is ended with an error in its output.
func (e *Engine) RunToCompletion(ctx context.Context, state *models.AgentState, in TurnInputs) (*Result, error) {
	var (
		res *Result
		err error
	)
	for i := 0; i < e.maxSteps; i++ {
		res, err = e.RunStep(ctx, state, in)
		if err != nil {
			return nil, err
		}
		state = res.AgentState
		in.StepNumber = res.StepNumber
		if res.EndTurn {
			e.finishRun(ctx, state)
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return e.abort(ctx, res, in, err), nil
		}

		in.StepsComplete = true
		if e.stepper != nil {
			complete, err := e.stepper.StepModel(ctx, state, in)
			if err != nil {
				return e.abort(ctx, res, in, fmt.Errorf("model step: %w", err)), nil
			}
			in.StepsComplete = complete
		}
	}
	return e.abort(ctx, res, in, fmt.Errorf("%w (%d)", ErrMaxSteps, e.maxSteps)), nil
}

// abort ends a turn between ticks: the program is disposed and the failure
// is recorded in the transcript and output.
func (e *Engine) abort(ctx context.Context, res *Result, in TurnInputs, cause error) *Result {
	state := res.AgentState
	msg := FailureMessage(in.Template.ID, cause)
	e.logger.Error(ctx, "turn aborted",
		"agent_id", state.AgentID,
		"agent_type", in.Template.ID,
		"error", cause,
	)
	if in.OnResponseChunk != nil {
		in.OnResponseChunk(msg)
	}
	state.History().Append(models.AssistantMessage(msg))
	state.SetError(msg)

	if err := e.sandbox.Dispose(state.AgentID); err != nil {
		e.logger.Warn(ctx, "failed to dispose program", "agent_id", state.AgentID, "error", err)
	}
	e.metrics.RecordTurn("failed")
	e.finishRun(ctx, state)
	res.EndTurn = true
	return res
}

func (e *Engine) finishRun(ctx context.Context, state *models.AgentState) {
	finisher, ok := e.recorder.(steps.RunFinisher)
	if !ok || state.RunID == "" {
		return
	}
	status := steps.RunCompleted
	if state.Error() != "" {
		status = steps.RunFailed
	}
	if err := finisher.FinishRun(ctx, state.RunID, status); err != nil {
		e.logger.Warn(ctx, "failed to finish run", "run_id", state.RunID, "error", err)
	}
}
