package builtin

import (
	"context"
	"fmt"

	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/tools"
	"github.com/haasonsaas/stepengine/pkg/models"
)

// waitThen resolves with fn's result once the previous call finished.
func waitThen(ctx context.Context, inv *tools.Invocation, fn func() ([]models.ToolResultPart, error)) *tools.Future {
	return tools.Async(ctx, func(ctx context.Context) ([]models.ToolResultPart, error) {
		if err := inv.WaitPrevious(ctx); err != nil {
			return nil, err
		}
		return fn()
	})
}

type endTurn struct{}

func (endTurn) Name() string { return EndTurn }

func (endTurn) Handle(ctx context.Context, inv *tools.Invocation) (*tools.Response, error) {
	return tools.Respond(waitThen(ctx, inv, func() ([]models.ToolResultPart, error) {
		return []models.ToolResultPart{}, nil
	})), nil
}

type subgoalInput struct {
	ID        string               `json:"id"`
	Objective string               `json:"objective"`
	Status    models.SubgoalStatus `json:"status"`
	Plan      string               `json:"plan"`
	Log       string               `json:"log"`
}

type addSubgoal struct{}

func (addSubgoal) Name() string { return AddSubgoal }

func (addSubgoal) Handle(ctx context.Context, inv *tools.Invocation) (*tools.Response, error) {
	in, err := tools.DecodeInput[subgoalInput](AddSubgoal, inv.Call.Input)
	if err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, fmt.Errorf("add_subgoal: id is required")
	}
	if in.Status == "" {
		in.Status = models.SubgoalNotStarted
	}
	if !in.Status.Valid() {
		return nil, fmt.Errorf("add_subgoal: invalid status %q", in.Status)
	}

	patch := &tools.StatePatch{}
	result := waitThen(ctx, inv, func() ([]models.ToolResultPart, error) {
		agentContext := inv.State.CloneAgentContext()
		goal := &models.Subgoal{
			Objective: in.Objective,
			Status:    in.Status,
			Plan:      in.Plan,
			Logs:      []string{},
		}
		if in.Log != "" {
			goal.Logs = append(goal.Logs, in.Log)
		}
		agentContext[in.ID] = goal
		patch.AgentContext = agentContext
		return models.JSONResult(map[string]any{"message": "Successfully added subgoal"}), nil
	})
	return &tools.Response{Result: result, Patch: patch}, nil
}

type updateSubgoal struct{}

func (updateSubgoal) Name() string { return UpdateSubgoal }

func (updateSubgoal) Handle(ctx context.Context, inv *tools.Invocation) (*tools.Response, error) {
	in, err := tools.DecodeInput[subgoalInput](UpdateSubgoal, inv.Call.Input)
	if err != nil {
		return nil, err
	}
	if in.Status != "" && !in.Status.Valid() {
		return nil, fmt.Errorf("update_subgoal: invalid status %q", in.Status)
	}

	patch := &tools.StatePatch{}
	result := waitThen(ctx, inv, func() ([]models.ToolResultPart, error) {
		agentContext := inv.State.CloneAgentContext()
		goal, ok := agentContext[in.ID]
		if !ok {
			return models.JSONResult(map[string]any{
				"message": fmt.Sprintf("Subgoal with id %s not found", in.ID),
			}), nil
		}
		if in.Status != "" {
			goal.Status = in.Status
		}
		if in.Plan != "" {
			goal.Plan = in.Plan
		}
		if in.Log != "" {
			goal.Logs = append(goal.Logs, in.Log)
		}
		patch.AgentContext = agentContext
		return models.JSONResult(map[string]any{"message": "Successfully updated subgoal"}), nil
	})
	return &tools.Response{Result: result, Patch: patch}, nil
}

type addMessage struct{}

func (addMessage) Name() string { return AddMessage }

func (addMessage) Handle(ctx context.Context, inv *tools.Invocation) (*tools.Response, error) {
	msg, err := tools.DecodeInput[models.Message](AddMessage, inv.Call.Input)
	if err != nil {
		return nil, err
	}
	if err := validateRole(msg.Role); err != nil {
		return nil, fmt.Errorf("add_message: %w", err)
	}
	return tools.Respond(waitThen(ctx, inv, func() ([]models.ToolResultPart, error) {
		inv.State.Messages.Append(msg)
		return []models.ToolResultPart{}, nil
	})), nil
}

type setMessagesInput struct {
	Messages []models.Message `json:"messages"`
}

type setMessages struct{}

func (setMessages) Name() string { return SetMessages }

func (setMessages) Handle(ctx context.Context, inv *tools.Invocation) (*tools.Response, error) {
	in, err := tools.DecodeInput[setMessagesInput](SetMessages, inv.Call.Input)
	if err != nil {
		return nil, err
	}
	for i, msg := range in.Messages {
		if err := validateRole(msg.Role); err != nil {
			return nil, fmt.Errorf("set_messages: message %d: %w", i, err)
		}
	}
	return tools.Respond(waitThen(ctx, inv, func() ([]models.ToolResultPart, error) {
		inv.State.Messages.Replace(in.Messages)
		return []models.ToolResultPart{}, nil
	})), nil
}

func validateRole(role models.Role) error {
	switch role {
	case models.RoleUser, models.RoleAssistant, models.RoleSystem, models.RoleTool:
		return nil
	case "":
		return fmt.Errorf("role is required")
	}
	return fmt.Errorf("invalid role %q", role)
}

type thinkDeeply struct {
	logger *observability.Logger
}

func (thinkDeeply) Name() string { return ThinkDeeply }

func (t thinkDeeply) Handle(ctx context.Context, inv *tools.Invocation) (*tools.Response, error) {
	thought, _ := inv.Call.Input["thought"].(string)
	t.logger.Debug(ctx, "Thought deeply", "thought", thought)
	return tools.Respond(waitThen(ctx, inv, func() ([]models.ToolResultPart, error) {
		return []models.ToolResultPart{}, nil
	})), nil
}
