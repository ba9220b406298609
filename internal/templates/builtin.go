package templates

import (
	"fmt"

	"github.com/haasonsaas/stepengine/internal/program"
)

// Builtins returns the templates compiled into the binary.
func Builtins() []*AgentTemplate {
	return []*AgentTemplate{
		{
			ID:          "base",
			DisplayName: "Base",
			Description: "Records the prompt and hands control to the model until it reports the steps complete.",
			ToolNames:   []string{"add_message", "end_turn"},
			InputSchema: InputSchema{Prompt: &PromptSchema{Description: "Task for the agent"}},
			HandleSteps: program.Source{Native: baseProgram},
		},
		{
			ID:          "echo",
			DisplayName: "Echo",
			Description: "Repeats the prompt as an assistant message.",
			ToolNames:   []string{"add_message", "end_turn"},
			InputSchema: InputSchema{Prompt: &PromptSchema{Required: true}},
			HandleSteps: program.Source{Native: echoProgram},
		},
		{
			ID:          "planner",
			DisplayName: "Planner",
			Description: "Tracks the prompt as a subgoal across one pause.",
			ToolNames:   []string{"add_subgoal", "update_subgoal", "end_turn"},
			InputSchema: InputSchema{Prompt: &PromptSchema{Required: true}},
			HandleSteps: program.Source{Native: plannerProgram},
		},
		{
			ID:          "delegator",
			DisplayName: "Delegator",
			Description: "Runs another agent inline on the prompt.",
			ToolNames:   []string{"spawn_agent_inline", "end_turn"},
			InputSchema: InputSchema{
				Params: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"agent_type": map[string]any{"type": "string", "minLength": 1},
					},
					"required": []any{"agent_type"},
				},
			},
			HandleSteps: program.Source{Native: delegatorProgram},
		},
	}
}

// RegisterBuiltins adds Builtins to r.
func RegisterBuiltins(r *Registry) error {
	for _, tmpl := range Builtins() {
		if err := r.Register(tmpl); err != nil {
			return fmt.Errorf("register builtin %s: %w", tmpl.ID, err)
		}
	}
	return nil
}

func call(y *program.Yielder, tool string, input map[string]any) error {
	_, err := y.Call(program.ToolCallRequest{ToolName: tool, Input: input})
	return err
}

func baseProgram(y *program.Yielder, args program.InitArgs) error {
	if args.Prompt != "" {
		hidden := false
		_, err := y.Call(program.ToolCallRequest{
			ToolName:        "add_message",
			Input:           map[string]any{"role": "user", "content": args.Prompt},
			IncludeToolCall: &hidden,
		})
		if err != nil {
			return err
		}
	}
	if _, err := y.StepAll(); err != nil {
		return err
	}
	return call(y, "end_turn", nil)
}

func echoProgram(y *program.Yielder, args program.InitArgs) error {
	if err := call(y, "add_message", map[string]any{"role": "assistant", "content": args.Prompt}); err != nil {
		return err
	}
	return call(y, "end_turn", nil)
}

func plannerProgram(y *program.Yielder, args program.InitArgs) error {
	err := call(y, "add_subgoal", map[string]any{
		"id":        "1",
		"objective": args.Prompt,
		"status":    "IN_PROGRESS",
	})
	if err != nil {
		return err
	}
	if _, err := y.Step(); err != nil {
		return err
	}
	err = call(y, "update_subgoal", map[string]any{
		"id":     "1",
		"status": "COMPLETE",
		"log":    "completed after review",
	})
	if err != nil {
		return err
	}
	return call(y, "end_turn", nil)
}

func delegatorProgram(y *program.Yielder, args program.InitArgs) error {
	agentType, _ := args.Params["agent_type"].(string)
	input := map[string]any{"agent_type": agentType, "prompt": args.Prompt}
	if params, ok := args.Params["params"].(map[string]any); ok {
		input["params"] = params
	}
	if err := call(y, "spawn_agent_inline", input); err != nil {
		return err
	}
	return call(y, "end_turn", nil)
}
