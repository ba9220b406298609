// Package templates resolves agent types to agent templates: the step
// program an agent runs and the input it accepts.
package templates

import (
	"slices"

	"github.com/haasonsaas/stepengine/internal/program"
)

// SourceType records where a template came from.
type SourceType string

const (
	SourceBuiltin SourceType = "builtin"
	SourceLocal   SourceType = "local"
)

// AgentTemplate defines an agent type.
type AgentTemplate struct {
	// ID is the agent type string, e.g. "planner".
	ID string `json:"id" yaml:"id"`

	DisplayName string `json:"display_name,omitempty" yaml:"display_name"`

	Description string `json:"description,omitempty" yaml:"description"`

	// ToolNames lists the tools the agent is meant to use.
	ToolNames []string `json:"tool_names,omitempty" yaml:"tool_names"`

	// SpawnableAgents restricts which agent types this agent may spawn
	// inline. Empty means unrestricted.
	SpawnableAgents []string `json:"spawnable_agents,omitempty" yaml:"spawnable_agents"`

	InputSchema InputSchema `json:"input_schema,omitempty" yaml:"input_schema"`

	// Script is step program source given inline in the frontmatter. When
	// empty the template body is used.
	Script string `json:"-" yaml:"handle_steps"`

	// HandleSteps is the step program. A zero Source means the template
	// cannot be driven by the engine.
	HandleSteps program.Source `json:"-" yaml:"-"`

	// Path is the file the template was loaded from.
	Path string `json:"path,omitempty" yaml:"-"`

	Source SourceType `json:"source" yaml:"-"`
}

// PromptSchema constrains the prompt an agent accepts.
type PromptSchema struct {
	Required    bool   `json:"required,omitempty" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description"`
	MaxLength   int    `json:"max_length,omitempty" yaml:"max_length"`
}

// InputSchema describes prompt and params accepted by an agent.
type InputSchema struct {
	Prompt *PromptSchema `json:"prompt,omitempty" yaml:"prompt"`

	// Params is a JSON Schema document for the params object.
	Params map[string]any `json:"params,omitempty" yaml:"params"`
}

// HasStepProgram reports whether the template defines a step program.
func (t *AgentTemplate) HasStepProgram() bool {
	return t != nil && !t.HandleSteps.IsZero()
}

// CanSpawn reports whether the template allows spawning agentType.
func (t *AgentTemplate) CanSpawn(agentType string) bool {
	if t == nil || len(t.SpawnableAgents) == 0 {
		return true
	}
	return slices.Contains(t.SpawnableAgents, agentType)
}
