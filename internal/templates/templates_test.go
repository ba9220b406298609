package templates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const plannerDoc = `---
id: local-planner
display_name: Local Planner
tool_names: [add_subgoal, end_turn]
spawnable_agents: [echo]
input_schema:
  prompt:
    required: true
  params:
    type: object
    properties:
      depth:
        type: integer
        minimum: 1
    required: [depth]
---
# Local planner

` + "```js" + `
function* (args) {
  yield { toolName: 'add_subgoal', input: { id: '1', objective: args.prompt } };
  yield { toolName: 'end_turn', input: {} };
}
` + "```\n"

func writeTemplate(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	return path
}

func TestParseTemplate(t *testing.T) {
	tmpl, err := ParseTemplate([]byte(plannerDoc), "planner/AGENT.md")
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	if tmpl.ID != "local-planner" || tmpl.DisplayName != "Local Planner" {
		t.Fatalf("template = %+v", tmpl)
	}
	if !tmpl.HasStepProgram() || tmpl.HandleSteps.Native != nil {
		t.Fatal("expected script step program")
	}
	if !strings.HasPrefix(tmpl.HandleSteps.Script, "function* (args)") {
		t.Fatalf("script = %q", tmpl.HandleSteps.Script)
	}
	if tmpl.Source != SourceLocal {
		t.Fatalf("source = %s", tmpl.Source)
	}
	if !tmpl.CanSpawn("echo") || tmpl.CanSpawn("planner") {
		t.Fatal("spawnable agents not honored")
	}
}

func TestParseTemplateErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no frontmatter", "id: x", "missing opening frontmatter delimiter"},
		{"unclosed", "---\nid: x\n", "missing closing frontmatter delimiter"},
		{"missing id", "---\ndescription: x\n---\n", "template id is required"},
		{"bad id", "---\nid: Bad Id\n---\n", "must be lowercase"},
		{"unknown field", "---\nid: x\nmodel: gpt\n---\n", "parse frontmatter"},
		{"bad schema", "---\nid: x\ninput_schema:\n  params:\n    type: 12\n---\n", "params schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTemplate([]byte(tt.doc), "x")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseTemplateInlineScript(t *testing.T) {
	doc := "---\nid: inline\nhandle_steps: \"function* () { yield 'STEP' }\"\n---\nignored body\n"
	tmpl, err := ParseTemplate([]byte(doc), "x")
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	if tmpl.HandleSteps.Script != "function* () { yield 'STEP' }" {
		t.Fatalf("script = %q", tmpl.HandleSteps.Script)
	}
}

func TestParseTemplateWithoutProgram(t *testing.T) {
	tmpl, err := ParseTemplate([]byte("---\nid: prompt-only\n---\nJust a prompt.\n"), "x")
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	if tmpl.HasStepProgram() {
		t.Fatal("expected no step program")
	}
}

func TestRegistryLoadAndResolve(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "planner/AGENT.md", plannerDoc)
	writeTemplate(t, dir, "broken.agent.md", "---\nid: Broken\n---\n")
	writeTemplate(t, dir, "notes.md", "not a template")

	r := NewRegistry(WithDirs(dir, filepath.Join(dir, "missing")))
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	n, err := r.Load(context.Background())
	if n != 1 {
		t.Fatalf("loaded %d templates, want 1", n)
	}
	if err == nil || !strings.Contains(err.Error(), "broken.agent.md") {
		t.Fatalf("expected error naming broken file, got %v", err)
	}

	if _, ok := r.Get("local-planner"); !ok {
		t.Fatal("local template not found")
	}
	if tmpl, ok := r.Get("echo"); !ok || tmpl.Source != SourceBuiltin {
		t.Fatal("builtin template not found")
	}

	inline := &AgentTemplate{ID: "echo", Description: "override"}
	got, ok := r.Resolve("echo", map[string]*AgentTemplate{"echo": inline})
	if !ok || got != inline {
		t.Fatal("per-call templates must win")
	}
	if _, ok := r.Resolve("nope", nil); ok {
		t.Fatal("unknown type resolved")
	}

	ids := []string{}
	for _, tmpl := range r.List() {
		ids = append(ids, tmpl.ID)
	}
	if strings.Join(ids, ",") != "base,delegator,echo,local-planner,planner" {
		t.Fatalf("List() = %v", ids)
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&AgentTemplate{ID: "a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&AgentTemplate{ID: "a"}); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestRegistryWatchReloads(t *testing.T) {
	dir := t.TempDir()
	reloaded := make(chan int, 8)
	r := NewRegistry(
		WithDirs(dir),
		WithWatchDebounce(20*time.Millisecond),
		WithReloadHook(func(n int, err error) { reloaded <- n }),
	)
	if _, err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := r.StartWatching(context.Background()); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}
	defer r.Close()

	writeTemplate(t, dir, "late.agent.md", "---\nid: late\n---\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-reloaded:
			if _, ok := r.Get("late"); ok {
				return
			}
		case <-deadline:
			t.Fatal("template was not reloaded")
		}
	}
}

func TestValidatorPrompt(t *testing.T) {
	v := NewValidator(0)
	tmpl := &AgentTemplate{ID: "t", InputSchema: InputSchema{Prompt: &PromptSchema{Required: true, MaxLength: 5}}}

	if err := v.Validate(tmpl, "", nil); !errors.Is(err, ErrPromptRequired) {
		t.Fatalf("expected ErrPromptRequired, got %v", err)
	}
	if err := v.Validate(tmpl, "too long", nil); !errors.Is(err, ErrPromptTooLong) {
		t.Fatalf("expected ErrPromptTooLong, got %v", err)
	}
	if err := v.Validate(tmpl, "ok", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := v.Validate(&AgentTemplate{ID: "free"}, "", nil); err != nil {
		t.Fatalf("template without schema rejected input: %v", err)
	}
}

func TestValidatorParams(t *testing.T) {
	tmpl, err := ParseTemplate([]byte(plannerDoc), "x")
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	v := NewValidator(4)

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"valid int", map[string]any{"depth": 2}, false},
		{"valid float", map[string]any{"depth": 3.0}, false},
		{"missing", nil, true},
		{"below minimum", map[string]any{"depth": 0}, true},
		{"wrong type", map[string]any{"depth": "deep"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tmpl, "prompt", tt.params)
			if tt.wantErr {
				var ie *InputError
				if !errors.As(err, &ie) || ie.Field != "params" {
					t.Fatalf("expected params InputError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
	if v.cache.Len() != 1 {
		t.Fatalf("schema cache len = %d, want 1", v.cache.Len())
	}
}

func TestBuiltinsHavePrograms(t *testing.T) {
	for _, tmpl := range Builtins() {
		if !tmpl.HasStepProgram() || tmpl.HandleSteps.Native == nil {
			t.Errorf("builtin %s has no native program", tmpl.ID)
		}
	}
}
