package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STEPENGINE_CONFIG", "")
	cmd := buildRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "templates", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestRunEcho(t *testing.T) {
	out, err := execute(t, "run", "--template", "echo", "--prompt", "hello there", "--project-root", t.TempDir())
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "hello there") {
		t.Fatalf("output missing echoed prompt:\n%s", out)
	}
	if !strings.Contains(out, "completed: 2 steps") {
		t.Fatalf("output missing run summary:\n%s", out)
	}
}

func TestRunDelegatorSpawnsChild(t *testing.T) {
	out, err := execute(t, "run",
		"--template", "delegator",
		"--prompt", "nested",
		"--params", `{"agent_type":"echo"}`,
		"--project-root", t.TempDir(),
		"--json",
	)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	start := strings.Index(out, "{\n  \"agentId\"")
	end := strings.LastIndex(out, "}")
	if start < 0 || end < start {
		t.Fatalf("no JSON state in output:\n%s", out)
	}
	var state struct {
		ChildRunIDs []string `json:"childRunIds"`
	}
	if err := json.Unmarshal([]byte(out[start:end+1]), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(state.ChildRunIDs) != 1 {
		t.Fatalf("child runs = %v", state.ChildRunIDs)
	}
	if !strings.Contains(out, "1 child runs") {
		t.Fatalf("output missing child count:\n%s", out)
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown template", []string{"run", "--template", "nope"}, "unknown agent template"},
		{"missing prompt", []string{"run", "--template", "echo"}, "prompt is required"},
		{"bad params", []string{"run", "--template", "echo", "--prompt", "x", "--params", "{"}, "invalid --params"},
		{"missing template flag", []string{"run", "--prompt", "x"}, "required flag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRunWithSQLiteLedger(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "stepengine.yaml")
	cfg := "ledger:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "steps.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out, err := execute(t, "run", "--config", cfgPath, "--template", "planner", "--prompt", "ship it", "--project-root", dir)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed: 3 steps") {
		t.Fatalf("output missing run summary:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "steps.db")); err != nil {
		t.Fatalf("ledger database not created: %v", err)
	}
}

func TestTemplatesList(t *testing.T) {
	dir := t.TempDir()
	tmpl := "---\nid: greeter\ndescription: Says hi\n---\n```js\nfunction* () { yield { toolName: 'end_turn', input: {} }; }\n```\n"
	if err := os.WriteFile(filepath.Join(dir, "greeter.agent.md"), []byte(tmpl), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out, err := execute(t, "templates", "list", "--templates-dir", dir)
	if err != nil {
		t.Fatalf("templates list: %v", err)
	}
	for _, want := range []string{"echo", "planner", "delegator", "greeter", "script"} {
		if !strings.Contains(out, want) {
			t.Errorf("list missing %q:\n%s", want, out)
		}
	}
}

func TestTemplatesValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.agent.md")
	bad := filepath.Join(dir, "bad.agent.md")
	if err := os.WriteFile(good, []byte("---\nid: good\n---\n```js\nfunction* () { yield { toolName: 'end_turn', input: {} }; }\n```\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(bad, []byte("no frontmatter here"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out, err := execute(t, "templates", "validate", good)
	if err != nil {
		t.Fatalf("validate good: %v", err)
	}
	if !strings.Contains(out, "ok") {
		t.Fatalf("output = %q", out)
	}

	out, err = execute(t, "templates", "validate", good, bad)
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("error = %v", err)
	}
	if !strings.Contains(out, "FAIL "+bad) {
		t.Fatalf("output = %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	if !strings.Contains(out, `"ledger"`) {
		t.Fatalf("schema missing ledger:\n%s", out)
	}

	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  max_steps: 10\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	out, err = execute(t, "config", "validate", path)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "ok") {
		t.Fatalf("output = %q", out)
	}

	if err := os.WriteFile(path, []byte("engine:\n  max_steps: -1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := execute(t, "config", "validate", path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "stepengine dev") {
		t.Fatalf("output = %q", out)
	}
}
