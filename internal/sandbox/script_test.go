package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/program"
	"github.com/haasonsaas/stepengine/pkg/models"
)

// TestHelperProcess is not a real test. It stands in for the script
// interpreter: the script source is a JSON array of values to yield, where
// {"throw": msg} raises an error, {"exit": n} kills the process and
// {"oversize": true} writes a frame past the size limit.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	fakeInterpreter()
	os.Exit(0)
}

func fakeInterpreter() {
	out := bufio.NewWriter(os.Stdout)
	send := func(f map[string]any) {
		data, _ := json.Marshal(f)
		out.Write(append(data, '\n'))
		out.Flush()
	}

	var queue []json.RawMessage
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			send(map[string]any{"type": "error", "message": "malformed frame"})
			continue
		}
		switch f.Type {
		case frameInit:
			if f.Source == "hang" {
				time.Sleep(time.Minute)
			}
			if err := json.Unmarshal([]byte(f.Source), &queue); err != nil {
				send(map[string]any{"type": "error", "message": "SyntaxError: " + err.Error()})
				continue
			}
			send(map[string]any{"type": "log", "level": "info", "message": "loaded for " + f.Args.AgentState.AgentID})
			send(map[string]any{"type": "ready"})
		case frameStep:
			if len(queue) == 0 {
				send(map[string]any{"type": "done"})
				continue
			}
			next := queue[0]
			queue = queue[1:]
			var ctl struct {
				Throw    string `json:"throw"`
				Exit     *int   `json:"exit"`
				Echo     bool   `json:"echo"`
				Oversize bool   `json:"oversize"`
			}
			_ = json.Unmarshal(next, &ctl)
			switch {
			case ctl.Throw != "":
				send(map[string]any{"type": "error", "message": ctl.Throw, "stack": "at step"})
			case ctl.Exit != nil:
				fmt.Fprintln(os.Stderr, "fatal: interpreter crashed")
				os.Exit(*ctl.Exit)
			case ctl.Oversize:
				send(map[string]any{"type": "yield", "value": map[string]any{
					"toolName": "add_message",
					"input":    map[string]any{"content": strings.Repeat("x", maxFrameSize+1<<20)},
				}})
			case ctl.Echo:
				send(map[string]any{"type": "yield", "value": map[string]any{
					"toolName": "add_message",
					"input":    map[string]any{"echo": f.Input.ToolResult},
				}})
			default:
				send(map[string]any{"type": "yield", "value": next})
			}
		}
	}
}

func helperManager(t *testing.T, logs *bytes.Buffer, opts ...Option) *Manager {
	t.Helper()
	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Output: logs})
	base := []Option{
		WithCommand(os.Args[0], "-test.run=^TestHelperProcess$"),
		WithEnv("GO_WANT_HELPER_PROCESS=1"),
		WithStartTimeout(5 * time.Second),
		WithLogger(logger),
	}
	m := NewManager(append(base, opts...)...)
	t.Cleanup(func() { _ = m.DisposeAll() })
	return m
}

func startScript(t *testing.T, m *Manager, source string) program.Program {
	t.Helper()
	args := program.InitArgs{AgentState: models.PublicAgentState{AgentID: "agent-s"}}
	p, err := m.GetOrCreate(context.Background(), "agent-s", program.Source{Script: source}, args)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return p
}

func TestScriptProgramYieldsAndCompletes(t *testing.T) {
	var logs bytes.Buffer
	m := helperManager(t, &logs)
	p := startScript(t, m, `[{"toolName":"add_subgoal","input":{"id":"1"}},"STEP",{"echo":true}]`)
	if p.Kind() != program.KindScript {
		t.Fatalf("kind = %s", p.Kind())
	}

	ctx := context.Background()
	y, err := p.Resume(ctx, program.Feedback{})
	if err != nil {
		t.Fatalf("resume 1: %v", err)
	}
	if y.ToolCall == nil || y.ToolCall.ToolName != "add_subgoal" {
		t.Fatalf("yield 1 = %+v", y)
	}

	y, err = p.Resume(ctx, program.Feedback{ToolResult: models.TextResult("ok")})
	if err != nil || y.Control != program.ControlStep {
		t.Fatalf("yield 2 = %+v, %v", y, err)
	}

	y, err = p.Resume(ctx, program.Feedback{ToolResult: models.TextResult("fed back")})
	if err != nil || y.ToolCall == nil {
		t.Fatalf("yield 3 = %+v, %v", y, err)
	}
	echo, _ := json.Marshal(y.ToolCall.Input["echo"])
	if !strings.Contains(string(echo), "fed back") {
		t.Fatalf("feedback not delivered: %s", echo)
	}

	y, err = p.Resume(ctx, program.Feedback{})
	if err != nil || !y.Done {
		t.Fatalf("final = %+v, %v", y, err)
	}

	if !strings.Contains(logs.String(), "loaded for agent-s") {
		t.Fatalf("script log not forwarded: %s", logs.String())
	}
}

func TestScriptProgramThrow(t *testing.T) {
	var logs bytes.Buffer
	m := helperManager(t, &logs)
	p := startScript(t, m, `[{"throw":"TypeError: x is undefined"}]`)

	_, err := p.Resume(context.Background(), program.Feedback{})
	var pe *program.ProgramError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProgramError, got %v", err)
	}
	if pe.Message != "TypeError: x is undefined" || pe.Kind != program.KindScript {
		t.Fatalf("error = %+v", pe)
	}
}

func TestScriptProgramInterpreterCrash(t *testing.T) {
	var logs bytes.Buffer
	m := helperManager(t, &logs)
	p := startScript(t, m, `[{"exit":3}]`)

	_, err := p.Resume(context.Background(), program.Feedback{})
	if !program.IsProgramError(err) {
		t.Fatalf("expected ProgramError, got %v", err)
	}
	if !strings.Contains(err.Error(), "interpreter crashed") {
		t.Fatalf("stderr not surfaced: %v", err)
	}
}

func TestScriptProgramOversizedFrame(t *testing.T) {
	var logs bytes.Buffer
	m := helperManager(t, &logs)
	p := startScript(t, m, `[{"oversize":true}]`)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	_, err := p.Resume(ctx, program.Feedback{})
	if !program.IsProgramError(err) {
		t.Fatalf("expected ProgramError, got %v", err)
	}
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("resume waited for the deadline (%s)", time.Since(start))
	}

	y, err := p.Resume(context.Background(), program.Feedback{})
	if err != nil || !y.Done {
		t.Fatalf("resume after failure = %+v, %v", y, err)
	}
}

func TestScriptCreateFailures(t *testing.T) {
	tests := []struct {
		name   string
		source string
		opts   []Option
	}{
		{name: "malformed script", source: `not json`},
		{name: "startup timeout", source: "hang", opts: []Option{WithStartTimeout(200 * time.Millisecond)}},
		{name: "missing interpreter", source: `[]`, opts: []Option{WithCommand("/nonexistent/interpreter")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			m := helperManager(t, &logs, tt.opts...)
			_, err := m.GetOrCreate(context.Background(), "agent-f", program.Source{Script: tt.source}, program.InitArgs{})
			if !IsCreateError(err) {
				t.Fatalf("expected CreateError, got %v", err)
			}
			if m.Has("agent-f") {
				t.Fatal("failed sandbox registered")
			}
		})
	}
}

func TestScriptDisposeKillsInterpreter(t *testing.T) {
	var logs bytes.Buffer
	m := helperManager(t, &logs)
	p := startScript(t, m, `["STEP","STEP"]`)

	if _, err := p.Resume(context.Background(), program.Feedback{}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := m.Dispose("agent-s"); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if _, err := p.Resume(context.Background(), program.Feedback{}); !errors.Is(err, program.ErrProgramClosed) {
		t.Fatalf("resume after dispose = %v", err)
	}
}

func TestDockerCommand(t *testing.T) {
	s := &processStarter{cfg: Config{
		Backend:     BackendDocker,
		Interpreter: "node",
		DockerImage: "node:20-alpine",
		MemoryMB:    128,
		CPUMillis:   500,
	}}
	name, args := s.command("abc")
	if name != "docker" {
		t.Fatalf("name = %s", name)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"run -i --rm --name stepengine-abc",
		"--network none",
		"--cpus 0.50",
		"--memory 128m",
		"node:20-alpine node --max-old-space-size=128 -e",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("docker args missing %q", want)
		}
	}
}

func TestProcessCommandEmbedsHarness(t *testing.T) {
	s := &processStarter{cfg: defaultConfig()}
	name, args := s.command("abc")
	if name != "node" {
		t.Fatalf("name = %s", name)
	}
	if len(args) != 3 || args[1] != "-e" || !strings.Contains(args[2], "readline") {
		t.Fatalf("args = %v", args[:2])
	}
}
