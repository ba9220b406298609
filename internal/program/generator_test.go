package program

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/stepengine/pkg/models"
)

func TestGeneratorYieldsAndCompletes(t *testing.T) {
	var seen []models.ToolResultPart
	gen := NewGenerator(func(y *Yielder, args InitArgs) error {
		fb, err := y.Call(ToolCallRequest{ToolName: "add_message", Input: map[string]any{"content": args.Prompt}})
		if err != nil {
			return err
		}
		seen = fb.ToolResult
		if _, err := y.Step(); err != nil {
			return err
		}
		return nil
	}, InitArgs{Prompt: "hello"})
	defer gen.Close()

	ctx := context.Background()
	y, err := gen.Resume(ctx, Feedback{})
	if err != nil {
		t.Fatalf("first resume: %v", err)
	}
	if y.ToolCall == nil || y.ToolCall.ToolName != "add_message" {
		t.Fatalf("expected tool call, got %+v", y)
	}
	if y.ToolCall.Input["content"] != "hello" {
		t.Fatalf("input = %+v", y.ToolCall.Input)
	}

	y, err = gen.Resume(ctx, Feedback{ToolResult: models.TextResult("ok")})
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}
	if y.Control != ControlStep {
		t.Fatalf("expected STEP, got %+v", y)
	}
	if len(seen) != 1 || seen[0].Value != "ok" {
		t.Fatalf("program saw %+v", seen)
	}

	y, err = gen.Resume(ctx, Feedback{StepsComplete: true})
	if err != nil {
		t.Fatalf("third resume: %v", err)
	}
	if !y.Done {
		t.Fatalf("expected done, got %+v", y)
	}

	y, err = gen.Resume(ctx, Feedback{})
	if err != nil || !y.Done {
		t.Fatalf("resume after done = %+v, %v", y, err)
	}
}

func TestGeneratorReturnedError(t *testing.T) {
	boom := errors.New("boom")
	gen := NewGenerator(func(y *Yielder, args InitArgs) error {
		return boom
	}, InitArgs{})
	defer gen.Close()

	_, err := gen.Resume(context.Background(), Feedback{})
	var pe *ProgramError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProgramError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause")
	}
	if pe.Error() != "boom" {
		t.Fatalf("message = %q", pe.Error())
	}
}

func TestGeneratorPanicIsIsolated(t *testing.T) {
	gen := NewGenerator(func(y *Yielder, args InitArgs) error {
		if _, err := y.StepAll(); err != nil {
			return err
		}
		var m map[string]int
		m["x"] = 1
		return nil
	}, InitArgs{})
	defer gen.Close()

	ctx := context.Background()
	y, err := gen.Resume(ctx, Feedback{})
	if err != nil || y.Control != ControlStepAll {
		t.Fatalf("first resume = %+v, %v", y, err)
	}
	_, err = gen.Resume(ctx, Feedback{StepsComplete: true})
	var pe *ProgramError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProgramError, got %v", err)
	}
	if !strings.HasPrefix(pe.Message, "panic:") {
		t.Fatalf("message = %q", pe.Message)
	}
	if pe.Stack == "" {
		t.Fatalf("expected stack")
	}
}

func TestGeneratorCloseStopsProgram(t *testing.T) {
	stopped := make(chan error, 1)
	gen := NewGenerator(func(y *Yielder, args InitArgs) error {
		_, err := y.Step()
		stopped <- err
		return err
	}, InitArgs{})

	if _, err := gen.Resume(context.Background(), Feedback{}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := gen.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-stopped; !errors.Is(err, ErrProgramClosed) {
		t.Fatalf("program saw %v, want ErrProgramClosed", err)
	}
	if _, err := gen.Resume(context.Background(), Feedback{}); !errors.Is(err, ErrProgramClosed) {
		t.Fatalf("resume after close = %v", err)
	}
	if err := gen.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestGeneratorContextVisible(t *testing.T) {
	type key struct{}
	var got any
	gen := NewGenerator(func(y *Yielder, args InitArgs) error {
		got = y.Context().Value(key{})
		return nil
	}, InitArgs{})
	defer gen.Close()

	ctx := context.WithValue(context.Background(), key{}, "v")
	if _, err := gen.Resume(ctx, Feedback{}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got != "v" {
		t.Fatalf("context value = %v", got)
	}
}

func TestParseYield(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Yield
		wantErr bool
	}{
		{name: "step", raw: `"STEP"`, want: Yield{Control: ControlStep}},
		{name: "step all", raw: `"STEP_ALL"`, want: Yield{Control: ControlStepAll}},
		{name: "unknown control", raw: `"JUMP"`, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
		{name: "missing tool name", raw: `{"input":{}}`, wantErr: true},
		{name: "tool call", raw: `{"toolName":"end_turn"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseYield(json.RawMessage(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidYield) {
					t.Fatalf("expected ErrInvalidYield, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want.Control != "" && got.Control != tt.want.Control {
				t.Fatalf("control = %q", got.Control)
			}
			if tt.name == "tool call" {
				if got.ToolCall == nil || got.ToolCall.ToolName != "end_turn" || got.ToolCall.Input == nil {
					t.Fatalf("tool call = %+v", got.ToolCall)
				}
			}
		})
	}
}
