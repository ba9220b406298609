package local

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/stepengine/internal/transport"
	"github.com/haasonsaas/stepengine/pkg/models"
)

func newChannel(t *testing.T) (*Channel, *bytes.Buffer) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	var out bytes.Buffer
	c, err := New(root, &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, &out
}

func TestSendSubagentChunk(t *testing.T) {
	c, out := newChannel(t)
	err := c.SendSubagentChunk(context.Background(), transport.SubagentChunk{AgentType: "planner", Chunk: "thinking"})
	if err != nil {
		t.Fatalf("SendSubagentChunk: %v", err)
	}
	if got := out.String(); got != "[planner] thinking\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestReadFiles(t *testing.T) {
	c, _ := newChannel(t)
	parts, err := c.RequestToolCall(context.Background(), models.ClientToolCall{
		ToolName: "read_files",
		Input:    map[string]any{"paths": []any{"main.go", "missing.go", "../etc/passwd"}},
	})
	if err != nil {
		t.Fatalf("RequestToolCall: %v", err)
	}
	files, ok := parts[0].Value.(map[string]any)
	if !ok {
		t.Fatalf("value = %T", parts[0].Value)
	}
	if files["main.go"] != "package main\n" {
		t.Fatalf("main.go = %v", files["main.go"])
	}
	for _, p := range []string{"missing.go", "../etc/passwd"} {
		entry, ok := files[p].(map[string]any)
		if !ok || entry["error"] == "" {
			t.Fatalf("%s = %v, want error entry", p, files[p])
		}
	}
}

func TestReadFilesRequiresPaths(t *testing.T) {
	c, _ := newChannel(t)
	_, err := c.RequestToolCall(context.Background(), models.ClientToolCall{ToolName: "read_files", Input: map[string]any{}})
	var tcErr *transport.ToolCallError
	if !errors.As(err, &tcErr) {
		t.Fatalf("expected ToolCallError, got %v", err)
	}
}

func TestRunTerminalCommand(t *testing.T) {
	c, _ := newChannel(t)
	tests := []struct {
		name     string
		command  string
		wantOut  string
		wantCode int
	}{
		{"success", "echo hi", "hi\n", 0},
		{"failure", "echo oops >&2; exit 3", "", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := c.RequestToolCall(context.Background(), models.ClientToolCall{
				ToolName: "run_terminal_command",
				Input:    map[string]any{"command": tt.command, "mode": "assistant"},
			})
			if err != nil {
				t.Fatalf("RequestToolCall: %v", err)
			}
			result := parts[0].Value.(map[string]any)
			if result["stdout"] != tt.wantOut {
				t.Fatalf("stdout = %q, want %q", result["stdout"], tt.wantOut)
			}
			if result["exitCode"] != tt.wantCode {
				t.Fatalf("exitCode = %v, want %d", result["exitCode"], tt.wantCode)
			}
		})
	}
}

func TestRunTerminalCommandRejectsEscapingCwd(t *testing.T) {
	c, _ := newChannel(t)
	_, err := c.RequestToolCall(context.Background(), models.ClientToolCall{
		ToolName: "run_terminal_command",
		Input:    map[string]any{"command": "pwd", "cwd": "../.."},
	})
	if err == nil || !strings.Contains(err.Error(), "outside the project root") {
		t.Fatalf("expected root escape error, got %v", err)
	}
}

func TestUnsupportedTool(t *testing.T) {
	c, _ := newChannel(t)
	_, err := c.RequestToolCall(context.Background(), models.ClientToolCall{ToolName: "browser_logs"})
	var tcErr *transport.ToolCallError
	if !errors.As(err, &tcErr) || tcErr.ToolName != "browser_logs" {
		t.Fatalf("expected ToolCallError, got %v", err)
	}
}
