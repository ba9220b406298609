// Package local implements transport.Channel for running agents from the
// command line: output goes to a writer and client tools run on this
// machine inside a project root.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/stepengine/internal/transport"
	"github.com/haasonsaas/stepengine/pkg/models"
)

const (
	defaultCommandTimeout = 30 * time.Second
	maxFileBytes          = 1 << 20
	maxOutputBytes        = 64 << 10
)

// Channel runs client tools locally.
type Channel struct {
	root string
	out  io.Writer

	mu sync.Mutex
}

// New returns a channel rooted at root writing chunks to out.
func New(root string, out io.Writer) (*Channel, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	if out == nil {
		out = io.Discard
	}
	return &Channel{root: abs, out: out}, nil
}

// Root returns the absolute project root.
func (c *Channel) Root() string {
	return c.root
}

// SendSubagentChunk prints the chunk prefixed with the agent type.
func (c *Channel) SendSubagentChunk(_ context.Context, chunk transport.SubagentChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "[%s] %s\n", chunk.AgentType, chunk.Chunk)
	return err
}

// RequestToolCall answers read_files and run_terminal_command.
func (c *Channel) RequestToolCall(ctx context.Context, call models.ClientToolCall) ([]models.ToolResultPart, error) {
	switch call.ToolName {
	case "read_files":
		return c.readFiles(call.Input)
	case "run_terminal_command":
		return c.runCommand(ctx, call)
	default:
		return nil, &transport.ToolCallError{ToolName: call.ToolName, Message: "not supported by the local channel"}
	}
}

func (c *Channel) readFiles(input map[string]any) ([]models.ToolResultPart, error) {
	paths, err := stringList(input["paths"])
	if err != nil {
		return nil, &transport.ToolCallError{ToolName: "read_files", Message: err.Error()}
	}
	files := make(map[string]any, len(paths))
	for _, p := range paths {
		full, err := c.resolve(p)
		if err != nil {
			files[p] = map[string]any{"error": err.Error()}
			continue
		}
		data, err := readLimited(full)
		if err != nil {
			files[p] = map[string]any{"error": err.Error()}
			continue
		}
		files[p] = string(data)
	}
	return models.JSONResult(files), nil
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", maxFileBytes)
	}
	return data, nil
}

func (c *Channel) runCommand(ctx context.Context, call models.ClientToolCall) ([]models.ToolResultPart, error) {
	command, _ := call.Input["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, &transport.ToolCallError{ToolName: call.ToolName, Message: "command is required"}
	}
	dir := c.root
	if cwd, _ := call.Input["cwd"].(string); cwd != "" {
		resolved, err := c.resolve(cwd)
		if err != nil {
			return nil, &transport.ToolCallError{ToolName: call.ToolName, Message: err.Error()}
		}
		dir = resolved
	}

	timeout := call.Timeout
	switch secs := call.Input["timeout_seconds"].(type) {
	case float64:
		timeout = time.Duration(secs * float64(time.Second))
	case int:
		timeout = time.Duration(secs) * time.Second
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return models.JSONResult(map[string]any{
		"command":  command,
		"stdout":   truncate(stdout.String()),
		"stderr":   truncate(stderr.String()),
		"exitCode": exitCode,
	}), nil
}

// resolve maps a client path into the project root, rejecting escapes.
func (c *Channel) resolve(p string) (string, error) {
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(c.root, p)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(c.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the project root", p)
	}
	return full, nil
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n[output truncated]"
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("paths must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("paths is required")
	default:
		return nil, fmt.Errorf("paths must be a list")
	}
}

var _ transport.Channel = (*Channel)(nil)
