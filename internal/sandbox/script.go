package sandbox

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/program"
)

//go:embed harness.js
var harnessJS string

const (
	maxFrameSize  = 8 << 20
	maxStderrSize = 64 << 10
	killGrace     = 5 * time.Second
)

// Frame types of the stdio protocol.
const (
	frameInit  = "init"
	frameStep  = "step"
	frameReady = "ready"
	frameYield = "yield"
	frameDone  = "done"
	frameError = "error"
	frameLog   = "log"
)

type frame struct {
	Type    string            `json:"type"`
	Source  string            `json:"source,omitempty"`
	Args    *program.InitArgs `json:"args,omitempty"`
	Input   *program.Feedback `json:"input,omitempty"`
	Value   json.RawMessage   `json:"value,omitempty"`
	Message string            `json:"message,omitempty"`
	Stack   string            `json:"stack,omitempty"`
	Level   string            `json:"level,omitempty"`
}

// processStarter launches one interpreter process per agent.
type processStarter struct {
	cfg Config
}

func (s *processStarter) Start(ctx context.Context, agentID, source string, args program.InitArgs) (program.Program, error) {
	name, argv := s.command(agentID)
	cmd := exec.Command(name, argv...)
	cmd.Env = s.env()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, s.createErr(agentID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, s.createErr(agentID, err)
	}
	stderr := &tailBuffer{max: maxStderrSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, s.createErr(agentID, fmt.Errorf("start interpreter: %w", err))
	}

	p := &scriptProgram{
		agentID: agentID,
		cmd:     cmd,
		stdin:   stdin,
		stderr:  stderr,
		frames:  make(chan frame),
		closing: make(chan struct{}),
		logger:  s.cfg.Logger.WithFields("component", "sandbox", "agent_id", agentID),
	}
	if s.cfg.Backend == BackendDocker && len(s.cfg.Command) == 0 {
		p.container = containerName(agentID)
	}
	go p.readLoop(stdout)

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	if err := p.handshake(startCtx, source, args); err != nil {
		_ = p.Close()
		return nil, s.createErr(agentID, err)
	}
	return p, nil
}

func (s *processStarter) createErr(agentID string, err error) error {
	return &CreateError{AgentID: agentID, Backend: s.cfg.Backend, Err: err}
}

func (s *processStarter) command(agentID string) (string, []string) {
	if len(s.cfg.Command) > 0 {
		return s.cfg.Command[0], s.cfg.Command[1:]
	}
	nodeArgs := []string{fmt.Sprintf("--max-old-space-size=%d", s.cfg.MemoryMB), "-e", harnessJS}
	if s.cfg.Backend != BackendDocker {
		return s.cfg.Interpreter, nodeArgs
	}
	args := []string{"run", "-i", "--rm", "--name", containerName(agentID)}
	args = append(args, dockerLimitArgs(s.cfg)...)
	args = append(args, s.cfg.DockerImage, s.cfg.Interpreter)
	args = append(args, nodeArgs...)
	return "docker", args
}

func dockerLimitArgs(cfg Config) []string {
	args := []string{}
	if !cfg.NetworkEnabled {
		args = append(args, "--network", "none")
	}
	args = append(args,
		"--cpus", fmt.Sprintf("%.2f", float64(cfg.CPUMillis)/1000.0),
		"--memory", fmt.Sprintf("%dm", cfg.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", cfg.MemoryMB),
		"--pids-limit", "100",
		"--ulimit", "nofile=1024:1024",
		"--read-only",
	)
	return args
}

func containerName(agentID string) string {
	return "stepengine-" + agentID
}

func (s *processStarter) env() []string {
	env := []string{"PATH=" + os.Getenv("PATH")}
	return append(env, s.cfg.Env...)
}

// scriptProgram is a program running in an interpreter process.
type scriptProgram struct {
	agentID   string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    *tailBuffer
	container string
	logger    *observability.Logger

	frames    chan frame
	closing   chan struct{}
	closeOnce sync.Once
	readErr   error
	exitErr   error

	// mu serializes Resume; Close must not take it so a hung script can
	// still be killed.
	mu     sync.Mutex
	done   bool
	closed atomic.Bool
}

func (p *scriptProgram) readLoop(r io.Reader) {
	defer close(p.frames)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			p.logger.Warn(context.Background(), "discarding non-protocol output", "line", scanner.Text())
			continue
		}
		if f.Type == frameLog {
			p.logger.Log(context.Background(), scriptLevel(f.Level), f.Message, "source", "script")
			continue
		}
		select {
		case p.frames <- f:
		case <-p.closing:
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			err = fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, maxFrameSize)
		}
		p.readErr = err
		p.logger.Error(context.Background(), "script output unreadable, killing interpreter",
			"agent_id", p.agentID,
			"error", err,
		)
		// The interpreter may still be waiting on stdin; Wait would block.
		p.kill()
	}
	p.exitErr = p.cmd.Wait()
}

func scriptLevel(level string) slog.Level {
	if level == "" {
		return slog.LevelDebug
	}
	return observability.LogLevelFromString(level)
}

func (p *scriptProgram) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write to interpreter: %w", err)
	}
	return nil
}

func (p *scriptProgram) await(ctx context.Context) (frame, error) {
	select {
	case f, ok := <-p.frames:
		if !ok {
			return frame{}, p.exitError()
		}
		return f, nil
	case <-ctx.Done():
		p.kill()
		return frame{}, ctx.Err()
	}
}

func (p *scriptProgram) exitError() error {
	if p.readErr != nil {
		return &program.ProgramError{
			Kind:    program.KindScript,
			Message: fmt.Sprintf("read script output: %v", p.readErr),
			Cause:   p.readErr,
		}
	}
	msg := "script interpreter exited"
	if p.exitErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, p.exitErr)
	}
	if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
		msg = fmt.Sprintf("%s: %s", msg, tail)
	}
	return &program.ProgramError{Kind: program.KindScript, Message: msg}
}

func (p *scriptProgram) handshake(ctx context.Context, source string, args program.InitArgs) error {
	if err := p.send(frame{Type: frameInit, Source: source, Args: &args}); err != nil {
		return err
	}
	f, err := p.await(ctx)
	if err != nil {
		return err
	}
	switch f.Type {
	case frameReady:
		return nil
	case frameError:
		return &program.ProgramError{Kind: program.KindScript, Message: f.Message, Stack: f.Stack}
	default:
		return fmt.Errorf("unexpected %q frame during init", f.Type)
	}
}

// Resume implements program.Program.
func (p *scriptProgram) Resume(ctx context.Context, fb program.Feedback) (program.Yield, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return program.Yield{}, program.ErrProgramClosed
	}
	if p.done {
		return program.Yield{Done: true}, nil
	}

	if err := p.send(frame{Type: frameStep, Input: &fb}); err != nil {
		p.done = true
		return program.Yield{}, &program.ProgramError{Kind: program.KindScript, Message: err.Error(), Cause: err}
	}
	f, err := p.await(ctx)
	if err != nil {
		p.done = true
		return program.Yield{}, err
	}

	switch f.Type {
	case frameYield:
		y, err := program.ParseYield(f.Value)
		if err != nil {
			p.done = true
			return program.Yield{}, &program.ProgramError{Kind: program.KindScript, Message: err.Error(), Cause: err}
		}
		return y, nil
	case frameDone:
		p.done = true
		return program.Yield{Done: true}, nil
	case frameError:
		p.done = true
		return program.Yield{}, &program.ProgramError{Kind: program.KindScript, Message: f.Message, Stack: f.Stack}
	default:
		p.done = true
		return program.Yield{}, &program.ProgramError{
			Kind:    program.KindScript,
			Message: fmt.Sprintf("unexpected %q frame", f.Type),
		}
	}
}

// Close kills the interpreter and releases its pipes.
func (p *scriptProgram) Close() error {
	p.closed.Store(true)
	p.kill()
	return nil
}

func (p *scriptProgram) kill() {
	p.closeOnce.Do(func() {
		close(p.closing)
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		if p.container != "" {
			ctx, cancel := context.WithTimeout(context.Background(), killGrace)
			defer cancel()
			_ = exec.CommandContext(ctx, "docker", "rm", "-f", p.container).Run()
		}
		go func() {
			// Drain so the reader reaches EOF and reaps the process.
			for range p.frames {
			}
		}()
	})
}

// Kind implements program.Program.
func (p *scriptProgram) Kind() program.Kind { return program.KindScript }

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
