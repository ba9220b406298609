package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/stepengine/internal/program"
)

func nativeSource() program.Source {
	return program.Source{Native: func(y *program.Yielder, args program.InitArgs) error {
		_, err := y.Step()
		return err
	}}
}

func TestGetOrCreateReusesProgram(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, "agent-1", nativeSource(), program.InitArgs{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := m.GetOrCreate(ctx, "agent-1", nativeSource(), program.InitArgs{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if first != second {
		t.Fatal("expected the same program for one agent")
	}
	if first.Kind() != program.KindNative {
		t.Fatalf("kind = %s", first.Kind())
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d, want 1", m.Len())
	}
}

type countingStarter struct {
	calls atomic.Int32
	err   error
}

func (s *countingStarter) Start(ctx context.Context, agentID, source string, args program.InitArgs) (program.Program, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return program.NewGenerator(func(y *program.Yielder, args program.InitArgs) error { return nil }, args), nil
}

func TestGetOrCreateConcurrentSingleProgram(t *testing.T) {
	starter := &countingStarter{}
	m := NewManager(WithScriptStarter(starter))

	var wg sync.WaitGroup
	results := make([]program.Program, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := m.GetOrCreate(context.Background(), "agent-x", program.Source{Script: "function*(){}"}, program.InitArgs{})
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			results[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range results[1:] {
		if p != results[0] {
			t.Fatal("concurrent callers received different programs")
		}
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d, want 1", m.Len())
	}
	if starter.calls.Load() > 20 {
		t.Fatalf("unexpected start count %d", starter.calls.Load())
	}
}

func TestGetOrCreateStartFailureIsTyped(t *testing.T) {
	m := NewManager(WithScriptStarter(&countingStarter{err: errors.New("out of memory")}))

	_, err := m.GetOrCreate(context.Background(), "agent-1", program.Source{Script: "x"}, program.InitArgs{})
	var ce *CreateError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CreateError, got %v", err)
	}
	if ce.AgentID != "agent-1" {
		t.Fatalf("agent id = %q", ce.AgentID)
	}
	if m.Has("agent-1") {
		t.Fatal("failed program must not be registered")
	}
}

func TestGetOrCreateWithoutSource(t *testing.T) {
	m := NewManager()
	_, err := m.GetOrCreate(context.Background(), "a", program.Source{}, program.InitArgs{})
	if !errors.Is(err, ErrNoProgram) {
		t.Fatalf("expected ErrNoProgram, got %v", err)
	}
}

func TestDisposeClosesProgramAndFlag(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	p, err := m.GetOrCreate(ctx, "agent-1", nativeSource(), program.InitArgs{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := p.Resume(ctx, program.Feedback{}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	m.MarkStepAll("agent-1")

	if err := m.Dispose("agent-1"); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if m.Has("agent-1") || m.StepAllPending("agent-1") {
		t.Fatal("dispose left state behind")
	}
	if _, err := p.Resume(ctx, program.Feedback{}); !errors.Is(err, program.ErrProgramClosed) {
		t.Fatalf("resume after dispose = %v", err)
	}
	if err := m.Dispose("agent-1"); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
}

func TestDisposeAllIdempotent(t *testing.T) {
	m := NewManager()
	if err := m.DisposeAll(); err != nil {
		t.Fatalf("DisposeAll on empty: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.GetOrCreate(context.Background(), id, nativeSource(), program.InitArgs{}); err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
	}
	m.MarkStepAll("b")

	if err := m.DisposeAll(); err != nil {
		t.Fatalf("DisposeAll: %v", err)
	}
	if m.Len() != 0 || m.StepAllPending("b") {
		t.Fatal("registry not empty after DisposeAll")
	}
	if err := m.DisposeAll(); err != nil {
		t.Fatalf("second DisposeAll: %v", err)
	}
	if m.Len() != 0 {
		t.Fatal("registry not empty after second DisposeAll")
	}
}

func TestStepAllFlags(t *testing.T) {
	m := NewManager()
	if m.StepAllPending("a") {
		t.Fatal("unexpected flag")
	}
	m.MarkStepAll("a")
	if !m.StepAllPending("a") {
		t.Fatal("flag not set")
	}
	m.ClearStepAll("a")
	if m.StepAllPending("a") {
		t.Fatal("flag not cleared")
	}
}

func TestIndependentManagers(t *testing.T) {
	a := NewManager()
	b := NewManager()
	if _, err := a.GetOrCreate(context.Background(), "x", nativeSource(), program.InitArgs{}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if b.Has("x") {
		t.Fatal("managers share state")
	}
}
