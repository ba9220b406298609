// Package sandbox keeps the live program contexts of agents: native
// coroutines and isolated script interpreters, keyed by agent id.
package sandbox

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/program"
)

// ScriptStarter starts a script program for an agent.
type ScriptStarter interface {
	Start(ctx context.Context, agentID, source string, args program.InitArgs) (program.Program, error)
}

// Manager is the registry of program contexts. At most one context exists
// per agent id. It also tracks which agents are running in batch mode.
//
// Managers are independent; tests construct their own.
type Manager struct {
	cfg     Config
	logger  *observability.Logger
	starter ScriptStarter

	mu       sync.Mutex
	programs map[string]program.Program
	stepAll  map[string]struct{}
	group    singleflight.Group
}

// NewManager creates an empty registry.
func NewManager(opts ...Option) *Manager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	starter := cfg.starter
	if starter == nil {
		starter = &processStarter{cfg: cfg}
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.WithFields("component", "sandbox"),
		starter:  starter,
		programs: make(map[string]program.Program),
		stepAll:  make(map[string]struct{}),
	}
}

// GetOrCreate returns the agent's program, creating and registering it from
// src if none exists. Concurrent calls for one agent create a single program.
func (m *Manager) GetOrCreate(ctx context.Context, agentID string, src program.Source, args program.InitArgs) (program.Program, error) {
	if p, ok := m.Get(agentID); ok {
		return p, nil
	}

	v, err, _ := m.group.Do(agentID, func() (any, error) {
		if p, ok := m.Get(agentID); ok {
			return p, nil
		}
		p, err := m.create(ctx, agentID, src, args)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.programs[agentID] = p
		m.mu.Unlock()
		m.cfg.Metrics.ProgramStarted(string(p.Kind()))
		m.logger.Debug(ctx, "program created", "agent_id", agentID, "kind", string(p.Kind()))
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(program.Program), nil
}

func (m *Manager) create(ctx context.Context, agentID string, src program.Source, args program.InitArgs) (program.Program, error) {
	switch {
	case src.Native != nil:
		return program.NewGenerator(src.Native, args), nil
	case src.Script != "":
		p, err := m.starter.Start(ctx, agentID, src.Script, args)
		if err != nil {
			m.cfg.Metrics.SandboxStartFailed(string(m.cfg.Backend))
			var ce *CreateError
			if errors.As(err, &ce) {
				return nil, err
			}
			return nil, &CreateError{AgentID: agentID, Backend: m.cfg.Backend, Err: err}
		}
		return p, nil
	default:
		return nil, ErrNoProgram
	}
}

// Get returns the agent's program if one is registered.
func (m *Manager) Get(agentID string) (program.Program, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.programs[agentID]
	return p, ok
}

// Has reports whether the agent has a registered program.
func (m *Manager) Has(agentID string) bool {
	_, ok := m.Get(agentID)
	return ok
}

// Len returns the number of registered programs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.programs)
}

// Dispose tears down the agent's program and clears its batch flag.
func (m *Manager) Dispose(agentID string) error {
	m.mu.Lock()
	p, ok := m.programs[agentID]
	delete(m.programs, agentID)
	delete(m.stepAll, agentID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.cfg.Metrics.ProgramDisposed(string(p.Kind()))
	return p.Close()
}

// DisposeAll tears down every program and clears all batch flags. It is
// safe to call on an empty registry.
func (m *Manager) DisposeAll() error {
	m.mu.Lock()
	programs := m.programs
	m.programs = make(map[string]program.Program)
	m.stepAll = make(map[string]struct{})
	m.mu.Unlock()

	var errs []error
	for agentID, p := range programs {
		m.cfg.Metrics.ProgramDisposed(string(p.Kind()))
		if err := p.Close(); err != nil {
			errs = append(errs, err)
			m.logger.Warn(context.Background(), "failed to dispose program", "agent_id", agentID, "error", err)
		}
	}
	return errors.Join(errs...)
}

// MarkStepAll flags the agent as running in batch mode.
func (m *Manager) MarkStepAll(agentID string) {
	m.mu.Lock()
	m.stepAll[agentID] = struct{}{}
	m.mu.Unlock()
}

// ClearStepAll removes the agent's batch flag.
func (m *Manager) ClearStepAll(agentID string) {
	m.mu.Lock()
	delete(m.stepAll, agentID)
	m.mu.Unlock()
}

// StepAllPending reports whether the agent is flagged for batch mode.
func (m *Manager) StepAllPending(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stepAll[agentID]
	return ok
}
