package steps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger keeps runs and entries in memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	order   []string
	entries map[string][]Entry
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		runs:    make(map[string]*Run),
		entries: make(map[string][]Entry),
	}
}

// StartRun creates a run.
func (l *MemoryLedger) StartRun(ctx context.Context, start RunStart) (string, error) {
	run := &Run{
		ID:          uuid.NewString(),
		UserID:      start.UserID,
		AgentID:     start.AgentID,
		AgentType:   start.AgentType,
		ParentRunID: start.ParentRunID,
		Status:      RunRunning,
		CreatedAt:   time.Now(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[run.ID] = run
	l.order = append(l.order, run.ID)
	return run.ID, nil
}

// FinishRun marks a run finished.
func (l *MemoryLedger) FinishRun(ctx context.Context, runID string, status RunStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	run.Status = status
	run.FinishedAt = time.Now()
	return nil
}

// AddAgentStep appends an entry. Entries are append-only.
func (l *MemoryLedger) AddAgentStep(ctx context.Context, entry Entry) error {
	if entry.AgentRunID == "" {
		return fmt.Errorf("agent run id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[entry.AgentRunID] = append(l.entries[entry.AgentRunID], cloneEntry(entry))
	return nil
}

// Entries returns the entries of a run in insertion order.
func (l *MemoryLedger) Entries(ctx context.Context, runID string) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.entries[runID]
	out := make([]Entry, len(src))
	for i, e := range src {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// GetRun returns a run by id, or nil if unknown.
func (l *MemoryLedger) GetRun(ctx context.Context, runID string) (*Run, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	run, ok := l.runs[runID]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

// Runs returns every run in creation order.
func (l *MemoryLedger) Runs() []Run {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Run, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.runs[id])
	}
	return out
}

// Close is a no-op.
func (l *MemoryLedger) Close() error {
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
