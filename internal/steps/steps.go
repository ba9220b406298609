// Package steps records per-step accounting for agent runs.
package steps

import (
	"context"
	"slices"
	"time"
)

// Status is the outcome of one accounted step.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
)

// RunStatus is the state of an agent run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Entry is one accounted step of an agent run. Credits and child runs are
// deltas observed during the step.
type Entry struct {
	UserID       string    `json:"user_id,omitempty"`
	AgentRunID   string    `json:"agent_run_id"`
	StepNumber   int       `json:"step_number"`
	CreditsDelta int64     `json:"credits"`
	ChildRunIDs  []string  `json:"child_run_ids"`
	Status       Status    `json:"status"`
	StartTime    time.Time `json:"start_time"`
}

// RunStart describes a run to be created.
type RunStart struct {
	UserID      string
	AgentID     string
	AgentType   string
	ParentRunID string
}

// Run is a persisted agent run.
type Run struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	AgentID     string    `json:"agent_id"`
	AgentType   string    `json:"agent_type"`
	ParentRunID string    `json:"parent_run_id,omitempty"`
	Status      RunStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Recorder persists step entries.
type Recorder interface {
	AddAgentStep(ctx context.Context, entry Entry) error
}

// RunStarter creates agent runs and returns their ids.
type RunStarter interface {
	StartRun(ctx context.Context, run RunStart) (string, error)
}

// RunFinisher marks a run as finished.
type RunFinisher interface {
	FinishRun(ctx context.Context, runID string, status RunStatus) error
}

// Ledger is a complete accounting backend.
type Ledger interface {
	Recorder
	RunStarter
	RunFinisher
	Entries(ctx context.Context, runID string) ([]Entry, error)
	GetRun(ctx context.Context, runID string) (*Run, error)
	Close() error
}

func cloneEntry(e Entry) Entry {
	e.ChildRunIDs = slices.Clone(e.ChildRunIDs)
	if e.ChildRunIDs == nil {
		e.ChildRunIDs = []string{}
	}
	return e
}
