package models

import (
	"maps"
	"slices"

	"github.com/google/uuid"
)

// SubgoalStatus tracks progress of a subgoal.
type SubgoalStatus string

const (
	SubgoalNotStarted SubgoalStatus = "NOT_STARTED"
	SubgoalInProgress SubgoalStatus = "IN_PROGRESS"
	SubgoalComplete   SubgoalStatus = "COMPLETE"
	SubgoalAborted    SubgoalStatus = "ABORTED"
)

// Valid reports whether s is a known status.
func (s SubgoalStatus) Valid() bool {
	switch s {
	case SubgoalNotStarted, SubgoalInProgress, SubgoalComplete, SubgoalAborted:
		return true
	}
	return false
}

// Subgoal is a unit of planned work tracked in an agent's context.
type Subgoal struct {
	Objective string        `json:"objective,omitempty"`
	Status    SubgoalStatus `json:"status,omitempty"`
	Plan      string        `json:"plan,omitempty"`
	Logs      []string      `json:"logs"`
}

// Clone returns a deep copy of the subgoal.
func (s *Subgoal) Clone() *Subgoal {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Logs = slices.Clone(s.Logs)
	return &cp
}

// OutputErrorKey is the output key carrying a failure message.
const OutputErrorKey = "error"

// AgentState is the durable state of one agent instance, root or child.
type AgentState struct {
	AgentID           string              `json:"agentId"`
	ParentID          string              `json:"parentId,omitempty"`
	AgentType         string              `json:"agentType"`
	RunID             string              `json:"runId,omitempty"`
	MessageHistory    *MessageLog         `json:"messageHistory"`
	AgentContext      map[string]*Subgoal `json:"agentContext"`
	Output            map[string]any      `json:"output,omitempty"`
	DirectCreditsUsed int64               `json:"directCreditsUsed"`
	ChildRunIDs       []string            `json:"childRunIds"`
	StepsRemaining    int                 `json:"stepsRemaining"`
}

// NewAgentState creates a root agent state with a fresh id.
func NewAgentState(agentType string) *AgentState {
	return &AgentState{
		AgentID:        uuid.NewString(),
		AgentType:      agentType,
		MessageHistory: NewMessageLog(),
		AgentContext:   make(map[string]*Subgoal),
		Output:         make(map[string]any),
	}
}

// NewChildAgentState creates the state for an inline child agent. The
// history and agentContext are shared with the caller, not copied.
func NewChildAgentState(agentType string, parent *AgentState, history *MessageLog, agentContext map[string]*Subgoal) *AgentState {
	if history == nil {
		history = NewMessageLog()
	}
	if agentContext == nil {
		agentContext = make(map[string]*Subgoal)
	}
	child := &AgentState{
		AgentID:        uuid.NewString(),
		AgentType:      agentType,
		MessageHistory: history,
		AgentContext:   agentContext,
		Output:         make(map[string]any),
	}
	if parent != nil {
		child.ParentID = parent.AgentID
		child.StepsRemaining = parent.StepsRemaining
	}
	return child
}

// History returns the message log, allocating one if absent.
func (s *AgentState) History() *MessageLog {
	if s.MessageHistory == nil {
		s.MessageHistory = NewMessageLog()
	}
	return s.MessageHistory
}

// Clone returns a deep copy with an independent message log.
func (s *AgentState) Clone() *AgentState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.MessageHistory = s.History().Clone()
	cp.AgentContext = make(map[string]*Subgoal, len(s.AgentContext))
	for id, goal := range s.AgentContext {
		cp.AgentContext[id] = goal.Clone()
	}
	cp.Output = maps.Clone(s.Output)
	if cp.Output == nil {
		cp.Output = make(map[string]any)
	}
	cp.ChildRunIDs = slices.Clone(s.ChildRunIDs)
	return &cp
}

// AddCredits increases DirectCreditsUsed. Negative deltas are ignored so
// the counter never decreases.
func (s *AgentState) AddCredits(n int64) {
	if n > 0 {
		s.DirectCreditsUsed += n
	}
}

// AddChildRun records the run id of a spawned child.
func (s *AgentState) AddChildRun(runID string) {
	if runID != "" {
		s.ChildRunIDs = append(s.ChildRunIDs, runID)
	}
}

// SetError records a failure message in the output.
func (s *AgentState) SetError(msg string) {
	if s.Output == nil {
		s.Output = make(map[string]any)
	}
	s.Output[OutputErrorKey] = msg
}

// Error returns the recorded failure message, if any.
func (s *AgentState) Error() string {
	if s == nil || s.Output == nil {
		return ""
	}
	msg, _ := s.Output[OutputErrorKey].(string)
	return msg
}

// PublicAgentState is the read-only view handed to step programs.
type PublicAgentState struct {
	AgentID        string         `json:"agentId"`
	ParentID       string         `json:"parentId,omitempty"`
	MessageHistory []Message      `json:"messageHistory"`
	Output         map[string]any `json:"output,omitempty"`
}

// Public returns the program-facing view of the state.
func (s *AgentState) Public() PublicAgentState {
	history := s.History().Snapshot()
	if history == nil {
		history = []Message{}
	}
	return PublicAgentState{
		AgentID:        s.AgentID,
		ParentID:       s.ParentID,
		MessageHistory: history,
		Output:         maps.Clone(s.Output),
	}
}
