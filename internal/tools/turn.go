package tools

import (
	"context"
	"maps"
	"sync"

	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/templates"
	"github.com/haasonsaas/stepengine/internal/transport"
	"github.com/haasonsaas/stepengine/pkg/models"
)

// TurnState is the execution state of one turn. It is owned by the turn
// and discarded when the turn ends; handlers touch it only after their
// ordering token.
type TurnState struct {
	// AgentState is the working copy returned at the end of the turn.
	AgentState *models.AgentState

	// Messages is the latest message view. Child agents share it and may
	// re-point it; the dispatcher copies it back into AgentState after
	// every call.
	Messages *models.MessageLog

	AgentContext map[string]*models.Subgoal

	Template       *templates.AgentTemplate
	LocalTemplates map[string]*templates.AgentTemplate

	Channel transport.Channel

	UserID          string
	UserInputID     string
	ClientSessionID string
	FingerprintID   string
	RepoID          string
	AgentStepID     string
	FileContext     models.FileContext

	// OnResponseChunk receives text streamed to the response writer.
	OnResponseChunk func(chunk string)

	// Values holds handler-specific state merged from patches.
	Values map[string]any

	// SendSubagentChunk overrides Channel.SendSubagentChunk when set.
	SendSubagentChunk func(ctx context.Context, chunk transport.SubagentChunk) error

	mu   sync.Mutex
	tail <-chan struct{}
}

// NewTurnState builds the working state for a turn from the agent's
// persisted state. The agent state, its subgoals and its message history
// are copied so the caller's state is untouched until the turn returns.
func NewTurnState(state *models.AgentState) *TurnState {
	working := state.Clone()
	return &TurnState{
		AgentState:   working,
		Messages:     working.History(),
		AgentContext: working.AgentContext,
		Values:       make(map[string]any),
	}
}

// acquire hands out the ordering token of the previous call and a release
// function for the caller's own token.
func (t *TurnState) acquire() (prev <-chan struct{}, release func()) {
	own := make(chan struct{})
	t.mu.Lock()
	prev = t.tail
	t.tail = own
	t.mu.Unlock()

	var once sync.Once
	return prev, func() { once.Do(func() { close(own) }) }
}

// WriteToClient sends a chunk to the response writer, if any.
func (t *TurnState) WriteToClient(chunk string) {
	if t.OnResponseChunk != nil {
		t.OnResponseChunk(chunk)
	}
}

// sendSubagentChunk forwards chunk for the current agent. Delivery errors
// are logged; the client may have gone away mid-turn.
func (t *TurnState) sendSubagentChunk(ctx context.Context, logger *observability.Logger, chunk string) {
	msg := transport.SubagentChunk{
		UserInputID: t.UserInputID,
		AgentID:     t.AgentState.AgentID,
		AgentType:   t.AgentState.AgentType,
		Chunk:       chunk,
	}
	var err error
	switch {
	case t.SendSubagentChunk != nil:
		err = t.SendSubagentChunk(ctx, msg)
	case t.Channel != nil:
		err = t.Channel.SendSubagentChunk(ctx, msg)
	}
	if err != nil {
		logger.Warn(ctx, "failed to send subagent chunk", "error", err)
	}
}

// apply merges p into the turn.
func (t *TurnState) apply(p *StatePatch) {
	if p == nil {
		return
	}
	if p.AgentContext != nil {
		t.AgentContext = p.AgentContext
		t.AgentState.AgentContext = p.AgentContext
	}
	if p.Credits > 0 {
		t.AgentState.AddCredits(p.Credits)
	}
	if len(p.Values) > 0 {
		if t.Values == nil {
			t.Values = make(map[string]any, len(p.Values))
		}
		maps.Copy(t.Values, p.Values)
	}
}

// SyncHistory points the working agent state at the latest message view.
func (t *TurnState) SyncHistory() {
	t.AgentState.MessageHistory = t.Messages
}

// CloneAgentContext returns a deep copy of the turn's subgoals, for handlers
// building a patch.
func (t *TurnState) CloneAgentContext() map[string]*models.Subgoal {
	out := make(map[string]*models.Subgoal, len(t.AgentContext))
	for id, sg := range t.AgentContext {
		out[id] = sg.Clone()
	}
	return out
}
