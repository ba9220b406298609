package models

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestMessageLogSharedHandle(t *testing.T) {
	log := NewMessageLog(Message{Role: RoleUser, Content: "hi"})
	parent := &AgentState{AgentID: "parent", MessageHistory: log}
	child := NewChildAgentState("worker", parent, parent.MessageHistory, nil)

	child.MessageHistory.Append(AssistantMessage("from child"))

	if got := parent.MessageHistory.Len(); got != 2 {
		t.Fatalf("parent history len = %d, want 2", got)
	}
	if child.ParentID != "parent" {
		t.Fatalf("child parent id = %q", child.ParentID)
	}
	if child.AgentID == "" || child.AgentID == parent.AgentID {
		t.Fatalf("child needs a fresh id, got %q", child.AgentID)
	}
}

func TestMessageLogReplaceVisibleThroughAlias(t *testing.T) {
	log := NewMessageLog(Message{Role: RoleUser, Content: "a"})
	alias := log
	log.Replace([]Message{{Role: RoleSystem, Content: "b"}, {Role: RoleUser, Content: "c"}})

	msgs := alias.Snapshot()
	if len(msgs) != 2 || msgs[0].Content != "b" {
		t.Fatalf("alias did not observe replace: %+v", msgs)
	}
}

func TestMessageLogConcurrentAppend(t *testing.T) {
	log := NewMessageLog()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Append(AssistantMessage("x"))
		}()
	}
	wg.Wait()
	if log.Len() != 50 {
		t.Fatalf("len = %d, want 50", log.Len())
	}
}

func TestAgentStateCloneIsIndependent(t *testing.T) {
	state := NewAgentState("base")
	state.History().Append(Message{Role: RoleUser, Content: "q"})
	state.AgentContext["g1"] = &Subgoal{Objective: "do", Logs: []string{"one"}}
	state.ChildRunIDs = []string{"r1"}

	cp := state.Clone()
	cp.History().Append(AssistantMessage("a"))
	cp.AgentContext["g1"].Logs = append(cp.AgentContext["g1"].Logs, "two")
	cp.ChildRunIDs[0] = "changed"
	cp.SetError("boom")

	if state.History().Len() != 1 {
		t.Fatalf("original history mutated")
	}
	if len(state.AgentContext["g1"].Logs) != 1 {
		t.Fatalf("original subgoal logs mutated")
	}
	if state.ChildRunIDs[0] != "r1" {
		t.Fatalf("original child runs mutated")
	}
	if state.Error() != "" {
		t.Fatalf("original output mutated")
	}
}

func TestAddCreditsMonotonic(t *testing.T) {
	state := NewAgentState("base")
	state.AddCredits(5)
	state.AddCredits(-3)
	state.AddCredits(0)
	if state.DirectCreditsUsed != 5 {
		t.Fatalf("credits = %d, want 5", state.DirectCreditsUsed)
	}
}

func TestAgentStateJSON(t *testing.T) {
	state := NewAgentState("base")
	state.History().Append(Message{Role: RoleUser, Content: "hello"})
	state.RunID = "run-1"

	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if _, ok := raw["messageHistory"].([]any); !ok {
		t.Fatalf("messageHistory should encode as array, got %T", raw["messageHistory"])
	}

	var decoded AgentState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.History().Len() != 1 || decoded.RunID != "run-1" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestPublicView(t *testing.T) {
	state := NewAgentState("base")
	state.ParentID = "p"
	state.SetError("bad")

	view := state.Public()
	if view.AgentID != state.AgentID || view.ParentID != "p" {
		t.Fatalf("view ids = %+v", view)
	}
	if view.MessageHistory == nil {
		t.Fatalf("history should be non-nil")
	}
	view.Output["error"] = "changed"
	if state.Error() != "bad" {
		t.Fatalf("public view must not alias output")
	}
}

func TestToolCallIncluded(t *testing.T) {
	no := false
	yes := true
	tests := []struct {
		name string
		call ToolCall
		want bool
	}{
		{"default", ToolCall{}, true},
		{"explicit true", ToolCall{IncludeToolCall: &yes}, true},
		{"excluded", ToolCall{IncludeToolCall: &no}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.call.Included(); got != tt.want {
				t.Fatalf("Included() = %v, want %v", got, tt.want)
			}
		})
	}
}
