// Package builtin provides the handlers for the tools every agent can
// call: turn control, subgoal tracking, message editing and the tools
// forwarded to the client.
package builtin

import (
	"fmt"

	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/tools"
)

// Tool names.
const (
	EndTurn            = "end_turn"
	AddSubgoal         = "add_subgoal"
	UpdateSubgoal      = "update_subgoal"
	AddMessage         = "add_message"
	SetMessages        = "set_messages"
	ThinkDeeply        = "think_deeply"
	ReadFiles          = "read_files"
	RunTerminalCommand = "run_terminal_command"
	CodeSearch         = "code_search"
	BrowserLogs        = "browser_logs"
	RunFileChangeHooks = "run_file_change_hooks"
	CreatePlan         = "create_plan"
)

type options struct {
	logger *observability.Logger
}

// Option configures the builtin handlers.
type Option func(*options)

// WithLogger sets the logger used by handlers that log.
func WithLogger(logger *observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Handlers returns every builtin handler.
func Handlers(opts ...Option) []tools.Handler {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = observability.NewNopLogger()
	}
	return []tools.Handler{
		endTurn{},
		addSubgoal{},
		updateSubgoal{},
		addMessage{},
		setMessages{},
		thinkDeeply{logger: o.logger},
		newRemote(ReadFiles, nil),
		newRemote(RunTerminalCommand, terminalInput),
		newRemote(CodeSearch, nil),
		newRemote(BrowserLogs, nil),
		newRemote(RunFileChangeHooks, nil),
		newRemote(CreatePlan, nil),
	}
}

// RegisterDefaults registers every builtin handler with reg.
func RegisterDefaults(reg *tools.Registry, opts ...Option) error {
	for _, h := range Handlers(opts...) {
		if err := reg.Register(h); err != nil {
			return fmt.Errorf("register %s: %w", h.Name(), err)
		}
	}
	return nil
}

