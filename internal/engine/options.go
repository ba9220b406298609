package engine

import (
	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/sandbox"
	"github.com/haasonsaas/stepengine/internal/steps"
	"github.com/haasonsaas/stepengine/internal/tools"
)

const (
	// DefaultEndTurnTool is the tool that ends a turn once it has run.
	DefaultEndTurnTool = "end_turn"

	// DefaultMaxSteps bounds the ticks of one RunToCompletion call.
	DefaultMaxSteps = 25
)

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry sets the tool registry the default dispatcher uses.
func WithRegistry(registry *tools.Registry) Option {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithDispatcher replaces the default dispatcher.
func WithDispatcher(dispatcher *tools.Dispatcher) Option {
	return func(e *Engine) {
		e.dispatcher = dispatcher
	}
}

// WithSandbox sets the program context registry.
func WithSandbox(manager *sandbox.Manager) Option {
	return func(e *Engine) {
		e.sandbox = manager
	}
}

// WithRecorder sets where step entries are written. A recorder that also
// implements steps.RunFinisher is told when RunToCompletion finishes a run.
func WithRecorder(recorder steps.Recorder) Option {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithEndTurnTool changes the name of the end-of-turn tool.
func WithEndTurnTool(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.endTurnTool = name
		}
	}
}

// WithMaxSteps bounds RunToCompletion.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithModelStepper runs a model step between ticks of RunToCompletion.
func WithModelStepper(stepper ModelStepper) Option {
	return func(e *Engine) {
		e.stepper = stepper
	}
}

// WithToolAllowlist makes the default dispatcher reject tools missing from
// the agent template's tool names.
func WithToolAllowlist(enabled bool) Option {
	return func(e *Engine) {
		e.toolAllowlist = enabled
	}
}
