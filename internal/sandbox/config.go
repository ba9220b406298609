package sandbox

import (
	"time"

	"github.com/haasonsaas/stepengine/internal/observability"
)

// Backend selects where script interpreters run.
type Backend string

const (
	// BackendProcess runs the interpreter as a local child process.
	BackendProcess Backend = "process"
	// BackendDocker runs the interpreter in a throwaway container.
	BackendDocker Backend = "docker"
)

// Config holds sandbox settings shared by every script program a Manager
// starts.
type Config struct {
	Backend Backend

	// Interpreter is the JavaScript runtime binary.
	Interpreter string

	// Command replaces the whole interpreter invocation, harness included.
	// The process must speak the frame protocol on stdio.
	Command []string

	DockerImage    string
	MemoryMB       int
	CPUMillis      int
	NetworkEnabled bool
	StartTimeout   time.Duration

	// Env entries (KEY=VALUE) passed to the interpreter in addition to PATH.
	Env []string

	Logger  *observability.Logger
	Metrics *observability.Metrics

	starter ScriptStarter
}

func defaultConfig() Config {
	return Config{
		Backend:      BackendProcess,
		Interpreter:  "node",
		DockerImage:  "node:20-alpine",
		MemoryMB:     256,
		CPUMillis:    1000,
		StartTimeout: 10 * time.Second,
	}
}

// Option configures a Manager.
type Option func(*Config)

// WithBackend sets the interpreter backend.
func WithBackend(backend Backend) Option {
	return func(c *Config) {
		c.Backend = backend
	}
}

// WithInterpreter sets the JavaScript runtime binary.
func WithInterpreter(bin string) Option {
	return func(c *Config) {
		c.Interpreter = bin
	}
}

// WithCommand replaces the interpreter invocation.
func WithCommand(argv ...string) Option {
	return func(c *Config) {
		c.Command = argv
	}
}

// WithDockerImage sets the image used by the docker backend.
func WithDockerImage(image string) Option {
	return func(c *Config) {
		c.DockerImage = image
	}
}

// WithMemoryLimit sets the interpreter memory limit in megabytes.
func WithMemoryLimit(mb int) Option {
	return func(c *Config) {
		c.MemoryMB = mb
	}
}

// WithCPULimit sets the container CPU limit in millicores.
func WithCPULimit(millicores int) Option {
	return func(c *Config) {
		c.CPUMillis = millicores
	}
}

// WithNetworkEnabled allows network access from docker sandboxes.
func WithNetworkEnabled(enabled bool) Option {
	return func(c *Config) {
		c.NetworkEnabled = enabled
	}
}

// WithStartTimeout bounds how long interpreter startup may take.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.StartTimeout = d
	}
}

// WithEnv adds environment entries for the interpreter.
func WithEnv(env ...string) Option {
	return func(c *Config) {
		c.Env = append(c.Env, env...)
	}
}

// WithLogger sets the logger receiving sandbox diagnostics and script logs.
func WithLogger(logger *observability.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithScriptStarter replaces how script programs are started.
func WithScriptStarter(s ScriptStarter) Option {
	return func(c *Config) {
		c.starter = s
	}
}
