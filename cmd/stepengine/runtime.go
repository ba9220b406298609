package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/stepengine/internal/config"
	"github.com/haasonsaas/stepengine/internal/engine"
	"github.com/haasonsaas/stepengine/internal/observability"
	"github.com/haasonsaas/stepengine/internal/sandbox"
	"github.com/haasonsaas/stepengine/internal/steps"
	"github.com/haasonsaas/stepengine/internal/templates"
	"github.com/haasonsaas/stepengine/internal/tools"
	"github.com/haasonsaas/stepengine/internal/tools/builtin"
	"github.com/haasonsaas/stepengine/internal/tools/subagent"
)

// runtime holds every component a command needs, built from one config.
type runtime struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	registry  *prometheus.Registry
	tracer    *observability.Tracer
	ledger    steps.Ledger
	templates *templates.Registry
	engine    *engine.Engine

	metricsServer  *http.Server
	shutdownTracer func(context.Context) error
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newTemplateRegistry builds the template registry with the builtins and
// every configured directory loaded.
func newTemplateRegistry(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*templates.Registry, error) {
	reg := templates.NewRegistry(
		templates.WithDirs(cfg.Templates.Dirs...),
		templates.WithLogger(logger),
		templates.WithWatchDebounce(cfg.Templates.WatchDebounce),
		templates.WithReloadHook(func(count int, err error) {
			if err != nil {
				logger.Warn(ctx, "template reload finished with errors", "count", count, "error", err)
			}
		}),
	)
	if err := templates.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	if _, err := reg.Load(ctx); err != nil {
		logger.Warn(ctx, "some templates failed to load", "error", err)
	}
	return reg, nil
}

// newRuntime wires the engine from cfg. logOut receives log records.
func newRuntime(ctx context.Context, cfg *config.Config, logOut io.Writer) (*runtime, error) {
	rt := &runtime{cfg: cfg}
	rt.logger = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: logOut,
	})

	rt.registry = prometheus.NewRegistry()
	rt.metrics = observability.NewMetrics(rt.registry)
	rt.tracer, rt.shutdownTracer = observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	ledger, err := steps.NewLedger(ctx, steps.Config{
		Driver:          cfg.Ledger.Driver,
		DSN:             cfg.Ledger.DSN,
		MaxOpenConns:    cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    cfg.Ledger.MaxIdleConns,
		ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
		CreateSchema:    cfg.Ledger.CreateSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	rt.ledger = ledger

	rt.templates, err = newTemplateRegistry(ctx, cfg, rt.logger)
	if err != nil {
		_ = ledger.Close()
		return nil, err
	}

	manager := sandbox.NewManager(
		sandbox.WithBackend(sandbox.Backend(cfg.Sandbox.Backend)),
		sandbox.WithInterpreter(cfg.Sandbox.Interpreter),
		sandbox.WithCommand(cfg.Sandbox.Command...),
		sandbox.WithDockerImage(cfg.Sandbox.DockerImage),
		sandbox.WithMemoryLimit(cfg.Sandbox.MemoryMB),
		sandbox.WithCPULimit(cfg.Sandbox.CPUMillis),
		sandbox.WithNetworkEnabled(cfg.Sandbox.NetworkEnabled),
		sandbox.WithStartTimeout(cfg.Sandbox.StartTimeout),
		sandbox.WithEnv(cfg.Sandbox.Env...),
		sandbox.WithLogger(rt.logger),
		sandbox.WithMetrics(rt.metrics),
	)

	toolRegistry := tools.NewRegistry()
	if err := builtin.RegisterDefaults(toolRegistry, builtin.WithLogger(rt.logger)); err != nil {
		_ = ledger.Close()
		return nil, err
	}

	rt.engine = engine.New(
		engine.WithRegistry(toolRegistry),
		engine.WithSandbox(manager),
		engine.WithRecorder(ledger),
		engine.WithLogger(rt.logger),
		engine.WithMetrics(rt.metrics),
		engine.WithTracer(rt.tracer),
		engine.WithEndTurnTool(cfg.Engine.EndTurnTool),
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithToolAllowlist(cfg.Engine.ToolAllowlist),
	)

	spawner := subagent.NewInlineSpawner(rt.engine, rt.templates,
		subagent.WithRunStarter(ledger),
		subagent.WithValidator(templates.NewValidator(cfg.Templates.SchemaCacheSize)),
		subagent.WithLogger(rt.logger),
		subagent.WithMetrics(rt.metrics),
	)
	if err := toolRegistry.Register(spawner); err != nil {
		_ = ledger.Close()
		return nil, err
	}

	if cfg.Templates.Watch {
		if err := rt.templates.StartWatching(ctx); err != nil {
			rt.logger.Warn(ctx, "template watching disabled", "error", err)
		}
	}
	return rt, nil
}

// serveMetrics exposes the runtime's metrics until ctx is done.
func (rt *runtime) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	rt.metricsServer = &http.Server{
		Addr:              rt.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.metricsServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rt.metricsServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// Close disposes every program and releases the ledger and tracer.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.engine != nil {
		errs = append(errs, rt.engine.ClearAllExecutionState())
	}
	if rt.templates != nil {
		errs = append(errs, rt.templates.Close())
	}
	if rt.ledger != nil {
		errs = append(errs, rt.ledger.Close())
	}
	if rt.shutdownTracer != nil {
		errs = append(errs, rt.shutdownTracer(ctx))
	}
	return errors.Join(errs...)
}
