// Package observability carries the logging, metrics and tracing used by the
// step engine.
//
// # Logging
//
// Logger wraps log/slog with secret redaction and pulls correlation ids
// (agent, run, tool call, user input) out of the context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.AddAgentID(ctx, state.AgentID)
//	logger.Info(ctx, "step dispatched", "tool", "add_subgoal")
//
// # Metrics
//
// Metrics registers Prometheus collectors against a caller supplied
// registerer so tests can use an isolated registry:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordStep("completed")
//
// # Tracing
//
// NewTracer returns an OpenTelemetry tracer exporting over OTLP/gRPC, or a
// no-op tracer when no endpoint is configured.
package observability
