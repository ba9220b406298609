package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLoggerIncludesCorrelationIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := AddAgentID(context.Background(), "agent-1")
	ctx = AddRunID(ctx, "run-9")
	logger.Info(ctx, "step recorded", "step", 3)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log: %v (%s)", err, buf.String())
	}
	if record["agent_id"] != "agent-1" {
		t.Errorf("agent_id = %v", record["agent_id"])
	}
	if record["run_id"] != "run-9" {
		t.Errorf("run_id = %v", record["run_id"])
	}
	if record["step"] != float64(3) {
		t.Errorf("step = %v", record["step"])
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Error(context.Background(), "tool failed",
		"error", errors.New("api_key=abcdefghijklmnopqrstuvwxyz"),
		"input", map[string]any{"password": "hunter22", "path": "a.go"},
	)

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz") {
		t.Errorf("api key leaked: %s", out)
	}
	if strings.Contains(out, "hunter22") {
		t.Errorf("password leaked: %s", out)
	}
	if !strings.Contains(out, "a.go") {
		t.Errorf("non-sensitive field dropped: %s", out)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})
	logger.Debug(context.Background(), "hidden")
	logger.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %s", buf.String())
	}
	logger.Warn(context.Background(), "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn not logged")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"info":    "INFO",
		"warning": "WARN",
		"error":   "ERROR",
		"bogus":   "INFO",
	}
	for in, want := range tests {
		if got := LogLevelFromString(in).String(); got != want {
			t.Errorf("LogLevelFromString(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestMetricsRecordStep(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordStep("completed")
	m.RecordStep("completed")
	m.RecordStep("skipped")

	expected := `
		# HELP stepengine_steps_total Total number of recorded agent steps by status
		# TYPE stepengine_steps_total counter
		stepengine_steps_total{status="completed"} 2
		stepengine_steps_total{status="skipped"} 1
	`
	if err := testutil.CollectAndCompare(m.StepsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestMetricsToolDispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordToolDispatch("end_turn", nil, 10*time.Millisecond)
	m.RecordToolDispatch("read_files", errors.New("x"), time.Second)

	if got := testutil.ToFloat64(m.ToolDispatchTotal.WithLabelValues("read_files", "error")); got != 1 {
		t.Errorf("error count = %v", got)
	}
	if count := testutil.CollectAndCount(m.ToolDispatchDuration); count != 2 {
		t.Errorf("histogram series = %d, want 2", count)
	}
}

func TestMetricsActivePrograms(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ProgramStarted("native")
	m.ProgramStarted("native")
	m.ProgramDisposed("native")
	if got := testutil.ToFloat64(m.ActivePrograms.WithLabelValues("native")); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordStep("completed")
	m.RecordTurn("ended")
	m.RecordToolDispatch("x", nil, time.Millisecond)
	m.ProgramStarted("native")
	m.ProgramDisposed("native")
	m.SandboxStartFailed("process")
	m.AccountingWarning("missing_run_id")
	m.RecordChildSpawn("base", nil)
}

func TestNoopTracer(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	ctx, span := tracer.TraceRunStep(context.Background(), "a", "base")
	if ctx == nil || span == nil {
		t.Fatal("expected context and span")
	}
	RecordError(span, errors.New("fail"))
	span.End()

	var nilTracer *Tracer
	_, span = nilTracer.TraceToolDispatch(context.Background(), "end_turn", "id")
	span.End()
}
