package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Metrics holds the kernel's instruments. The zero value is a no-op
// recorder, so callers never check for nil instruments.
type Metrics struct {
	turns       metric.Int64Counter
	verdicts    metric.Int64Counter
	evictions   metric.Int64Counter
	llmDuration metric.Float64Histogram
	llmTokens   metric.Int64Counter
	llmErrors   metric.Int64Counter
	toolCalls   metric.Int64Counter
	toolErrors  metric.Int64Counter
}

var (
	globalMetrics *Metrics
	metricsMu     sync.RWMutex
)

// InitMetrics builds the otel meter backed by a prometheus exporter and
// installs the resulting Metrics as the process-wide recorder.
func InitMetrics(_ context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		m := &Metrics{}
		SetGlobalMetrics(m)
		return m, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter(DefaultServiceName)

	m := &Metrics{}

	if m.turns, err = meter.Int64Counter(
		"amnesic_turns_total",
		metric.WithDescription("Total decision turns across all sessions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}

	if m.verdicts, err = meter.Int64Counter(
		"amnesic_verdicts_total",
		metric.WithDescription("Gatekeeper verdicts by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create verdicts counter: %w", err)
	}

	if m.evictions, err = meter.Int64Counter(
		"amnesic_pager_evictions_total",
		metric.WithDescription("Pages demoted from L1 by capacity governance or TTL"),
	); err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}

	if m.llmDuration, err = meter.Float64Histogram(
		"amnesic_llm_request_duration_seconds",
		metric.WithDescription("Model driver request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	if m.llmTokens, err = meter.Int64Counter(
		"amnesic_llm_tokens_total",
		metric.WithDescription("Tokens reported by the model driver"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm tokens counter: %w", err)
	}

	if m.llmErrors, err = meter.Int64Counter(
		"amnesic_llm_errors_total",
		metric.WithDescription("Model driver failures"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	if m.toolCalls, err = meter.Int64Counter(
		"amnesic_tool_calls_total",
		metric.WithDescription("Effector tool executions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	if m.toolErrors, err = meter.Int64Counter(
		"amnesic_tool_errors_total",
		metric.WithDescription("Effector tool failures"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	SetGlobalMetrics(m)
	return m, nil
}

func SetGlobalMetrics(m *Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() *Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

func (m *Metrics) RecordTurn(ctx context.Context, sessionID string) {
	if m == nil || m.turns == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrSessionID, sessionID)))
}

func (m *Metrics) RecordVerdict(ctx context.Context, verdict string) {
	if m == nil || m.verdicts == nil {
		return
	}
	m.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrVerdict, verdict)))
}

func (m *Metrics) RecordEviction(ctx context.Context, count int64) {
	if m == nil || m.evictions == nil {
		return
	}
	m.evictions.Add(ctx, count)
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, tokens int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrLLMModel, model))
	if m.llmDuration != nil {
		m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if m.llmTokens != nil && tokens > 0 {
		m.llmTokens.Add(ctx, int64(tokens), attrs)
	}
	if err != nil && m.llmErrors != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrToolName, tool))
	if m.toolCalls != nil {
		m.toolCalls.Add(ctx, 1, attrs)
	}
	if err != nil && m.toolErrors != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}
