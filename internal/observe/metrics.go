// Package observe holds the client's telemetry: OpenTelemetry instruments,
// span helpers, the diagnostics HTTP middleware and the SDK provider that
// bridges metrics to a Prometheus registry.
//
// Production code records through [DefaultMetrics], which binds to the global
// meter provider on first use. Tests build their own with [NewMetrics] and an
// SDK meter provider backed by a manual reader.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/duet"

// latencyBuckets are seconds, sized for conversational round trips.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds every instrument the client records. Safe for concurrent use.
type Metrics struct {
	// Histograms, in seconds.
	SessionOpenDuration   metric.Float64Histogram // Connect including setup
	ResponseLatency       metric.Float64Histogram // end of user turn to first reply content
	ToolExecutionDuration metric.Float64Histogram
	HTTPRequestDuration   metric.Float64Histogram // by method and route

	// Counters. The Record helpers below set the attributes.
	ProviderRequests   metric.Int64Counter
	ToolCalls          metric.Int64Counter
	Turns              metric.Int64Counter
	MessagesPersisted  metric.Int64Counter
	DroppedSamples     metric.Int64Counter
	VADTransitions     metric.Int64Counter
	BreakerTransitions metric.Int64Counter
	SessionErrors      metric.Int64Counter

	// Gauges.
	ActiveSessions metric.Int64UpDownCounter
	ActivePlayback metric.Int64UpDownCounter
}

// builder creates instruments on one meter and keeps every creation error.
type builder struct {
	meter metric.Meter
	errs  []error
}

func (b *builder) seconds(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.keep(name, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.keep(name, err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(name, err)
	return g
}

func (b *builder) keep(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{meter: mp.Meter(meterName)}
	m := &Metrics{
		SessionOpenDuration:   b.seconds("duet.session.open.duration", "Latency of opening a conversation session.", latencyBuckets...),
		ResponseLatency:       b.seconds("duet.response.latency", "Time from end of user turn to first assistant content.", latencyBuckets...),
		ToolExecutionDuration: b.seconds("duet.tool_execution.duration", "Latency of tool execution.", latencyBuckets...),
		HTTPRequestDuration:   b.seconds("duet.http.request.duration", "Diagnostics request latency by method and route."),

		ProviderRequests:   b.counter("duet.provider.requests", "Session open attempts by provider and status."),
		ToolCalls:          b.counter("duet.tool.calls", "Tool invocations by tool name and status."),
		Turns:              b.counter("duet.turns", "Finished turns by outcome."),
		MessagesPersisted:  b.counter("duet.messages.persisted", "Messages appended to the log by sender."),
		DroppedSamples:     b.counter("duet.audio.dropped_samples", "Audio samples discarded by a buffer cap, by stage."),
		VADTransitions:     b.counter("duet.vad.transitions", "Voice activity detector state transitions."),
		BreakerTransitions: b.counter("duet.transport.breaker.transitions", "Transport circuit breaker state changes by backend."),
		SessionErrors:      b.counter("duet.session.errors", "Session errors by kind."),

		ActiveSessions: b.gauge("duet.active_sessions", "Open conversation sessions."),
		ActivePlayback: b.gauge("duet.playback.active_sources", "Scheduled assistant audio sources."),
	}
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("observe: create instruments: %w", errors.Join(b.errs...))
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments, created on first call
// from [otel.GetMeterProvider]. Call [InitProvider] first so they export.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func attrs(kv ...string) metric.AddOption {
	set := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		set = append(set, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(set...)
}

// RecordProviderRequest counts a session open attempt; status is "ok" or
// "error".
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1, attrs("provider", provider, "status", status))
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1, attrs("tool", tool, "status", status))
}

// RecordTurn counts a finished turn: "complete", "interrupted" or "error".
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, attrs("outcome", outcome))
}

func (m *Metrics) RecordMessage(ctx context.Context, sender string) {
	m.MessagesPersisted.Add(ctx, 1, attrs("sender", sender))
}

// RecordDropped counts n samples discarded at stage ("capture" or "vad").
func (m *Metrics) RecordDropped(ctx context.Context, stage string, n int) {
	m.DroppedSamples.Add(ctx, int64(n), attrs("stage", stage))
}

func (m *Metrics) RecordVADTransition(ctx context.Context, from, to string) {
	m.VADTransitions.Add(ctx, 1, attrs("from", from, "to", to))
}

// RecordSessionError counts a failure of kind "credential", "transport",
// "decode" or "send".
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, attrs("kind", kind))
}

// RecordBreakerTransition counts backend's breaker entering state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, to string) {
	m.BreakerTransitions.Add(ctx, 1, attrs("backend", backend, "to", to))
}
