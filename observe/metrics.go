package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	MetricInterceptTotal    = "agent.intercept.total"
	MetricInterceptErrors   = "agent.intercept.errors"
	MetricInterceptDuration = "agent.intercept.duration_ms"
	MetricReplayTotal       = "agent.queue.replay.total"
	MetricCacheWriteErrors  = "agent.cache.write.errors"
)

// Metrics records agent metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordIntercept records one handled request and where its response came from.
	RecordIntercept(ctx context.Context, meta OperationMeta, source string, duration time.Duration, err error)

	// RecordReplay records one queue replay attempt outcome (delivered, failed, abandoned).
	RecordReplay(ctx context.Context, outcome string)

	// RecordCacheWriteError records a failed cache write for a partition.
	RecordCacheWriteError(ctx context.Context, partition string)
}

type metricsImpl struct {
	interceptTotal  metric.Int64Counter
	interceptErrors metric.Int64Counter
	durationHist    metric.Float64Histogram
	replayTotal     metric.Int64Counter
	cacheWriteErrs  metric.Int64Counter
}

// NewMetrics creates the agent instruments on meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	interceptTotal, err := meter.Int64Counter(
		MetricInterceptTotal,
		metric.WithDescription("Total number of intercepted requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	interceptErrors, err := meter.Int64Counter(
		MetricInterceptErrors,
		metric.WithDescription("Intercepted requests that ended in an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		MetricInterceptDuration,
		metric.WithDescription("Intercept handling duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	replayTotal, err := meter.Int64Counter(
		MetricReplayTotal,
		metric.WithDescription("Queued operation replay attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	cacheWriteErrs, err := meter.Int64Counter(
		MetricCacheWriteErrors,
		metric.WithDescription("Failed cache partition writes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		interceptTotal:  interceptTotal,
		interceptErrors: interceptErrors,
		durationHist:    durationHist,
		replayTotal:     replayTotal,
		cacheWriteErrs:  cacheWriteErrs,
	}, nil
}

func (m *metricsImpl) RecordIntercept(ctx context.Context, meta OperationMeta, source string, duration time.Duration, err error) {
	attrs := meta.attributes()
	if source != "" {
		attrs = append(attrs, attribute.String("response.source", source))
	}
	opt := metric.WithAttributes(attrs...)

	m.interceptTotal.Add(ctx, 1, opt)
	if err != nil {
		m.interceptErrors.Add(ctx, 1, opt)
	}
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordReplay(ctx context.Context, outcome string) {
	m.replayTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metricsImpl) RecordCacheWriteError(ctx context.Context, partition string) {
	m.cacheWriteErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("partition", partition)))
}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics {
	return noopMetrics{}
}

type noopMetrics struct{}

func (noopMetrics) RecordIntercept(context.Context, OperationMeta, string, time.Duration, error) {}
func (noopMetrics) RecordReplay(context.Context, string)                                         {}
func (noopMetrics) RecordCacheWriteError(context.Context, string)                                {}
