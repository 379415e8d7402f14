package metrics

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the worker's instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	// Reconciler
	RegionsAdded       metric.Int64Counter
	RegionsRescheduled metric.Int64Counter
	RegionsRemoved     metric.Int64Counter
	ReconcileErrors    metric.Int64Counter
	RegionsActive      metric.Int64Gauge
	ReconcileLastOK    metric.Int64Gauge

	// Dispatcher
	ConcurrencyRunning metric.Int64Gauge
	TicksSkipped       metric.Int64Counter

	// Region tick handler
	RegionTicks        metric.Int64Counter
	RegionTickDuration metric.Float64Histogram

	// Manual trigger gateway
	ManualRuns metric.Int64Counter

	// HTTP
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
}

// NewMetrics creates every instrument on a meter provider backed by a private
// Prometheus registry and returns the scrape handler for it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	reg := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("regionworker")
	m := &Metrics{provider: provider, meter: meter}

	if m.RegionsAdded, err = meter.Int64Counter(
		"scheduler_regions_added_total",
		metric.WithDescription("Regions added to the schedule"),
	); err != nil {
		return nil, nil, err
	}
	if m.RegionsRescheduled, err = meter.Int64Counter(
		"scheduler_regions_rescheduled_total",
		metric.WithDescription("Regions whose trigger was replaced after a schedule change"),
	); err != nil {
		return nil, nil, err
	}
	if m.RegionsRemoved, err = meter.Int64Counter(
		"scheduler_regions_removed_total",
		metric.WithDescription("Regions removed from the schedule"),
	); err != nil {
		return nil, nil, err
	}
	if m.ReconcileErrors, err = meter.Int64Counter(
		"scheduler_reconcile_errors_total",
		metric.WithDescription("Reconciles aborted by a catalog failure"),
	); err != nil {
		return nil, nil, err
	}
	if m.RegionsActive, err = meter.Int64Gauge(
		"scheduler_regions_active",
		metric.WithDescription("Regions currently holding a trigger"),
	); err != nil {
		return nil, nil, err
	}
	if m.ReconcileLastOK, err = meter.Int64Gauge(
		"scheduler_reconcile_last_success_unixtime",
		metric.WithDescription("Unix time of the last successful reconcile"),
	); err != nil {
		return nil, nil, err
	}
	if m.ConcurrencyRunning, err = meter.Int64Gauge(
		"scheduler_concurrency_running",
		metric.WithDescription("Region invocations currently in flight (saturation)"),
	); err != nil {
		return nil, nil, err
	}
	if m.TicksSkipped, err = meter.Int64Counter(
		"scheduler_ticks_skipped_total",
		metric.WithDescription("Ticks dropped before reaching the handler"),
	); err != nil {
		return nil, nil, err
	}
	if m.RegionTicks, err = meter.Int64Counter(
		"region_ticks_total",
		metric.WithDescription("Region ticks executed by result"),
	); err != nil {
		return nil, nil, err
	}
	if m.RegionTickDuration, err = meter.Float64Histogram(
		"region_tick_duration_seconds",
		metric.WithDescription("Region tick duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.3, 1, 3, 10, 30, 60),
	); err != nil {
		return nil, nil, err
	}
	if m.ManualRuns, err = meter.Int64Counter(
		"region_manual_runs_total",
		metric.WithDescription("Manual run requests by outcome"),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// Shutdown flushes and releases the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordReconcile records the counts of one successful reconcile.
func (m *Metrics) RecordReconcile(ctx context.Context, added, rescheduled, removed, active int, at time.Time) {
	if m == nil {
		return
	}
	if added > 0 {
		m.RegionsAdded.Add(ctx, int64(added))
	}
	if rescheduled > 0 {
		m.RegionsRescheduled.Add(ctx, int64(rescheduled))
	}
	if removed > 0 {
		m.RegionsRemoved.Add(ctx, int64(removed))
	}
	m.RegionsActive.Record(ctx, int64(active))
	m.ReconcileLastOK.Record(ctx, at.Unix())
}

// RecordReconcileError counts a reconcile aborted by a catalog failure.
func (m *Metrics) RecordReconcileError(ctx context.Context) {
	if m == nil {
		return
	}
	m.ReconcileErrors.Add(ctx, 1)
}

// SetRegionsActive overwrites the active gauge (used on Stop).
func (m *Metrics) SetRegionsActive(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.RegionsActive.Record(ctx, int64(n))
}

// SetRunning records the in-flight invocation count.
func (m *Metrics) SetRunning(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.ConcurrencyRunning.Record(ctx, int64(n))
}

// RecordTickSkipped counts a tick dropped for reason ("capacity", "overlap", "stopped").
func (m *Metrics) RecordTickSkipped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.TicksSkipped.Add(ctx, 1, WithReason(reason))
}

// RecordRegionTick records one handler execution.
func (m *Metrics) RecordRegionTick(ctx context.Context, code, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RegionTicks.Add(ctx, 1, metric.WithAttributes(resultAttr(result), regionCodeAttr(code)))
	m.RegionTickDuration.Record(ctx, d.Seconds(), WithRegionCode(code))
}

// RecordManualRun counts one RunNow outcome.
func (m *Metrics) RecordManualRun(ctx context.Context, result, reason, code string) {
	if m == nil {
		return
	}
	m.ManualRuns.Add(ctx, 1, metric.WithAttributes(resultAttr(result), reasonAttr(reason), regionCodeAttr(code)))
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}
