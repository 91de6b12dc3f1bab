// Package observability provides OpenTelemetry metrics exported in
// Prometheus format.
package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/roach88/tenantsync/internal/reconcile"
)

const meterName = "github.com/roach88/tenantsync"

// Metrics holds the instruments of the service and the /metrics handler.
type Metrics struct {
	handler  http.Handler
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	reconcileRuns  metric.Int64Counter
	reconcileDrift metric.Int64Counter
	claims         metric.Int64Counter
	overflows      metric.Int64Counter
}

// InitMetrics creates Metrics on a fresh registry that also carries the Go
// runtime and process collectors, and installs the provider globally.
// Call Shutdown on exit.
func InitMetrics() (*Metrics, error) {
	reg := promclient.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := New(reg)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// New creates Metrics exporting into reg.
func New(reg *promclient.Registry) (*Metrics, error) {
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)

	m := &Metrics{
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		provider: provider,
		meter:    meter,
	}
	if m.reconcileRuns, err = meter.Int64Counter("tenantsync_reconcile_runs",
		metric.WithDescription("Reconciliation runs, by outcome.")); err != nil {
		return nil, err
	}
	if m.reconcileDrift, err = meter.Int64Counter("tenantsync_reconcile_drift",
		metric.WithDescription("Stores added, removed or failed by reconciliation.")); err != nil {
		return nil, err
	}
	if m.claims, err = meter.Int64Counter("tenantsync_claims",
		metric.WithDescription("Execution claims, by whether the claim was won.")); err != nil {
		return nil, err
	}
	if m.overflows, err = meter.Int64Counter("tenantsync_queue_overflows",
		metric.WithDescription("Messages dropped because a conversation queue was full.")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// ObserveMonitored reports fn() as the monitored store gauge on every scrape.
func (m *Metrics) ObserveMonitored(fn func() int) error {
	_, err := m.meter.Int64ObservableGauge("tenantsync_monitored_stores",
		metric.WithDescription("Stores currently under active monitoring."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(fn()))
			return nil
		}),
	)
	return err
}

// RecordReconcile implements reconcile.Recorder.
func (m *Metrics) RecordReconcile(ctx context.Context, res *reconcile.Result, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case len(res.FailedAdds)+len(res.FailedRemovals) > 0:
		outcome = "partial"
	}
	m.reconcileRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if res != nil && res.DriftCount > 0 {
		m.reconcileDrift.Add(ctx, int64(res.DriftCount))
	}
}

// RecordClaim implements scheduler.ClaimRecorder.
func (m *Metrics) RecordClaim(ctx context.Context, won bool) {
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.Bool("won", won)))
}

// RecordOverflow counts one dropped message for storeID.
func (m *Metrics) RecordOverflow(ctx context.Context, storeID string) {
	m.overflows.Add(ctx, 1, metric.WithAttributes(attribute.String("store_id", storeID)))
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
