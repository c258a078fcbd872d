// Package metrics defines the instruments recorded by the bundle lifecycle.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AppMetrics holds the lifecycle instruments. A nil *AppMetrics records nothing.
type AppMetrics struct {
	metric.Meter

	Downloads        metric.Int64Counter
	DownloadFailures metric.Int64Counter
	DownloadTimes    metric.Float64Histogram
	Activations      metric.Int64Counter
	Rollbacks        metric.Int64Counter
	Confirmations    metric.Int64Counter
	Deletes          metric.Int64Counter
	UpdateChecks     metric.Int64Counter
}

func NewAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	downloads, err := meter.Int64Counter("bundle_downloads_total")
	if err != nil {
		return nil, err
	}

	downloadFailures, err := meter.Int64Counter("bundle_download_failures_total")
	if err != nil {
		return nil, err
	}

	downloadTimes, err := meter.Float64Histogram("bundle_download_times_milliseconds",
		metric.WithExplicitBucketBoundaries(getStandardBucketBoundaries()...))
	if err != nil {
		return nil, err
	}

	activations, err := meter.Int64Counter("bundle_activations_total")
	if err != nil {
		return nil, err
	}

	rollbacks, err := meter.Int64Counter("bundle_rollbacks_total")
	if err != nil {
		return nil, err
	}

	confirmations, err := meter.Int64Counter("bundle_confirmations_total")
	if err != nil {
		return nil, err
	}

	deletes, err := meter.Int64Counter("bundle_deletes_total")
	if err != nil {
		return nil, err
	}

	updateChecks, err := meter.Int64Counter("update_checks_total")
	if err != nil {
		return nil, err
	}

	return &AppMetrics{
		Meter:            meter,
		Downloads:        downloads,
		DownloadFailures: downloadFailures,
		DownloadTimes:    downloadTimes,
		Activations:      activations,
		Rollbacks:        rollbacks,
		Confirmations:    confirmations,
		Deletes:          deletes,
		UpdateChecks:     updateChecks,
	}, nil
}

// RecordDownload counts a finished download attempt
func (m *AppMetrics) RecordDownload(ctx context.Context, start time.Time, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.DownloadFailures.Add(ctx, 1)
		return
	}
	m.Downloads.Add(ctx, 1)
	m.DownloadTimes.Record(ctx, float64(time.Since(start).Nanoseconds())/1e6)
}

func (m *AppMetrics) CountActivation(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.Activations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", ok)))
}

// CountRollback records a rollback, reason is either "transition" or "watchdog"
func (m *AppMetrics) CountRollback(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.Rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *AppMetrics) CountConfirmation(ctx context.Context) {
	if m == nil {
		return
	}
	m.Confirmations.Add(ctx, 1)
}

func (m *AppMetrics) CountDelete(ctx context.Context) {
	if m == nil {
		return
	}
	m.Deletes.Add(ctx, 1)
}

func (m *AppMetrics) CountUpdateCheck(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.UpdateChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func getStandardBucketBoundaries() []float64 {
	return []float64{
		10,
		50,
		100,
		500,
		1000,
		5000,
		10000,
		30000,
		60000,
	}
}
