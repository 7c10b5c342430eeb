/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 *
 * OpenTelemetry metrics for the dispatch service.
 */

package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/telemetry"
)

const (
	queueDepthMetricName     = "pbs_queue_depth"
	jobStateMetricName       = "pbs_jobs"
	onlineBuildersMetricName = "pbs_builders_online"
)

// must is a helper function that panics if an error is encountered, else returns the object.
func must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}
	return obj
}

// MetricsStore matches the counting methods on internal/database.Database.
type MetricsStore interface {
	CountQueuedJobs(ctx context.Context) (map[string]int, error)
	CountJobsByState(ctx context.Context) (map[database.JobState]int, error)
	CountOnlineBuilders(ctx context.Context, threshold time.Duration) (int, error)
}

// Metrics encapsulates all OpenTelemetry metrics for the dispatch service.
type Metrics struct {
	mu              sync.RWMutex
	store           MetricsStore
	meter           metric.Meter
	logger          *slog.Logger
	onlineThreshold time.Duration

	queueDepthMetric     metric.Int64ObservableGauge
	jobStateMetric       metric.Int64ObservableGauge
	onlineBuildersMetric metric.Int64ObservableGauge
}

// NewMetrics initializes the dispatch metrics and registers the observable gauges.
func NewMetrics(store MetricsStore, onlineThreshold time.Duration) *Metrics {
	m := &Metrics{
		store:           store,
		meter:           otel.Meter(pkg),
		logger:          telemetry.NewLogger(pkg),
		onlineThreshold: onlineThreshold,
	}

	m.queueDepthMetric = must(
		m.meter.Int64ObservableGauge(
			queueDepthMetricName,
			metric.WithDescription("The number of queued jobs per architecture"),
			metric.WithUnit("{job}"),
		),
	)
	m.jobStateMetric = must(
		m.meter.Int64ObservableGauge(
			jobStateMetricName,
			metric.WithDescription("The number of jobs per state"),
			metric.WithUnit("{job}"),
		),
	)
	m.onlineBuildersMetric = must(
		m.meter.Int64ObservableGauge(
			onlineBuildersMetricName,
			metric.WithDescription("The number of builders with a recent keepalive"),
			metric.WithUnit("{builder}"),
		),
	)

	must(
		m.meter.RegisterCallback(
			m.collect,
			m.queueDepthMetric,
			m.jobStateMetric,
			m.onlineBuildersMetric,
		),
	)

	return m
}

// collect reads all gauge values directly from the database at collection
// time. Metrics scraping typically occurs every 5-60 seconds, so the extra
// queries are not a concern.
func (m *Metrics) collect(ctx context.Context, observer metric.Observer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.collectQueueDepth(ctx, observer)
	m.collectJobStates(ctx, observer)
	m.collectOnlineBuilders(ctx, observer)
	return nil
}

func (m *Metrics) collectQueueDepth(ctx context.Context, observer metric.Observer) {
	counts, err := m.store.CountQueuedJobs(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to count queued jobs for metrics", "error", err)
		return
	}
	for arch, count := range counts {
		observer.ObserveInt64(
			m.queueDepthMetric,
			int64(count),
			metric.WithAttributes(attribute.String("arch", arch)),
		)
	}
}

func (m *Metrics) collectJobStates(ctx context.Context, observer metric.Observer) {
	counts, err := m.store.CountJobsByState(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to count jobs for metrics", "error", err)
		return
	}
	for state, count := range counts {
		observer.ObserveInt64(
			m.jobStateMetric,
			int64(count),
			metric.WithAttributes(attribute.String("state", string(state))),
		)
	}
}

func (m *Metrics) collectOnlineBuilders(ctx context.Context, observer metric.Observer) {
	count, err := m.store.CountOnlineBuilders(ctx, m.onlineThreshold)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to count online builders for metrics", "error", err)
		return
	}
	observer.ObserveInt64(m.onlineBuildersMetric, int64(count))
}
