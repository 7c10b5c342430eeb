/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package intake

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ipfire/pbs/internal/database"
)

const (
	createdBuildsMetricName = "pbs_intake_builds_created_total"
	intakeErrorsMetricName  = "pbs_intake_errors_total"
)

// must is a helper function that panics if an error is encountered, else returns the object.
func must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}
	return obj
}

// Metrics encapsulates the OpenTelemetry metrics of the intake consumer.
type Metrics struct {
	meter               metric.Meter
	createdBuildsMetric metric.Int64Counter
	intakeErrorsMetric  metric.Int64Counter
}

// NewMetrics initializes the intake metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		meter: otel.Meter(pkg),
	}

	m.createdBuildsMetric = must(
		m.meter.Int64Counter(
			createdBuildsMetricName,
			metric.WithDescription("The number of builds created from accepted uploads"),
			metric.WithUnit("{build}"),
		),
	)
	m.intakeErrorsMetric = must(
		m.meter.Int64Counter(
			intakeErrorsMetricName,
			metric.WithDescription("The number of errors while consuming accepted uploads"),
			metric.WithUnit("{error}"),
		),
	)

	return m
}

// ObserveCreatedBuild records a build created from an upload.
func (m *Metrics) ObserveCreatedBuild(ctx context.Context, build *database.Build) {
	m.createdBuildsMetric.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(build.Type)),
	))
}

// ObserveIntakeError records an error in the intake pipeline.
func (m *Metrics) ObserveIntakeError(ctx context.Context) {
	m.intakeErrorsMetric.Add(ctx, 1)
}
