/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

// Package intake consumes accepted source uploads from the message broker
// and turns them into builds.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/engine"
	"github.com/ipfire/pbs/internal/queue"
	"github.com/ipfire/pbs/internal/telemetry"
)

const maxBackoff = 5 * time.Minute

var pkg = "github.com/ipfire/pbs/internal/intake"

var logger = telemetry.NewLogger(pkg)
var tracer = otel.Tracer(pkg)

// BuildCreator is the subset of the engine the consumer needs.
type BuildCreator interface {
	CreateBuild(ctx context.Context, req engine.CreateBuildRequest) (*database.Build, []database.Job, error)
}

// Consumer pulls accepted upload events from the broker and creates builds.
type Consumer struct {
	consumer queue.Consumer
	creator  BuildCreator
	metrics  *Metrics

	started        sync.Mutex
	currentBackoff time.Duration
}

// NewConsumer creates a Consumer reading accepted uploads from the given
// queue consumer.
func NewConsumer(consumer queue.Consumer, creator BuildCreator, metrics *Metrics) *Consumer {
	return &Consumer{
		consumer: consumer,
		creator:  creator,
		metrics:  metrics,
	}
}

// Start consumes messages until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	logger.InfoContext(ctx, "start consuming accepted uploads from queue")
	c.started.Lock()
	defer c.started.Unlock()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = c.pullMessage(ctx)
	}
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}

func (c *Consumer) backoff(ctx context.Context) {
	if c.currentBackoff == 0 {
		c.currentBackoff = 1 * time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(c.currentBackoff):
	}
	c.currentBackoff = min(maxBackoff, c.currentBackoff*2)
}

func (c *Consumer) clearBackoff() {
	c.currentBackoff = 0
}

// pullMessage receives one message from the AMQP queue and processes it.
// pullMessage can return errors, but it's mostly for testing and can be
// ignored, as all errors are handled internally before return.
func (c *Consumer) pullMessage(ctx context.Context) error {
	msg, err := c.consumer.Pull(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "cannot receive message from amqp, retrying", "error", err)
		c.metrics.ObserveIntakeError(ctx)
		c.backoff(ctx)
		return err
	}
	headers := make(map[string]string)
	for h, v := range msg.Headers {
		if strVal, ok := v.(string); ok {
			headers[h] = strVal
		}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
	ctx, span := tracer.Start(ctx, "consume upload")
	defer span.End()

	req, err := parseUpload(msg.Body)
	if err != nil {
		logger.ErrorContext(ctx, "cannot parse upload event", "error", err)
		span.RecordError(err)
		c.metrics.ObserveIntakeError(ctx)
		c.discardMessage(ctx, &msg)
		return err
	}

	build, jobs, err := c.creator.CreateBuild(ctx, req)
	if err == nil {
		logger.InfoContext(ctx, "created build from upload",
			"build", build.UUID, "pkg", build.PkgName, "evr", build.PkgEVR, "jobs", len(jobs))
		c.consumedMessage(ctx, &msg)
		c.metrics.ObserveCreatedBuild(ctx, build)
		c.clearBackoff()
		return nil
	}

	if errors.Is(err, database.ErrExist) {
		// Redelivery of an upload that already became a build.
		logger.InfoContext(ctx, "build already exists, discarding upload", "pkg", req.PkgName, "evr", req.PkgEVR)
		c.consumedMessage(ctx, &msg)
		c.clearBackoff()
		return nil
	}

	var invariantErr *engine.InvariantError
	if errors.As(err, &invariantErr) {
		// A malformed upload will never succeed. Drop it rather than
		// looping forever.
		logger.ErrorContext(ctx, "rejected upload", "pkg", req.PkgName, "error", err)
		span.RecordError(err)
		c.metrics.ObserveIntakeError(ctx)
		c.discardMessage(ctx, &msg)
		return err
	}

	span.RecordError(err)
	c.metrics.ObserveIntakeError(ctx)
	c.requeueMessage(ctx, &msg)
	c.backoff(ctx)
	return err
}

func parseUpload(body []byte) (engine.CreateBuildRequest, error) {
	var req engine.CreateBuildRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return engine.CreateBuildRequest{}, fmt.Errorf("invalid upload event: %w", err)
	}
	if req.PkgName == "" {
		return engine.CreateBuildRequest{}, errors.New("missing pkg_name in upload event")
	}
	if req.PkgEVR == "" {
		return engine.CreateBuildRequest{}, errors.New("missing pkg_evr in upload event")
	}
	if req.Distro == "" {
		return engine.CreateBuildRequest{}, errors.New("missing distro in upload event")
	}
	if req.Type == "" {
		req.Type = database.BuildTypeRelease
	}
	return req, nil
}

func (c *Consumer) discardMessage(ctx context.Context, delivery *amqp.Delivery) {
	err := delivery.Nack(false, false)
	if err != nil {
		logger.ErrorContext(ctx, "cannot discard queue message", "error", err)
		oteltrace.SpanFromContext(ctx).RecordError(err)
		c.metrics.ObserveIntakeError(ctx)
	}
}

func (c *Consumer) consumedMessage(ctx context.Context, delivery *amqp.Delivery) {
	err := delivery.Ack(false)
	if err != nil {
		logger.ErrorContext(ctx, "cannot ack queue message", "error", err)
		oteltrace.SpanFromContext(ctx).RecordError(err)
		c.metrics.ObserveIntakeError(ctx)
	}
}

func (c *Consumer) requeueMessage(ctx context.Context, delivery *amqp.Delivery) {
	err := delivery.Nack(false, true)
	if err != nil {
		logger.ErrorContext(ctx, "cannot requeue message", "error", err)
		oteltrace.SpanFromContext(ctx).RecordError(err)
		c.metrics.ObserveIntakeError(ctx)
	}
}
