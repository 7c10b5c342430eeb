/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

// Package notify hands notification envelopes to the delivery pipeline. The
// control plane never formats or sends messages itself; it publishes a
// template name plus context and the mailer does the rest.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// Notification is one message for the delivery pipeline.
type Notification struct {
	Recipients []string       `json:"recipients"`
	Subject    string         `json:"subject"`
	Template   string         `json:"template"`
	Context    map[string]any `json:"context"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Producer is the transport notifications are published on. Matches the
// AMQP producer in internal/queue.
type Producer interface {
	Push(ctx context.Context, headers map[string]interface{}, msg []byte) error
}

// Queue publishes notifications to an AMQP queue consumed by the mailer.
type Queue struct {
	producer Producer
}

func NewQueue(producer Producer) *Queue {
	return &Queue{producer: producer}
}

func (q *Queue) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	headers := map[string]interface{}{"template": n.Template}
	if err := q.producer.Push(ctx, headers, body); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Discard drops all notifications. Used when no mailer is configured and in
// tests.
type Discard struct{}

func (Discard) Notify(ctx context.Context, n Notification) error {
	return nil
}
