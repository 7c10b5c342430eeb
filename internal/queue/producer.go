/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package queue

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AmqpProducer publishes messages to a single queue with publisher confirms.
type AmqpProducer struct {
	client    *Client
	queueName string
}

// NewAmqpProducer creates a producer for the given broker and queue.
func NewAmqpProducer(uri, queueName string) *AmqpProducer {
	return &AmqpProducer{
		client: &Client{
			uri:         uri,
			connectFunc: amqpConnect,
		},
		queueName: queueName,
	}
}

// Push publishes one message and waits for the broker confirmation.
func (p *AmqpProducer) Push(ctx context.Context, headers map[string]interface{}, msg []byte) error {
	p.client.mu.Lock()
	confirmation, err := p.publishLocked(msg, headers)
	p.client.mu.Unlock()
	if err != nil {
		return err
	}
	return waitForMsgConfirmation(ctx, confirmation)
}

func (p *AmqpProducer) publishLocked(msg []byte, headers map[string]interface{}) (Confirmation, error) {
	hadChannel := p.client.amqpChannel != nil && !p.client.amqpChannel.IsClosed()
	if err := p.client.ensureChannel(); err != nil {
		return nil, err
	}
	if !hadChannel {
		if err := p.client.amqpChannel.Confirm(false); err != nil {
			return nil, fmt.Errorf("failed to put channel in confirm mode: %w", err)
		}
		if err := p.client.declareQueue(p.queueName); err != nil {
			return nil, err
		}
	}

	confirmation, err := p.client.amqpChannel.PublishWithDeferredConfirm(
		"",          // exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg,
			Headers:     headers,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	return confirmation, nil
}

func waitForMsgConfirmation(ctx context.Context, confirmation Confirmation) error {
	select {
	case <-ctx.Done():
		return ctx.Err()

	case <-confirmation.Done():
		if !confirmation.Acked() {
			return fmt.Errorf("confirmation not acknowledged")
		}
	}
	return nil
}

// Close closes the AMQP producer connection.
func (p *AmqpProducer) Close() error {
	return p.client.Close()
}
