/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

// Package queue provides the AMQP transport of the build service: the intake
// consumer for accepted source uploads and the producer used by the
// notification sink.
package queue

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AmqpChannel is the subset of *amqp.Channel the queue uses. It exists so
// tests can substitute a fake channel.
type AmqpChannel interface {
	PublishWithDeferredConfirm(exchange string, key string, mandatory, immediate bool, msg amqp.Publishing) (Confirmation, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	IsClosed() bool
	Close() error
}

// AmqpConnection is the subset of *amqp.Connection the queue uses.
type AmqpConnection interface {
	Channel() (AmqpChannel, error)
	IsClosed() bool
	Close() error
}

// Confirmation is a deferred publisher confirmation.
type Confirmation interface {
	Done() <-chan struct{}
	Acked() bool
}

// Producer publishes messages with publisher confirms.
type Producer interface {
	Push(ctx context.Context, headers map[string]interface{}, msg []byte) error
}

// Consumer pulls one message at a time from a queue.
type Consumer interface {
	Pull(ctx context.Context) (amqp.Delivery, error)
	Close() error
}

type connectFunc func(uri string) (AmqpConnection, error)

// Client owns one AMQP connection and channel and re-establishes them on
// demand after a broker failure. Not safe for concurrent use; callers hold
// mu.
type Client struct {
	uri         string
	connectFunc connectFunc

	amqpConnection AmqpConnection
	amqpChannel    AmqpChannel
	mu             sync.Mutex
}

type amqpConnectionWrapper struct {
	*amqp.Connection
}

func (c *amqpConnectionWrapper) Channel() (AmqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannelWrapper{Channel: ch}, nil
}

type amqpChannelWrapper struct {
	*amqp.Channel
}

func (ch *amqpChannelWrapper) PublishWithDeferredConfirm(exchange string, key string, mandatory, immediate bool, msg amqp.Publishing) (Confirmation, error) {
	return ch.Channel.PublishWithDeferredConfirm(exchange, key, mandatory, immediate, msg)
}

func amqpConnect(uri string) (AmqpConnection, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}
	return &amqpConnectionWrapper{Connection: conn}, nil
}
