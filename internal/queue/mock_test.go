/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package queue

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MockAmqpChannel implements AmqpChannel for unit testing.
type MockAmqpChannel struct {
	// Message tracking
	msgs    [][]byte
	headers []map[string]interface{}

	// State
	isclosed    bool
	closeCalls  int
	closeErr    error
	confirmMode bool

	// Declaration tracking
	queueNames    []string
	exchangeNames []string
	queueDurable  bool

	// Binding tracking
	boundQueue      string
	boundExchange   string
	boundRoutingKey string

	// Publish behavior
	publishError bool
	publishNoAck bool
	publishHangs bool

	// Error modes
	confirmModeError     bool
	exchangeDeclareError bool
	queueDeclareError    bool
	bindError            bool

	// Consumer support
	consumeCh   <-chan amqp.Delivery
	consumeErr  error
	qosErr      error
	qosPrefetch int
}

func (ch *MockAmqpChannel) PublishWithDeferredConfirm(exchange string, key string, _, _ bool, msg amqp.Publishing) (Confirmation, error) {
	if ch.publishError {
		return nil, errors.New("publish error")
	}
	ch.msgs = append(ch.msgs, msg.Body)
	ch.headers = append(ch.headers, msg.Headers)

	doneCh := make(chan struct{}, 1)
	if !ch.publishHangs {
		doneCh <- struct{}{}
	}

	return &MockConfirmation{done: doneCh, ack: !ch.publishNoAck}, nil
}

func (ch *MockAmqpChannel) IsClosed() bool {
	return ch.isclosed
}

func (ch *MockAmqpChannel) Confirm(_ bool) error {
	if ch.confirmModeError {
		return errors.New("confirm error")
	}
	ch.confirmMode = true
	return nil
}

func (ch *MockAmqpChannel) ExchangeDeclare(name string, _ string, _, _, _, _ bool, _ amqp.Table) error {
	if ch.exchangeDeclareError {
		return errors.New("exchange declare error")
	}
	ch.exchangeNames = append(ch.exchangeNames, name)
	return nil
}

func (ch *MockAmqpChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if ch.queueDeclareError {
		return amqp.Queue{}, errors.New("queue declare error")
	}
	ch.queueNames = append(ch.queueNames, name)
	ch.queueDurable = durable
	return amqp.Queue{Name: name}, nil
}

func (ch *MockAmqpChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if ch.bindError {
		return errors.New("bind error")
	}
	ch.boundQueue = name
	ch.boundRoutingKey = key
	ch.boundExchange = exchange
	return nil
}

func (ch *MockAmqpChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return ch.consumeCh, ch.consumeErr
}

func (ch *MockAmqpChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.qosPrefetch = prefetchCount
	return ch.qosErr
}

func (ch *MockAmqpChannel) Close() error {
	ch.closeCalls++
	ch.isclosed = true
	return ch.closeErr
}

// MockConfirmation implements Confirmation for unit testing.
type MockConfirmation struct {
	done <-chan struct{}
	ack  bool
}

func (c *MockConfirmation) Done() <-chan struct{} {
	return c.done
}

func (c *MockConfirmation) Acked() bool {
	return c.ack
}

// MockAmqpConnection implements AmqpConnection for unit testing.
type MockAmqpConnection struct {
	channelCalls int
	amqpChannel  *MockAmqpChannel
	isclosed     bool
	closeCalls   int
	errMode      bool
}

func (m *MockAmqpConnection) Channel() (AmqpChannel, error) {
	if m.errMode {
		return nil, errors.New("failed to open channel")
	}
	m.channelCalls++
	if m.amqpChannel == nil {
		m.amqpChannel = &MockAmqpChannel{}
	}
	return m.amqpChannel, nil
}

func (m *MockAmqpConnection) IsClosed() bool {
	return m.isclosed
}

func (m *MockAmqpConnection) Close() error {
	m.closeCalls++
	m.isclosed = true
	return nil
}
