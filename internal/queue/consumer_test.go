/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package queue

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestPull(t *testing.T) {
	/*
		arrange: create a consumer with a fake channel carrying one delivery
		act: pull a message
		assert: the delivery is returned
	*/
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Body: []byte("TestMessage")}

	mockAmqpChannel := &MockAmqpChannel{consumeCh: deliveries}
	consumer := &AmqpConsumer{
		client: &Client{
			amqpChannel:    mockAmqpChannel,
			amqpConnection: &MockAmqpConnection{amqpChannel: mockAmqpChannel},
		},
		config: IntakeQueueConfig(),
	}

	msg, err := consumer.Pull(context.Background())

	assert.NoError(t, err)
	assert.Equal(t, []byte("TestMessage"), msg.Body)
	assert.Equal(t, 1, mockAmqpChannel.qosPrefetch, "expected prefetch of one")
}

func TestPullDeclaresTopologyOnFreshChannel(t *testing.T) {
	/*
		arrange: create a consumer with no channel yet
		act: pull a message
		assert: exchange and queue are declared and bound before consuming
	*/
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Body: []byte("TestMessage")}

	mockAmqpConnection := &MockAmqpConnection{
		amqpChannel: &MockAmqpChannel{consumeCh: deliveries},
	}
	consumer := &AmqpConsumer{
		client: &Client{
			amqpConnection: mockAmqpConnection,
		},
		config: IntakeQueueConfig(),
	}

	_, err := consumer.Pull(context.Background())
	assert.NoError(t, err)

	cfg := IntakeQueueConfig()
	ch := mockAmqpConnection.amqpChannel
	assert.Contains(t, ch.exchangeNames, cfg.ExchangeName)
	assert.Contains(t, ch.queueNames, cfg.QueueName)
	assert.Equal(t, cfg.QueueName, ch.boundQueue)
	assert.Equal(t, cfg.RoutingKey, ch.boundRoutingKey)
	assert.Equal(t, cfg.ExchangeName, ch.boundExchange)
}

func TestPullContextCancelled(t *testing.T) {
	mockAmqpChannel := &MockAmqpChannel{consumeCh: make(chan amqp.Delivery)}
	consumer := &AmqpConsumer{
		client: &Client{
			amqpChannel:    mockAmqpChannel,
			amqpConnection: &MockAmqpConnection{amqpChannel: mockAmqpChannel},
		},
		config: IntakeQueueConfig(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := consumer.Pull(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPullClosedMessageChannel(t *testing.T) {
	/*
		arrange: create a consumer whose delivery channel is closed
		act: pull a message
		assert: an error is returned and the channel reference is dropped so
		        the next pull re-registers the consumer
	*/
	deliveries := make(chan amqp.Delivery)
	close(deliveries)

	mockAmqpChannel := &MockAmqpChannel{consumeCh: deliveries}
	consumer := &AmqpConsumer{
		client: &Client{
			amqpChannel:    mockAmqpChannel,
			amqpConnection: &MockAmqpConnection{amqpChannel: mockAmqpChannel},
		},
		config: IntakeQueueConfig(),
	}

	_, err := consumer.Pull(context.Background())
	assert.ErrorContains(t, err, "amqp message channel closed")
	assert.Nil(t, consumer.channel)
}

func TestPullConsumeFailure(t *testing.T) {
	mockAmqpChannel := &MockAmqpChannel{consumeErr: assert.AnError}
	consumer := &AmqpConsumer{
		client: &Client{
			amqpChannel:    mockAmqpChannel,
			amqpConnection: &MockAmqpConnection{amqpChannel: mockAmqpChannel},
		},
		config: IntakeQueueConfig(),
	}

	_, err := consumer.Pull(context.Background())
	assert.ErrorContains(t, err, "cannot consume amqp messages")
}

func TestConsumerClose(t *testing.T) {
	mockAmqpChannel := &MockAmqpChannel{}
	mockAmqpConnection := &MockAmqpConnection{amqpChannel: mockAmqpChannel}
	consumer := &AmqpConsumer{
		client: &Client{
			amqpChannel:    mockAmqpChannel,
			amqpConnection: mockAmqpConnection,
		},
		config: IntakeQueueConfig(),
	}

	err := consumer.Close()
	assert.NoError(t, err)
	assert.Equal(t, 1, mockAmqpChannel.closeCalls)
	assert.Equal(t, 1, mockAmqpConnection.closeCalls)
}
