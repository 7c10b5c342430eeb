/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPush(t *testing.T) {
	/*
		arrange: create a producer with a fake amqp connection
		act: push a message
		assert: message was published to the notify queue with its headers
	*/
	mockAmqpChannel := &MockAmqpChannel{}
	producer := &AmqpProducer{
		client: &Client{
			amqpChannel:    mockAmqpChannel,
			amqpConnection: &MockAmqpConnection{amqpChannel: mockAmqpChannel},
		},
		queueName: NotifyQueueName(),
	}

	headers := map[string]interface{}{"template": "job-failed"}
	err := producer.Push(context.Background(), headers, []byte("TestMessage"))

	assert.NoError(t, err)
	assert.Contains(t, mockAmqpChannel.headers, headers)
	assert.Contains(t, mockAmqpChannel.msgs, []byte("TestMessage"), "expected message to be published")
}

func TestPushFailure(t *testing.T) {
	tests := []struct {
		name        string
		mockChannel *MockAmqpChannel
		context     context.Context
		errMsg      string
	}{{
		name:        "message is not acked",
		mockChannel: &MockAmqpChannel{publishNoAck: true},
		context:     context.Background(),
		errMsg:      "confirmation not acknowledged",
	}, {
		name:        "context is done",
		mockChannel: &MockAmqpChannel{publishHangs: true},
		context: func() context.Context {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx
		}(),
		errMsg: "context canceled",
	}, {
		name:        "publish returns error",
		mockChannel: &MockAmqpChannel{publishError: true},
		context:     context.Background(),
		errMsg:      "publish error",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := &AmqpProducer{
				client: &Client{
					amqpChannel:    tt.mockChannel,
					amqpConnection: &MockAmqpConnection{amqpChannel: tt.mockChannel},
				},
				queueName: NotifyQueueName(),
			}

			err := producer.Push(tt.context, nil, []byte("TestMessage"))

			assert.Error(t, err, "expected error when message fails to publish")
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestPushReestablishesChannel(t *testing.T) {
	/*
		arrange: create a producer whose channel is missing or closed
		act: push a message
		assert: a fresh channel is opened, put in confirm mode, the queue
		        is redeclared and the message goes out
	*/
	tests := []struct {
		name    string
		channel AmqpChannel
	}{{
		name:    "channel is nil",
		channel: nil,
	}, {
		name:    "channel is closed",
		channel: &MockAmqpChannel{isclosed: true},
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockAmqpConnection := &MockAmqpConnection{}
			producer := &AmqpProducer{
				client: &Client{
					amqpChannel:    tt.channel,
					amqpConnection: mockAmqpConnection,
				},
				queueName: NotifyQueueName(),
			}

			err := producer.Push(context.Background(), nil, []byte("TestMessage"))

			assert.NoError(t, err)
			assert.Equal(t, 1, mockAmqpConnection.channelCalls, "expected channel to be re-established")
			assert.True(t, mockAmqpConnection.amqpChannel.confirmMode, "expected channel in confirm mode")
			assert.Contains(t, mockAmqpConnection.amqpChannel.queueNames, NotifyQueueName())
			assert.Contains(t, mockAmqpConnection.amqpChannel.msgs, []byte("TestMessage"))
		})
	}
}

func TestPushChannelFailure(t *testing.T) {
	mockAmqpConnection := &MockAmqpConnection{errMode: true}
	producer := &AmqpProducer{
		client: &Client{
			amqpChannel:    nil,
			amqpConnection: mockAmqpConnection,
		},
		queueName: NotifyQueueName(),
	}

	err := producer.Push(context.Background(), nil, []byte("TestMessage"))
	assert.ErrorContains(t, err, "failed to open channel")
}

func TestPushConfirmModeFailure(t *testing.T) {
	mockAmqpChannel := &MockAmqpChannel{confirmModeError: true}
	mockAmqpConnection := &MockAmqpConnection{amqpChannel: mockAmqpChannel}
	producer := &AmqpProducer{
		client: &Client{
			amqpConnection: mockAmqpConnection,
		},
		queueName: NotifyQueueName(),
	}

	err := producer.Push(context.Background(), nil, []byte("TestMessage"))
	assert.ErrorContains(t, err, "failed to put channel in confirm mode")
}
