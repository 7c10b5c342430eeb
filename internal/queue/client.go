/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package queue

import (
	"fmt"
)

func (c *Client) resetConnection() error {
	conn, err := c.connectFunc(c.uri)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}
	c.amqpConnection = conn
	return nil
}

func (c *Client) resetChannel() error {
	ch, err := c.amqpConnection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	c.amqpChannel = ch
	return nil
}

func (c *Client) ensureChannel() error {
	if c.amqpConnection == nil || c.amqpConnection.IsClosed() {
		if err := c.resetConnection(); err != nil {
			return err
		}
		c.amqpChannel = nil
	}
	if c.amqpChannel == nil || c.amqpChannel.IsClosed() {
		if err := c.resetChannel(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) declareExchange(name string) error {
	err := c.amqpChannel.ExchangeDeclare(
		name,     // name
		"direct", // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // args
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

func (c *Client) declareQueue(name string) error {
	_, err := c.amqpChannel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	return nil
}

func (c *Client) bindQueue(queueName, routingKey, exchangeName string) error {
	err := c.amqpChannel.QueueBind(
		queueName,
		routingKey,
		exchangeName,
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Close closes the channel and connection if they are open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var chanErr, connErr error
	if c.amqpChannel != nil && !c.amqpChannel.IsClosed() {
		chanErr = c.amqpChannel.Close()
	}
	if c.amqpConnection != nil && !c.amqpConnection.IsClosed() {
		connErr = c.amqpConnection.Close()
	}
	if chanErr != nil {
		return chanErr
	}
	return connErr
}
