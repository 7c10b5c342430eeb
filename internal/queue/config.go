/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package queue

// Default AMQP configuration values.
const (
	defaultIntakeExchange  = "pbs-uploads"
	defaultIntakeQueue     = "pbs-uploads-accepted"
	defaultIntakeKey       = "accepted"
	defaultNotifyQueueName = "pbs-notifications"
)

// QueueConfig holds AMQP exchange, queue, and routing configuration.
type QueueConfig struct {
	ExchangeName string
	QueueName    string
	RoutingKey   string
}

// IntakeQueueConfig returns the configuration of the queue the upload
// pipeline publishes accepted source packages on.
func IntakeQueueConfig() QueueConfig {
	return QueueConfig{
		ExchangeName: defaultIntakeExchange,
		QueueName:    defaultIntakeQueue,
		RoutingKey:   defaultIntakeKey,
	}
}

// NotifyQueueName returns the queue the notification sink publishes to.
func NotifyQueueName() string {
	return defaultNotifyQueueName
}
