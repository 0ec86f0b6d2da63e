package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes a message to the topic exchange under a routing key.
type Publisher interface {
	// Publish sends data and waits for the broker confirmation.
	Publish(ctx context.Context, routingKey string, data []byte) error
}

// ClientInterface defines the interface for message queue operations.
// This interface enables easier testing through mocking and dependency injection.
type ClientInterface interface {
	Publisher

	// UnsafePublish publishes without waiting for confirmation.
	UnsafePublish(ctx context.Context, routingKey string, data []byte) error

	// Consume will continuously put queue items on the channel.
	// It is required to call delivery.Ack when it has been successfully processed,
	// or delivery.Nack when it fails.
	Consume() (<-chan amqp.Delivery, error)

	// WaitReady blocks until the client is connected or ctx is done.
	WaitReady(ctx context.Context) error

	// Close will cleanly shut down the channel and connection.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
