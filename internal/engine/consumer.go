package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/proximity-engine/pkg/metrics"
	"procodus.dev/proximity-engine/pkg/mq"
)

// ErrRequeue marks a handler failure that should be redelivered.
var ErrRequeue = errors.New("requeue")

// Handler processes one delivery body.
type Handler interface {
	HandleDelivery(ctx context.Context, body []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, body []byte) error

// HandleDelivery calls f.
func (f HandlerFunc) HandleDelivery(ctx context.Context, body []byte) error {
	return f(ctx, body)
}

// Consumer drains one queue on a single goroutine.
type Consumer struct {
	name    string
	logger  *slog.Logger
	client  mq.ClientInterface
	handler Handler
	metrics *metrics.MQMetrics
	done    chan struct{}
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Name    string
	Logger  *slog.Logger
	Client  mq.ClientInterface
	Handler Handler
	// Metrics is optional; deliveries are counted under Name.
	Metrics *metrics.MQMetrics
}

// NewConsumer creates a new Consumer instance.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	name := cfg.Name
	if name == "" {
		name = "consumer"
	}

	return &Consumer{
		name:    name,
		logger:  cfg.Logger.With("consumer", name),
		client:  cfg.Client,
		handler: cfg.Handler,
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
	}, nil
}

// Start waits for the broker and begins consuming.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer")

	if err := c.client.WaitReady(ctx); err != nil {
		return fmt.Errorf("mq client not ready: %w", err)
	}

	deliveries, err := c.client.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started, waiting for messages")

	go c.processMessages(ctx, deliveries)

	return nil
}

func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("deliveries channel closed")
				return
			}

			c.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery acks everything except requeue failures, so malformed
// payloads are never redelivered.
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if c.metrics != nil {
		c.metrics.MessagesConsumed.WithLabelValues(c.name).Inc()
	}

	err := c.handler.HandleDelivery(ctx, delivery.Body)
	if err != nil && errors.Is(err, ErrRequeue) {
		c.countFailure("requeued")
		c.logger.Error("handler failed, requeueing",
			"routing_key", delivery.RoutingKey,
			"error", err,
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
		}
		return
	}

	if err != nil {
		c.countFailure("discarded")
		c.logger.Warn("discarding message",
			"routing_key", delivery.RoutingKey,
			"error", err,
		)
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
}

func (c *Consumer) countFailure(reason string) {
	if c.metrics != nil {
		c.metrics.ConsumptionFailures.WithLabelValues(c.name, reason).Inc()
	}
}

// Done is closed once the processing goroutine exits.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Stop closes the client and waits for processing to finish.
func (c *Consumer) Stop() error {
	c.logger.Info("stopping consumer")

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	<-c.done

	c.logger.Info("consumer stopped")
	return nil
}
