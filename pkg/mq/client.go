// Package mq provides a RabbitMQ topic-exchange client with automatic reconnection.
//
// Gateways publish uplink frames under gateway-scoped routing keys and receive
// commands on their own command key, so every client declares the same durable
// topic exchange and optionally a queue bound to a set of routing-key patterns.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/proximity-engine/pkg/metrics"
)

// Config describes the exchange, queue and bindings of a Client.
type Config struct {
	// URL is the AMQP connection string.
	URL string
	// Exchange is the topic exchange every message is published to.
	Exchange string
	// Queue is the queue consumed by this client. Empty means publish-only.
	Queue string
	// BindingKeys are the routing-key patterns bound to Queue.
	BindingKeys []string
	// Durable declares the queue as durable.
	Durable bool
	// Prefetch is the consumer prefetch count (defaults to 1).
	Prefetch int
}

// Client is a RabbitMQ client that handles connection management,
// automatic reconnection, and provides methods for publishing and consuming messages.
type Client struct {
	m               *sync.Mutex
	pubMu           sync.Mutex
	infolog         *slog.Logger
	errlog          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan bool
	closeOnce       sync.Once
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	cfg             Config
	isReady         bool
	closed          bool
	metrics         *metrics.MQMetrics // Optional metrics
}

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	// Initial backoff delay for Publish retries.
	initialBackoff = 100 * time.Millisecond

	// Maximum backoff delay for Publish retries.
	maxBackoff = 10 * time.Second

	// Backoff multiplier for exponential backoff.
	backoffMultiplier = 2

	// Maximum number of retry attempts before giving up.
	maxRetryAttempts = 5
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	errNoQueue            = errors.New("client has no queue to consume")
)

// New creates a new client and automatically attempts to connect to the server
// in the background.
func New(cfg Config, l *slog.Logger) *Client {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	client := Client{
		m:       &sync.Mutex{},
		infolog: l,
		errlog:  l,
		cfg:     cfg,
		done:    make(chan bool),
	}
	go client.handleReconnect(cfg.URL)
	return &client
}

// SetMetrics sets the metrics collector for this client.
// This should be called before the client starts processing messages.
func (client *Client) SetMetrics(m *metrics.MQMetrics) {
	client.metrics = m
}

// IsReady reports whether the channel is initialised and usable.
func (client *Client) IsReady() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// WaitReady blocks until the client is ready or ctx is done.
func (client *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if client.IsReady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-ticker.C:
		}
	}
}

// handleReconnect will wait for a connection error on
// notifyConnClose, and then continuously attempt to reconnect.
func (client *Client) handleReconnect(addr string) {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		client.infolog.Info("attempting to connect", "exchange", client.cfg.Exchange)

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.errlog.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			break
		}
	}
}

// connect will create a new AMQP connection.
func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.changeConnection(conn)
	client.infolog.Info("connected")

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}

	return conn, nil
}

// handleReInit will wait for a channel error
// and then continuously attempt to re-initialize the channel.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.m.Lock()
		client.isReady = false
		client.m.Unlock()

		err := client.init(conn)
		if err != nil {
			client.errlog.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.infolog.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.infolog.Info("connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			client.infolog.Info("channel closed, re-running init...")
		}
	}
}

// init opens a channel in confirm mode, declares the topic exchange and,
// when configured, the queue with its bindings.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(
		client.cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // Durable
		false, // Auto-deleted
		false, // Internal
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		return err
	}

	if client.cfg.Queue != "" {
		if _, err := ch.QueueDeclare(
			client.cfg.Queue,
			client.cfg.Durable,
			false, // Delete when unused
			false, // Exclusive
			false, // No-wait
			nil,   // Arguments
		); err != nil {
			return err
		}

		for _, key := range client.cfg.BindingKeys {
			if err := ch.QueueBind(client.cfg.Queue, key, client.cfg.Exchange, false, nil); err != nil {
				return err
			}
		}
	}

	client.changeChannel(ch)
	client.m.Lock()
	client.isReady = true
	client.m.Unlock()
	client.infolog.Info("client init done",
		"queue", client.cfg.Queue,
		"bindings", client.cfg.BindingKeys,
	)

	return nil
}

// changeConnection takes a new connection to the broker,
// and updates the close listener to reflect this.
func (client *Client) changeConnection(connection *amqp.Connection) {
	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

// changeChannel takes a new channel and updates the channel listeners to reflect this.
func (client *Client) changeChannel(channel *amqp.Channel) {
	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// Publish sends data to the exchange under routingKey and waits for the broker
// confirmation. While the client is disconnected it retries with exponential
// backoff so the background reconnect can succeed, and gives up after
// maxRetryAttempts. Publishes are serialised so each waits for its own confirm.
func (client *Client) Publish(ctx context.Context, routingKey string, data []byte) error {
	client.pubMu.Lock()
	defer client.pubMu.Unlock()

	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PublishDuration.WithLabelValues(client.cfg.Exchange))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	retryCount := 0

	wait := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-time.After(backoff):
			backoff *= backoffMultiplier
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			retryCount++
			return nil
		}
	}

	for {
		if retryCount >= maxRetryAttempts {
			client.errlog.Error("maximum retry attempts exceeded",
				"routing_key", routingKey,
				"retry_count", retryCount,
				"max_attempts", maxRetryAttempts)

			if client.metrics != nil {
				client.metrics.PublishFailures.WithLabelValues(client.cfg.Exchange, "max_retries_exceeded").Inc()
			}

			return errMaxRetriesExceeded
		}

		if !client.IsReady() {
			client.infolog.Info("not connected, waiting for reconnection",
				"backoff", backoff,
				"retry_count", retryCount)
			if err := wait(); err != nil {
				return err
			}
			continue
		}

		if err := client.UnsafePublish(ctx, routingKey, data); err != nil {
			client.errlog.Error("publish failed, retrying with backoff",
				"error", err,
				"routing_key", routingKey,
				"backoff", backoff,
				"retry_count", retryCount)
			if err := wait(); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			if client.metrics != nil {
				client.metrics.PublishFailures.WithLabelValues(client.cfg.Exchange, "context_canceled").Inc()
			}
			return ctx.Err()
		case confirm := <-client.notifyConfirm:
			if confirm.Ack {
				if client.metrics != nil {
					client.metrics.MessagesPublished.WithLabelValues(client.cfg.Exchange).Inc()
				}
				client.infolog.Debug("publish confirmed",
					"routing_key", routingKey,
					"delivery_tag", confirm.DeliveryTag,
					"retry_count", retryCount)
				return nil
			}
			client.errlog.Warn("publish not acknowledged, retrying",
				"delivery_tag", confirm.DeliveryTag,
				"backoff", backoff)
			if err := wait(); err != nil {
				return err
			}
		}
	}
}

// UnsafePublish publishes without waiting for confirmation. It returns an error
// if the client is not connected. No guarantees are provided for whether the
// broker receives the message.
func (client *Client) UnsafePublish(ctx context.Context, routingKey string, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithContext(
		ctx,
		client.cfg.Exchange,
		routingKey,
		false, // Mandatory
		false, // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now().UTC(),
			Body:        data,
		},
	)
}

// Consume will continuously put queue items on the channel.
// It is required to call delivery.Ack when it has been
// successfully processed, or delivery.Nack when it fails.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	if client.cfg.Queue == "" {
		return nil, errNoQueue
	}

	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(
		client.cfg.Prefetch,
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	return ch.Consume(
		client.cfg.Queue,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
}

// Close stops the reconnect loop and cleanly shuts down the channel and
// connection. Closing a client that never connected stops its reconnect loop
// and reports errAlreadyClosed.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	client.closeOnce.Do(func() { close(client.done) })

	if client.closed || !client.isReady {
		client.closed = true
		return errAlreadyClosed
	}
	client.closed = true

	if err := client.channel.Close(); err != nil {
		return err
	}
	if err := client.connection.Close(); err != nil {
		return err
	}

	client.isReady = false

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	return nil
}
