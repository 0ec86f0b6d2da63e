package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/proximity-engine/pkg/logger"
	"procodus.dev/proximity-engine/pkg/metrics"
	"procodus.dev/proximity-engine/pkg/mq"
)

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// RabbitMQURL is the connection string for RabbitMQ
	RabbitMQURL string
	// Exchange is the topic exchange shared with the engine
	Exchange string
	// CommandQueue receives the commands addressed to simulated gateways
	CommandQueue string
	// Gateways is the number of simulated gateways
	Gateways int
	// BeaconsPerGateway is the number of workers around each gateway
	BeaconsPerGateway int
	// ScanInterval is the time between advData batches
	ScanInterval time.Duration
	// HeartbeatInterval is the time between alive frames
	HeartbeatInterval time.Duration
	// AckFailureRate is the share of commands answered with a failure
	AckFailureRate float64
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SimulatorMetrics
	// MQMetrics is the optional Prometheus metrics collector for MQ operations
	MQMetrics *metrics.MQMetrics
}

// Server runs a Simulator against RabbitMQ.
type Server struct {
	logger    *slog.Logger
	config    *ServerConfig
	sim       *Simulator
	publisher mq.ClientInterface
	commands  mq.ClientInterface
	wg        sync.WaitGroup
}

var (
	errInvalidInterval = errors.New("interval must be greater than 0")
	errLoggerRequired  = errors.New("logger is required")
)

// NewServer creates a simulator server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.ScanInterval <= 0 || cfg.HeartbeatInterval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	mqLogger := logger.Component(cfg.Logger, "mq")
	publisher := mq.New(mq.Config{
		URL:      cfg.RabbitMQURL,
		Exchange: cfg.Exchange,
	}, mqLogger)
	commands := mq.New(mq.Config{
		URL:         cfg.RabbitMQURL,
		Exchange:    cfg.Exchange,
		Queue:       cfg.CommandQueue,
		BindingKeys: []string{mq.CommandBinding},
	}, mqLogger)
	if cfg.MQMetrics != nil {
		publisher.SetMetrics(cfg.MQMetrics)
		commands.SetMetrics(cfg.MQMetrics)
	}

	return newServer(cfg, publisher, commands)
}

func newServer(cfg *ServerConfig, publisher, commands mq.ClientInterface) (*Server, error) {
	sim, err := New(&Config{
		Logger:            cfg.Logger,
		Publisher:         publisher,
		Metrics:           cfg.Metrics,
		Gateways:          cfg.Gateways,
		BeaconsPerGateway: cfg.BeaconsPerGateway,
		AckFailureRate:    cfg.AckFailureRate,
	})
	if err != nil {
		_ = publisher.Close()
		_ = commands.Close()
		return nil, err
	}

	return &Server{
		logger:    cfg.Logger,
		config:    cfg,
		sim:       sim,
		publisher: publisher,
		commands:  commands,
	}, nil
}

// Run registers the devices, starts the loops and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	if err := s.publisher.WaitReady(ctx); err != nil {
		return fmt.Errorf("publisher not ready: %w", err)
	}
	if err := s.sim.Register(ctx); err != nil {
		s.logger.Error("failed to register some devices", "error", err)
	}

	if err := s.commands.WaitReady(ctx); err != nil {
		return fmt.Errorf("command client not ready: %w", err)
	}
	deliveries, err := s.commands.Consume()
	if err != nil {
		return fmt.Errorf("failed to consume commands: %w", err)
	}

	s.wg.Add(3)
	go s.answerCommands(ctx, deliveries)
	go s.every(ctx, "heartbeat", s.config.HeartbeatInterval, func(ctx context.Context) error {
		return s.sim.Heartbeat(ctx)
	})
	go s.every(ctx, "scan", s.config.ScanInterval, func(ctx context.Context) error {
		return s.sim.Scan(ctx, time.Now())
	})

	s.logger.Info("simulator started",
		"gateways", len(s.sim.Sites()),
		"beacons_per_gateway", s.config.BeaconsPerGateway,
		"scan_interval", s.config.ScanInterval,
	)

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	}

	return s.Shutdown()
}

func (s *Server) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				s.logger.Error("simulation step failed", "step", name, "error", err)
			}
		}
	}
}

func (s *Server) answerCommands(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				s.logger.Warn("command deliveries channel closed")
				return
			}
			if err := s.sim.HandleCommand(ctx, d.Body); err != nil {
				s.logger.Warn("failed to answer command", "error", err)
			}
			if err := d.Ack(false); err != nil {
				s.logger.Error("failed to ack command", "error", err)
			}
		}
	}
}

// Shutdown waits for the loops and closes both clients.
func (s *Server) Shutdown() error {
	s.logger.Info("shutdown requested")
	s.wg.Wait()

	var errs []error
	if err := s.commands.Close(); err != nil {
		errs = append(errs, fmt.Errorf("command client close error: %w", err))
	}
	if err := s.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher close error: %w", err))
	}
	if s.config.Metrics != nil {
		s.config.Metrics.ActiveGateways.Set(0)
	}

	s.logger.Info("simulator stopped")
	return errors.Join(errs...)
}
