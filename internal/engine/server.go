package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"procodus.dev/proximity-engine/internal/proximity"
	"procodus.dev/proximity-engine/internal/smoothing"
	"procodus.dev/proximity-engine/internal/store"
	"procodus.dev/proximity-engine/pkg/cache"
	"procodus.dev/proximity-engine/pkg/logger"
	"procodus.dev/proximity-engine/pkg/metrics"
	"procodus.dev/proximity-engine/pkg/mq"
)

const shutdownTimeout = 10 * time.Second

// Server runs the engine against PostgreSQL, RabbitMQ and optionally Redis.
type Server struct {
	logger     *slog.Logger
	config     *ServerConfig
	db         *gorm.DB
	latest     cache.Latest
	publisher  mq.ClientInterface
	uplink     *Consumer
	registry   *Consumer
	engine     *Engine
	httpServer *http.Server
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// Database configuration
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// RabbitMQ configuration
	RabbitMQURL   string
	Exchange      string
	UplinkQueue   string
	RegistryQueue string

	// Redis configuration. An empty address keeps latest readings in memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// HTTP configuration
	HTTPPort int

	// Engine tuning
	DangerDistance     float64
	WarningDistance    float64
	DedupWindow        time.Duration
	RSSIHorizon        time.Duration
	MaxSpeed           float64
	AckTimeout         time.Duration
	CommandAuth        string
	ActuationQueueSize int
	ActuationWorkers   int
	Profile            string
	ReloadInterval     time.Duration
	SweepInterval      time.Duration
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.Exchange == "" {
		return nil, errors.New("exchange cannot be empty")
	}

	if cfg.UplinkQueue == "" {
		return nil, errors.New("uplink queue cannot be empty")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.DangerDistance > 0 && cfg.WarningDistance > 0 && cfg.DangerDistance > cfg.WarningDistance {
		return nil, errors.New("danger distance cannot exceed warning distance")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

func (s *Server) bands() proximity.Bands {
	b := proximity.DefaultBands()
	if s.config.DangerDistance > 0 {
		b.Danger = s.config.DangerDistance
	}
	if s.config.WarningDistance > 0 {
		b.Warning = s.config.WarningDistance
	}
	return b
}

func (s *Server) smoothingConfig() smoothing.Config {
	c := smoothing.DefaultConfig()
	if s.config.MaxSpeed > 0 {
		c.MaxSpeed = s.config.MaxSpeed
	}
	return c
}

func (s *Server) openLatest(ctx context.Context) (cache.Latest, error) {
	if s.config.RedisAddr == "" {
		s.logger.Info("keeping latest readings in memory")
		return cache.NewMemory(s.config.RSSIHorizon), nil
	}

	r, err := cache.NewRedis(ctx, cache.RedisConfig{
		Addr:     s.config.RedisAddr,
		Password: s.config.RedisPassword,
		DB:       s.config.RedisDB,
		Horizon:  s.config.RSSIHorizon,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("mirroring latest readings to redis", "addr", s.config.RedisAddr)
	return r, nil
}

// Run starts the engine server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting proximity engine")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	db, err := store.NewDB(&store.DBConfig{
		Logger:   s.logger,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	repo, err := store.NewRepository(db, logger.Component(s.logger, "store"))
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	if err := repo.EnsureRetentionPolicies(ctx); err != nil {
		return err
	}

	s.latest, err = s.openLatest(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize latest reading cache: %w", err)
	}

	mqMetrics := metrics.NewMQMetrics(metrics.Namespace, nil)
	mqLogger := logger.Component(s.logger, "mq")

	publisher := mq.New(mq.Config{
		URL:      s.config.RabbitMQURL,
		Exchange: s.config.Exchange,
	}, mqLogger)
	publisher.SetMetrics(mqMetrics)
	s.publisher = publisher

	s.engine, err = New(&Config{
		Logger:             s.logger,
		Repository:         repo,
		Publisher:          publisher,
		Latest:             s.latest,
		Metrics:            metrics.NewEngineMetrics(metrics.Namespace, nil),
		HTTPMetrics:        metrics.NewHTTPMetrics(metrics.Namespace, nil),
		Bands:              s.bands(),
		Smoothing:          s.smoothingConfig(),
		DedupWindow:        s.config.DedupWindow,
		CommandAuth:        s.config.CommandAuth,
		AckTimeout:         s.config.AckTimeout,
		ActuationQueueSize: s.config.ActuationQueueSize,
		ActuationWorkers:   s.config.ActuationWorkers,
		Profile:            s.config.Profile,
		ReloadInterval:     s.config.ReloadInterval,
		SweepInterval:      s.config.SweepInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	if err := s.engine.Start(ctx); err != nil {
		return err
	}

	uplinkClient := mq.New(mq.Config{
		URL:         s.config.RabbitMQURL,
		Exchange:    s.config.Exchange,
		Queue:       s.config.UplinkQueue,
		BindingKeys: []string{mq.UplinkBinding},
		Durable:     true,
		Prefetch:    32,
	}, mqLogger)
	uplinkClient.SetMetrics(mqMetrics)

	s.uplink, err = NewConsumer(&ConsumerConfig{
		Name:    "uplink",
		Logger:  logger.Component(s.logger, "ingest"),
		Client:  uplinkClient,
		Handler: HandlerFunc(s.engine.HandlePayload),
		Metrics: mqMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize uplink consumer: %w", err)
	}
	if err := s.uplink.Start(ctx); err != nil {
		return fmt.Errorf("failed to start uplink consumer: %w", err)
	}

	if s.config.RegistryQueue != "" {
		if err := s.startRegistryConsumer(ctx, repo, mqLogger, mqMetrics); err != nil {
			return err
		}
	}

	health := func() error {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer pingCancel()
		return repo.Ping(pingCtx)
	}

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.engine.Router(health),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", addr)

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("proximity engine started successfully")

	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			cancel()
			if shutdownErr := s.Shutdown(); shutdownErr != nil {
				return errors.Join(err, shutdownErr)
			}
			return err
		}
	}

	return s.Shutdown()
}

func (s *Server) startRegistryConsumer(ctx context.Context, repo *store.Repository, mqLogger *slog.Logger, m *metrics.MQMetrics) error {
	client := mq.New(mq.Config{
		URL:         s.config.RabbitMQURL,
		Exchange:    s.config.Exchange,
		Queue:       s.config.RegistryQueue,
		BindingKeys: []string{mq.RegistryBinding},
		Durable:     true,
	}, mqLogger)
	client.SetMetrics(m)

	syncer, err := NewRegistrySync(logger.Component(s.logger, "registry"), repo, s.engine.RefreshRegistry)
	if err != nil {
		return fmt.Errorf("failed to initialize registry sync: %w", err)
	}

	s.registry, err = NewConsumer(&ConsumerConfig{
		Name:    "registry",
		Logger:  s.logger,
		Client:  client,
		Handler: syncer,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize registry consumer: %w", err)
	}
	if err := s.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry consumer: %w", err)
	}
	return nil
}

// Shutdown stops intake first, then the engine, then closes connections.
// Errors are collected and returned together.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down proximity engine")

	var errs []error

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to stop HTTP server", "error", err)
			errs = append(errs, fmt.Errorf("http shutdown error: %w", err))
		}
		cancel()
	}

	for _, c := range []*Consumer{s.uplink, s.registry} {
		if c == nil {
			continue
		}
		if err := c.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "consumer", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s consumer shutdown error: %w", c.name, err))
		}
	}

	if s.engine != nil {
		s.engine.Stop()
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("failed to close publisher", "error", err)
			errs = append(errs, fmt.Errorf("publisher close error: %w", err))
		}
	}

	if s.latest != nil {
		if err := s.latest.Close(); err != nil {
			s.logger.Error("failed to close latest reading cache", "error", err)
			errs = append(errs, fmt.Errorf("cache close error: %w", err))
		}
	}

	if s.db != nil {
		s.logger.Info("closing database connection")
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("proximity engine shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("proximity engine shutdown completed successfully")
	return nil
}
