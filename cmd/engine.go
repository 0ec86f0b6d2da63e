package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/proximity-engine/internal/engine"
)

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Run the proximity engine",
	Long: `Run the proximity engine that:
- Consumes gateway frames from RabbitMQ
- Calibrates and smooths RSSI into distances
- Persists decisions to PostgreSQL and streams them over websocket
- Rings wearables that come too close to a machine
- Serves the query API and Prometheus metrics`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(engineCmd)

	f := engineCmd.Flags()
	f.String("db-host", "localhost", "PostgreSQL host")
	f.Int("db-port", 5432, "PostgreSQL port")
	f.String("db-user", "postgres", "PostgreSQL user")
	f.String("db-password", "", "PostgreSQL password")
	f.String("db-name", "proximity", "PostgreSQL database name")
	f.String("db-sslmode", "disable", "PostgreSQL SSL mode")
	f.String("uplink-queue", "proximity.uplink", "RabbitMQ queue for gateway frames")
	f.String("registry-queue", "proximity.registry", "RabbitMQ queue for registry records (empty disables)")
	f.String("redis-addr", "", "Redis address for the latest-reading mirror (empty keeps it in memory)")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")
	f.Int("http-port", 8080, "HTTP port for the API, alert stream and metrics")
	f.Float64("danger-distance", 2.0, "Upper bound of the danger band in metres")
	f.Float64("warning-distance", 5.0, "Upper bound of the warning band in metres")
	f.Duration("dedup-window", time.Second, "Window in which identical reports are dropped")
	f.Duration("rssi-horizon", 10*time.Second, "Age after which a latest reading is stale")
	f.Float64("max-speed", 1.0, "Largest plausible movement in metres per second")
	f.Duration("ack-timeout", 10*time.Second, "Time to wait for a command acknowledgment")
	f.String("command-auth", "", "Auth token embedded in commands")
	f.Int("actuation-queue", 64, "Pending actuation capacity")
	f.Int("actuation-workers", 2, "Concurrent actuation workers")
	f.String("profile", engine.ProfileProduction, "Runtime profile (production, test)")
	f.Duration("reload-interval", engine.DefaultReloadInterval, "Registry and calibration reload interval")
	f.Duration("sweep-interval", engine.DefaultSweepInterval, "In-memory state sweep interval")

	for key, flag := range map[string]string{
		"engine.db.host":                 "db-host",
		"engine.db.port":                 "db-port",
		"engine.db.user":                 "db-user",
		"engine.db.password":             "db-password",
		"engine.db.name":                 "db-name",
		"engine.db.sslmode":              "db-sslmode",
		"engine.rabbitmq.uplink_queue":   "uplink-queue",
		"engine.rabbitmq.registry_queue": "registry-queue",
		"engine.redis.addr":              "redis-addr",
		"engine.redis.password":          "redis-password",
		"engine.redis.db":                "redis-db",
		"engine.http.port":               "http-port",
		"engine.bands.danger":            "danger-distance",
		"engine.bands.warning":           "warning-distance",
		"engine.dedup_window":            "dedup-window",
		"engine.rssi_horizon":            "rssi-horizon",
		"engine.max_speed":               "max-speed",
		"engine.command.ack_timeout":     "ack-timeout",
		"engine.command.auth":            "command-auth",
		"engine.actuation.queue":         "actuation-queue",
		"engine.actuation.workers":       "actuation-workers",
		"engine.profile":                 "profile",
		"engine.jobs.reload_interval":    "reload-interval",
		"engine.jobs.sweep_interval":     "sweep-interval",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func runEngine(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting proximity engine")

	config := &engine.ServerConfig{
		Logger:             logger,
		DBHost:             viper.GetString("engine.db.host"),
		DBPort:             viper.GetInt("engine.db.port"),
		DBUser:             viper.GetString("engine.db.user"),
		DBPassword:         viper.GetString("engine.db.password"),
		DBName:             viper.GetString("engine.db.name"),
		DBSSLMode:          viper.GetString("engine.db.sslmode"),
		RabbitMQURL:        viper.GetString("rabbitmq.url"),
		Exchange:           viper.GetString("rabbitmq.exchange"),
		UplinkQueue:        viper.GetString("engine.rabbitmq.uplink_queue"),
		RegistryQueue:      viper.GetString("engine.rabbitmq.registry_queue"),
		RedisAddr:          viper.GetString("engine.redis.addr"),
		RedisPassword:      viper.GetString("engine.redis.password"),
		RedisDB:            viper.GetInt("engine.redis.db"),
		HTTPPort:           viper.GetInt("engine.http.port"),
		DangerDistance:     viper.GetFloat64("engine.bands.danger"),
		WarningDistance:    viper.GetFloat64("engine.bands.warning"),
		DedupWindow:        viper.GetDuration("engine.dedup_window"),
		RSSIHorizon:        viper.GetDuration("engine.rssi_horizon"),
		MaxSpeed:           viper.GetFloat64("engine.max_speed"),
		AckTimeout:         viper.GetDuration("engine.command.ack_timeout"),
		CommandAuth:        viper.GetString("engine.command.auth"),
		ActuationQueueSize: viper.GetInt("engine.actuation.queue"),
		ActuationWorkers:   viper.GetInt("engine.actuation.workers"),
		Profile:            viper.GetString("engine.profile"),
		ReloadInterval:     viper.GetDuration("engine.jobs.reload_interval"),
		SweepInterval:      viper.GetDuration("engine.jobs.sweep_interval"),
	}

	server, err := engine.NewServer(config)
	if err != nil {
		logger.Error("failed to create engine server", "error", err)
		return err
	}

	logger.Info("engine server configuration",
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"exchange", config.Exchange,
		"uplink_queue", config.UplinkQueue,
		"registry_queue", config.RegistryQueue,
		"redis_addr", config.RedisAddr,
		"http_port", config.HTTPPort,
		"profile", config.Profile,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("engine server error", "error", err)
		return err
	}

	logger.Info("engine server stopped")
	return nil
}
