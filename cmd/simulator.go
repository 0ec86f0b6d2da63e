package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/proximity-engine/internal/simulator"
	"procodus.dev/proximity-engine/pkg/metrics"
)

var simulatorCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Run the gateway simulator",
	Long: `Run the gateway simulator that:
- Registers simulated gateways and beacons
- Publishes heartbeats and RSSI scan batches to RabbitMQ
- Answers ring commands with acknowledgments`,
	RunE: runSimulator,
}

func init() {
	rootCmd.AddCommand(simulatorCmd)

	f := simulatorCmd.Flags()
	f.String("command-queue", "proximity.simulator.commands", "RabbitMQ queue for commands addressed to simulated gateways")
	f.Int("gateways", 3, "Number of simulated gateways")
	f.Int("beacons-per-gateway", 4, "Number of workers around each gateway")
	f.Duration("scan-interval", time.Second, "Interval between scan batches")
	f.Duration("heartbeat-interval", 30*time.Second, "Interval between heartbeats")
	f.Float64("ack-failure-rate", 0.05, "Share of commands answered with a failure")

	for key, flag := range map[string]string{
		"simulator.rabbitmq.command_queue": "command-queue",
		"simulator.gateways":               "gateways",
		"simulator.beacons_per_gateway":    "beacons-per-gateway",
		"simulator.scan_interval":          "scan-interval",
		"simulator.heartbeat_interval":     "heartbeat-interval",
		"simulator.ack_failure_rate":       "ack-failure-rate",
	} {
		_ = viper.BindPFlag(key, f.Lookup(flag))
	}
}

func runSimulator(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting gateway simulator")

	config := &simulator.ServerConfig{
		Logger:            logger,
		RabbitMQURL:       viper.GetString("rabbitmq.url"),
		Exchange:          viper.GetString("rabbitmq.exchange"),
		CommandQueue:      viper.GetString("simulator.rabbitmq.command_queue"),
		Gateways:          viper.GetInt("simulator.gateways"),
		BeaconsPerGateway: viper.GetInt("simulator.beacons_per_gateway"),
		ScanInterval:      viper.GetDuration("simulator.scan_interval"),
		HeartbeatInterval: viper.GetDuration("simulator.heartbeat_interval"),
		AckFailureRate:    viper.GetFloat64("simulator.ack_failure_rate"),
		Metrics:           metrics.NewSimulatorMetrics(metrics.Namespace, nil),
		MQMetrics:         metrics.NewMQMetrics(metrics.Namespace, nil),
	}

	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator server", "error", err)
		return err
	}

	logger.Info("simulator server configuration",
		"exchange", config.Exchange,
		"command_queue", config.CommandQueue,
		"gateways", config.Gateways,
		"beacons_per_gateway", config.BeaconsPerGateway,
		"scan_interval", config.ScanInterval,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator server error", "error", err)
		return err
	}

	logger.Info("simulator server stopped")
	return nil
}
