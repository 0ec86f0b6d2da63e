// Package main provides the unified CLI entry point for the proximity engine.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "proximity-engine",
		Short: "Worker proximity sensing and alerting",
		Long: `A proximity sensing and alerting engine with two components:
- engine: Turns BLE beacon RSSI into distance decisions and rings wearables
- simulator: Impersonates gateways and walking workers on the message bus`,
		Version: "1.0.0",
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/proximity-engine/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")
	rootCmd.PersistentFlags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	rootCmd.PersistentFlags().String("exchange", "proximity", "RabbitMQ topic exchange")

	// Bind flags to viper
	for key, flag := range map[string]string{
		"log.level":         "log-level",
		"log.format":        "log-format",
		"rabbitmq.url":      "rabbitmq-url",
		"rabbitmq.exchange": "exchange",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			log.Fatalf("failed to bind %s flag: %v", flag, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if err := InitConfig(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Log config file being used
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
