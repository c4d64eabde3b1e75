package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"marketwatch/api"
	"marketwatch/internal/config"
	"marketwatch/internal/kafka"
	"marketwatch/pkg/bitbank"
	"marketwatch/pkg/book"
	"marketwatch/pkg/micro"
	"marketwatch/pkg/monitor"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marketwatch",
		Short: "Real-time exchange market-state monitor",
		Long:  `Maintains a consistent live view of one instrument's order book, trades, and microstructure metrics, and raises alerts on abnormal conditions`,
		Run:   runMonitor,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runMonitor(cmd *cobra.Command, args []string) {
	// Local overrides from .env, if present
	_ = godotenv.Load()

	logger = logrus.New()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := monitor.New(buildMonitorConfig(cfg), logger)

	if cfg.Kafka.Enabled() {
		snapshots := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.SnapshotTopic)
		alerts := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic)
		defer snapshots.Close()
		defer alerts.Close()
		mon.SetPublishers(snapshots, alerts)
		logger.WithField("brokers", cfg.Kafka.Brokers).Info("Kafka publication enabled")
	}

	if err := mon.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start market monitor")
	}

	apiServer := api.NewServer(mon, logger, fmt.Sprintf("%d", cfg.Server.Port))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithField("pair", cfg.Pair).Info("Market monitor is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	mon.Stop()
	cancel()

	logger.Info("Market monitor stopped")
}

func buildMonitorConfig(cfg *config.Config) monitor.Config {
	return monitor.Config{
		Pair: cfg.Pair,
		Feed: bitbank.Config{
			URL:                  cfg.Feed.URL,
			Pair:                 cfg.Pair,
			HeartbeatInterval:    time.Duration(cfg.Feed.HeartbeatIntervalMs) * time.Millisecond,
			ReconnectDelay:       time.Duration(cfg.Feed.ReconnectDelayMs) * time.Millisecond,
			MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
			Warmup:               time.Duration(cfg.Feed.WarmupMs) * time.Millisecond,
		},
		Book: book.Config{
			Pair:                        cfg.Pair,
			MaxDepth:                    cfg.Book.MaxDepth,
			LargeOrderThreshold:         decimal.NewFromFloat(cfg.Book.LargeOrderThreshold),
			SpreadAlertThresholdPercent: cfg.Book.SpreadAlertThresholdPercent,
			ImbalanceAlertThreshold:     cfg.Book.ImbalanceAlertThreshold,
			StaleAfter:                  time.Duration(cfg.Book.StaleAfterSeconds) * time.Second,
		},
		Micro: micro.Config{
			SpreadWindowSize:    cfg.Micro.SpreadWindowSize,
			ImpactWindowSize:    cfg.Micro.ImpactWindowSize,
			FrequencyWindow:     time.Duration(cfg.Micro.FrequencyWindowMs) * time.Millisecond,
			ImpactThreshold:     cfg.Micro.ImpactThreshold,
			WideSpreadThreshold: cfg.Book.SpreadAlertThresholdPercent / 100,
			ProviderCapacity:    cfg.Micro.ProviderCapacity,
		},
		AlertLogSize:             cfg.Monitor.AlertLogSize,
		AlertEscalationThreshold: cfg.Monitor.AlertEscalationThreshold,
		HealthCheckInterval:      time.Duration(cfg.Monitor.HealthCheckIntervalMs) * time.Millisecond,
		RecentTradeCount:         cfg.Monitor.RecentTradeCount,
	}
}
