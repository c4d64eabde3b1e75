package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Pair    string        `mapstructure:"pair"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Book    BookConfig    `mapstructure:"book"`
	Micro   MicroConfig   `mapstructure:"micro"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Server  ServerConfig  `mapstructure:"server"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type FeedConfig struct {
	URL                  string `mapstructure:"url"`
	HeartbeatIntervalMs  int    `mapstructure:"heartbeat_interval_ms"`
	ReconnectDelayMs     int    `mapstructure:"reconnect_delay_ms"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
	WarmupMs             int    `mapstructure:"warmup_ms"`
}

type BookConfig struct {
	MaxDepth                    int     `mapstructure:"max_depth"`
	LargeOrderThreshold         float64 `mapstructure:"large_order_threshold"`
	SpreadAlertThresholdPercent float64 `mapstructure:"spread_alert_threshold_percent"`
	ImbalanceAlertThreshold     float64 `mapstructure:"imbalance_alert_threshold"`
	StaleAfterSeconds           int     `mapstructure:"stale_after_seconds"`
}

type MicroConfig struct {
	SpreadWindowSize  int     `mapstructure:"spread_window_size"`
	ImpactWindowSize  int     `mapstructure:"impact_window_size"`
	FrequencyWindowMs int     `mapstructure:"frequency_window_ms"`
	ImpactThreshold   float64 `mapstructure:"impact_threshold"`
	ProviderCapacity  int     `mapstructure:"provider_capacity"`
}

type MonitorConfig struct {
	AlertLogSize             int `mapstructure:"alert_log_size"`
	AlertEscalationThreshold int `mapstructure:"alert_escalation_threshold"`
	HealthCheckIntervalMs    int `mapstructure:"health_check_interval_ms"`
	RecentTradeCount         int `mapstructure:"recent_trade_count"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	SnapshotTopic string   `mapstructure:"snapshot_topic"`
	AlertTopic    string   `mapstructure:"alert_topic"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Enabled reports whether downstream kafka publication is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/marketwatch")
	}

	v.SetEnvPrefix("MARKETWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pair", "btc_jpy")

	v.SetDefault("feed.url", "wss://stream.bitbank.cc/socket.io/?EIO=4&transport=websocket")
	v.SetDefault("feed.heartbeat_interval_ms", 30000)
	v.SetDefault("feed.reconnect_delay_ms", 5000)
	v.SetDefault("feed.max_reconnect_attempts", 10)
	v.SetDefault("feed.warmup_ms", 5000)

	v.SetDefault("book.max_depth", 100)
	v.SetDefault("book.large_order_threshold", 1000000)
	v.SetDefault("book.spread_alert_threshold_percent", 0.5)
	v.SetDefault("book.imbalance_alert_threshold", 0.7)
	v.SetDefault("book.stale_after_seconds", 30)

	v.SetDefault("micro.spread_window_size", 100)
	v.SetDefault("micro.impact_window_size", 100)
	v.SetDefault("micro.frequency_window_ms", 60000)
	v.SetDefault("micro.impact_threshold", 0.001)
	v.SetDefault("micro.provider_capacity", 200)

	v.SetDefault("monitor.alert_log_size", 500)
	v.SetDefault("monitor.alert_escalation_threshold", 15)
	v.SetDefault("monitor.health_check_interval_ms", 10000)
	v.SetDefault("monitor.recent_trade_count", 50)

	v.SetDefault("server.port", 8080)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.snapshot_topic", "marketwatch.snapshots")
	v.SetDefault("kafka.alert_topic", "marketwatch.alerts")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func overrideFromEnv(config *Config) {
	if pair := os.Getenv("MARKETWATCH_PAIR"); pair != "" {
		config.Pair = pair
	}
	if url := os.Getenv("MARKETWATCH_FEED_URL"); url != "" {
		config.Feed.URL = url
	}
	if brokers := os.Getenv("MARKETWATCH_KAFKA_BROKERS"); brokers != "" {
		config.Kafka.Brokers = strings.Split(brokers, ",")
	}
}

// Validate rejects configurations the components cannot run with. It is called
// once at load; components assume a validated config afterwards.
func (c *Config) Validate() error {
	if c.Pair == "" {
		return fmt.Errorf("pair must not be empty")
	}
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url must not be empty")
	}
	if c.Book.MaxDepth <= 0 {
		return fmt.Errorf("book.max_depth must be positive, got %d", c.Book.MaxDepth)
	}
	if c.Feed.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("feed.heartbeat_interval_ms must be positive, got %d", c.Feed.HeartbeatIntervalMs)
	}
	if c.Feed.ReconnectDelayMs <= 0 {
		return fmt.Errorf("feed.reconnect_delay_ms must be positive, got %d", c.Feed.ReconnectDelayMs)
	}
	if c.Feed.MaxReconnectAttempts < 0 {
		return fmt.Errorf("feed.max_reconnect_attempts must not be negative, got %d", c.Feed.MaxReconnectAttempts)
	}
	if c.Micro.SpreadWindowSize <= 0 || c.Micro.ImpactWindowSize <= 0 {
		return fmt.Errorf("micro window sizes must be positive")
	}
	if c.Micro.FrequencyWindowMs <= 0 {
		return fmt.Errorf("micro.frequency_window_ms must be positive, got %d", c.Micro.FrequencyWindowMs)
	}
	if c.Monitor.AlertLogSize <= 0 {
		return fmt.Errorf("monitor.alert_log_size must be positive, got %d", c.Monitor.AlertLogSize)
	}
	if c.Monitor.AlertEscalationThreshold <= 0 {
		return fmt.Errorf("monitor.alert_escalation_threshold must be positive, got %d", c.Monitor.AlertEscalationThreshold)
	}
	return nil
}
