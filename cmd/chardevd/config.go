package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds chardevd's configuration: env names the environment
// variable, envDefault supplies the fallback when unset.
type Config struct {
	// Transport selection
	DeviceKind   string `env:"CHARDEV_DEVICE_KIND" envDefault:"net"` // "net" or "ws"
	DeviceListen string `env:"CHARDEV_DEVICE_LISTEN" envDefault:":7070"`
	DeviceBuffer int    `env:"CHARDEV_DEVICE_BUFFER" envDefault:"65536"`

	NatsURL          string  `env:"CHARDEV_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NatsPublishRate  float64 `env:"CHARDEV_NATS_PUBLISH_RATE" envDefault:"2000"`
	NatsPublishBurst int     `env:"CHARDEV_NATS_PUBLISH_BURST" envDefault:"200"`
	NatsOutboxSize   int     `env:"CHARDEV_NATS_OUTBOX_SIZE" envDefault:"512"`

	KafkaBrokers       string `env:"CHARDEV_KAFKA_BROKERS" envDefault:""`
	KafkaConsumerGroup string `env:"CHARDEV_KAFKA_CONSUMER_GROUP" envDefault:"chardev-feed"`
	KafkaTopics        string `env:"CHARDEV_KAFKA_TOPICS" envDefault:""`

	// Credit accounting: the batching threshold for returning client
	// tokens and the server-origin credit pool size.
	ClientTokensInterval uint32 `env:"CHARDEV_CLIENT_TOKENS_INTERVAL" envDefault:"16"`
	SelfTokens           uint32 `env:"CHARDEV_SELF_TOKENS" envDefault:"256"`

	MetricsAddr     string        `env:"CHARDEV_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"CHARDEV_METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"CHARDEV_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHARDEV_LOG_FORMAT" envDefault:"json"`
}

// LoadConfig reads a .env file (optional) then environment variables,
// applying defaults and validating.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for obviously broken values before the
// daemon starts wiring transports.
func (c *Config) Validate() error {
	if c.DeviceKind != "net" && c.DeviceKind != "ws" {
		return fmt.Errorf("CHARDEV_DEVICE_KIND must be \"net\" or \"ws\", got %q", c.DeviceKind)
	}
	if c.DeviceBuffer < 1 {
		return fmt.Errorf("CHARDEV_DEVICE_BUFFER must be > 0, got %d", c.DeviceBuffer)
	}
	if c.ClientTokensInterval < 1 {
		return fmt.Errorf("CHARDEV_CLIENT_TOKENS_INTERVAL must be > 0, got %d", c.ClientTokensInterval)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("CHARDEV_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("CHARDEV_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	if c.kafkaEnabled() && len(c.kafkaTopics()) == 0 {
		return fmt.Errorf("CHARDEV_KAFKA_TOPICS is required when CHARDEV_KAFKA_BROKERS is set")
	}
	return nil
}

func (c *Config) kafkaEnabled() bool { return strings.TrimSpace(c.KafkaBrokers) != "" }

func (c *Config) kafkaBrokers() []string { return splitCSV(c.KafkaBrokers) }
func (c *Config) kafkaTopics() []string  { return splitCSV(c.KafkaTopics) }

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// LogConfig logs the resolved configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("device_kind", c.DeviceKind).
		Str("device_listen", c.DeviceListen).
		Int("device_buffer", c.DeviceBuffer).
		Str("nats_url", c.NatsURL).
		Bool("kafka_enabled", c.kafkaEnabled()).
		Uint32("client_tokens_interval", c.ClientTokensInterval).
		Uint32("self_tokens", c.SelfTokens).
		Str("metrics_addr", c.MetricsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("chardevd configuration loaded")
}
