// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP/websocket server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN. Required by ingestd and broadcastd.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// FusionCoalesceWindow is the time window within which independently clocked
	// reports for one payload merge into the same telemetry row (e.g. "5s").
	FusionCoalesceWindow string `mapstructure:"FUSION_COALESCE_WINDOW"`
	// AnomalyMaxSpeedKMH is the implied ground speed above which a position
	// update is held provisional until corroborated.
	AnomalyMaxSpeedKMH float64 `mapstructure:"ANOMALY_MAX_SPEED_KMH"`
	// AnomalyCorroboration is how many independent sources must agree before a
	// flagged position is confirmed.
	AnomalyCorroboration int `mapstructure:"ANOMALY_CORROBORATION"`
	// AnomalyAgreeRadiusKM is the radius within which two sources count as agreeing.
	AnomalyAgreeRadiusKM float64 `mapstructure:"ANOMALY_AGREE_RADIUS_KM"`
	// SourceAuthority is a comma-separated source ranking (highest first) used to
	// break ties when two candidates carry the same effective time (e.g. "iridium,aprs,lora,http").
	SourceAuthority string `mapstructure:"SOURCE_AUTHORITY"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// ChangeTopic is the Kafka topic carrying telemetry change events.
	ChangeTopic string `mapstructure:"CHANGE_TOPIC"`
	// TaskTopic is the Kafka topic carrying derived-computation job dispatches.
	TaskTopic string `mapstructure:"TASK_TOPIC"`
	// KafkaGroupID is the consumer group id for a broadcaster instance. Each
	// instance needs its own group so every instance sees the full stream.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// RoomSendBuffer is the bounded per-viewer outbound queue length; a viewer
	// whose queue overflows is dropped.
	RoomSendBuffer int `mapstructure:"ROOM_SEND_BUFFER"`
	// CatchupDefaultHorizon is the history horizon used when a viewer requests none (e.g. "3h").
	CatchupDefaultHorizon string `mapstructure:"CATCHUP_DEFAULT_HORIZON"`
	// CatchupMaxHorizon caps viewer-requested history horizons (e.g. "24h").
	CatchupMaxHorizon string `mapstructure:"CATCHUP_MAX_HORIZON"`

	// PublishTimeout bounds a single bus publish or queue enqueue attempt (e.g. "5s").
	PublishTimeout string `mapstructure:"PUBLISH_TIMEOUT"`
	// PublishMaxElapsed bounds the total retry budget for a publish before it is
	// surfaced as a terminal failure (e.g. "30s").
	PublishMaxElapsed string `mapstructure:"PUBLISH_MAX_ELAPSED"`

	// OTLPEndpoint is the OTLP collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export (standard OTEL_EXPORTER_OTLP_INSECURE behavior).
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("FUSION_COALESCE_WINDOW", "5s")
	v.SetDefault("ANOMALY_MAX_SPEED_KMH", 1200.0)
	v.SetDefault("ANOMALY_CORROBORATION", 2)
	v.SetDefault("ANOMALY_AGREE_RADIUS_KM", 5.0)
	v.SetDefault("SOURCE_AUTHORITY", "iridium,aprs,lora,http")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("CHANGE_TOPIC", "telemetry-changes")
	v.SetDefault("TASK_TOPIC", "derived-tasks")
	v.SetDefault("KAFKA_GROUP_ID", "")
	v.SetDefault("ROOM_SEND_BUFFER", 64)
	v.SetDefault("CATCHUP_DEFAULT_HORIZON", "3h")
	v.SetDefault("CATCHUP_MAX_HORIZON", "24h")
	v.SetDefault("PUBLISH_TIMEOUT", "5s")
	v.SetDefault("PUBLISH_MAX_ELAPSED", "30s")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.AnomalyMaxSpeedKMH <= 0 {
		return nil, errors.New("config: ANOMALY_MAX_SPEED_KMH must be positive")
	}
	if cfg.AnomalyCorroboration < 1 {
		return nil, errors.New("config: ANOMALY_CORROBORATION must be at least 1")
	}
	if cfg.RoomSendBuffer < 1 {
		return nil, errors.New("config: ROOM_SEND_BUFFER must be at least 1")
	}
	if cfg.CoalesceWindow() <= 0 {
		return nil, errors.New("config: FUSION_COALESCE_WINDOW must be a positive duration")
	}

	return &cfg, nil
}

// CoalesceWindow parses FusionCoalesceWindow. Returns 0 if invalid so Load can reject it.
func (c *Config) CoalesceWindow() time.Duration {
	d, err := time.ParseDuration(c.FusionCoalesceWindow)
	if err != nil {
		return 0
	}
	return d
}

// DefaultHorizon parses CatchupDefaultHorizon. Returns 3h if unset or invalid.
func (c *Config) DefaultHorizon() time.Duration {
	d, err := time.ParseDuration(c.CatchupDefaultHorizon)
	if err != nil || d <= 0 {
		return 3 * time.Hour
	}
	return d
}

// MaxHorizon parses CatchupMaxHorizon. Returns 24h if unset or invalid.
func (c *Config) MaxHorizon() time.Duration {
	d, err := time.ParseDuration(c.CatchupMaxHorizon)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// PublishAttemptTimeout parses PublishTimeout. Returns 5s if unset or invalid.
func (c *Config) PublishAttemptTimeout() time.Duration {
	d, err := time.ParseDuration(c.PublishTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// PublishRetryBudget parses PublishMaxElapsed. Returns 30s if unset or invalid.
func (c *Config) PublishRetryBudget() time.Duration {
	d, err := time.ParseDuration(c.PublishMaxElapsed)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the bus is enabled (non-empty list) and to create writers/readers.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SourceAuthorityList returns the configured source ranking, highest authority first.
func (c *Config) SourceAuthorityList() []string {
	if c == nil || c.SourceAuthority == "" {
		return nil
	}
	parts := strings.Split(c.SourceAuthority, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(strings.ToLower(p)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
