package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration. It is threaded
// explicitly through each component constructor; there are no mutable
// process-wide defaults consulted implicitly.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Scoring configures the pipeline stages
	Scoring ScoringConfig `json:"scoring"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ScoringConfig holds pipeline settings.
type ScoringConfig struct {
	// MaxWorkers bounds concurrent detection method invocations.
	MaxWorkers int `json:"maxWorkers"`

	// MethodTimeout bounds one method invocation; a timeout is recorded
	// as a method failure, not a run abort.
	MethodTimeout time.Duration `json:"methodTimeout"`

	// DefaultPolicy is the fusion policy used when a run names none.
	DefaultPolicy string `json:"defaultPolicy"`

	// TierBands maps fused scores to risk tiers.
	TierBands TierBands `json:"tierBands"`

	// MinAlertTier is the lowest tier that still creates an alert.
	// Entities at tiers below it are counted but not alerted.
	MinAlertTier RiskTier `json:"minAlertTier"`

	// QueueCapacity bounds the investigation queue.
	QueueCapacity int `json:"queueCapacity"`

	// TopFactors is how many contributing factors the narrative names.
	TopFactors int `json:"topFactors"`

	// ReducedComponents is the target dimensionality of the reduced matrix.
	ReducedComponents int `json:"reducedComponents"`

	// VotingThreshold is the default per-method anomaly threshold used
	// by voting fusion when a method configures none.
	VotingThreshold float64 `json:"votingThreshold"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultScoringConfig returns the standard pipeline settings.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		MaxWorkers:        8,
		MethodTimeout:     30 * time.Second,
		DefaultPolicy:     PolicyWeightedAverage,
		TierBands:         DefaultTierBands(),
		MinAlertTier:      TierMedium,
		QueueCapacity:     500,
		TopFactors:        3,
		ReducedComponents: 3,
		VotingThreshold:   0.7,
	}
}

// DefaultConfig returns a default configuration for the community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:    TierCommunity,
		Scoring: DefaultScoringConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for the pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:         "redis",
		RedisAddr:    "localhost:6379",
		LocalMaxSize: 1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
