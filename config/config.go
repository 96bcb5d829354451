// Package config loads the FuseFlow configuration from YAML with
// environment-variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("FUSEFLOW").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/modalkit/fuseflow/types"
)

// Config is the complete FuseFlow configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Fusion    FusionConfig    `yaml:"fusion"`
	Backends  BackendsConfig  `yaml:"backends"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP and metrics listeners.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimitRPS caps requests per second per client IP; zero disables.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format: json, console.
	Format string `yaml:"format"`
}

// DispatchConfig configures the dispatcher's concurrency and timeouts.
type DispatchConfig struct {
	// MaxInFlight bounds concurrent backend invocations process-wide.
	MaxInFlight int64 `yaml:"max_in_flight"`
	// DefaultTimeout covers modalities without an explicit entry.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// Timeouts maps modality names to per-call bounds.
	Timeouts map[string]time.Duration `yaml:"timeouts"`
	// DefaultOperations maps modality names to the operations resolved
	// when a request names none.
	DefaultOperations map[string][]string `yaml:"default_operations"`
}

// FusionConfig configures the fusion engine.
type FusionConfig struct {
	// Weights is the late-fusion weight table by modality name. It
	// should sum to 1.0 over the four modalities; subsets are
	// renormalized per request.
	Weights map[string]float64 `yaml:"weights"`
	// DefaultStrategy applies when a request names no strategy.
	DefaultStrategy string `yaml:"default_strategy"`
}

// BackendsConfig carries per-capability backend settings.
type BackendsConfig struct {
	// RateLimits maps capability strings ("text.embedding") to
	// invocations-per-second caps. Zero/absent means unlimited.
	RateLimits map[string]float64 `yaml:"rate_limits"`
}

// RedisConfig configures the redis result cache sink.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	PoolSize int           `yaml:"pool_size"`
}

// DatabaseConfig configures the durable record sink.
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver: postgres or sqlite.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    0,
			RateLimitBurst:  20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Dispatch: DispatchConfig{
			MaxInFlight:    8,
			DefaultTimeout: 30 * time.Second,
			Timeouts: map[string]time.Duration{
				"text":  10 * time.Second,
				"image": 30 * time.Second,
				"audio": 60 * time.Second,
				"video": 120 * time.Second,
			},
			DefaultOperations: map[string][]string{
				"text":  {types.OpEmbed},
				"image": {types.OpCaption},
				"audio": {types.OpTranscribe},
				"video": {types.OpFrames},
			},
		},
		Fusion: FusionConfig{
			Weights: map[string]float64{
				"text":  0.4,
				"image": 0.3,
				"audio": 0.2,
				"video": 0.1,
			},
			DefaultStrategy: string(types.StrategyLate),
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			TTL:      5 * time.Minute,
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Enabled:         false,
			Driver:          "sqlite",
			DSN:             "fuseflow.db",
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "fuseflow",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port %d out of range", c.Server.MetricsPort)
	}
	if c.Dispatch.MaxInFlight < 1 {
		return fmt.Errorf("dispatch.max_in_flight must be >= 1, got %d", c.Dispatch.MaxInFlight)
	}
	if c.Dispatch.DefaultTimeout <= 0 {
		return fmt.Errorf("dispatch.default_timeout must be positive")
	}
	for name, d := range c.Dispatch.Timeouts {
		if _, err := types.ParseModality(name); err != nil {
			return fmt.Errorf("dispatch.timeouts: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("dispatch.timeouts.%s must be positive", name)
		}
	}

	sum := 0.0
	for name, w := range c.Fusion.Weights {
		if _, err := types.ParseModality(name); err != nil {
			return fmt.Errorf("fusion.weights: %w", err)
		}
		if w < 0 {
			return fmt.Errorf("fusion.weights.%s must be non-negative", name)
		}
		sum += w
	}
	if len(c.Fusion.Weights) > 0 && sum <= 0 {
		return fmt.Errorf("fusion.weights must have positive mass")
	}
	if _, err := types.ParseFusionStrategy(c.Fusion.DefaultStrategy); err != nil {
		return fmt.Errorf("fusion.default_strategy: %w", err)
	}

	if c.Database.Enabled {
		switch c.Database.Driver {
		case "postgres", "sqlite":
		default:
			return fmt.Errorf("database.driver %q not supported", c.Database.Driver)
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn required when database is enabled")
		}
	}
	return nil
}

// ModalityTimeouts converts the string-keyed timeout table to typed keys.
func (c *Config) ModalityTimeouts() map[types.Modality]time.Duration {
	out := make(map[types.Modality]time.Duration, len(c.Dispatch.Timeouts))
	for name, d := range c.Dispatch.Timeouts {
		out[types.Modality(name)] = d
	}
	return out
}

// ModalityOperations converts the default operation table to typed keys.
func (c *Config) ModalityOperations() map[types.Modality][]string {
	out := make(map[types.Modality][]string, len(c.Dispatch.DefaultOperations))
	for name, ops := range c.Dispatch.DefaultOperations {
		out[types.Modality(name)] = ops
	}
	return out
}

// FusionWeights converts the weight table to typed keys.
func (c *Config) FusionWeights() map[types.Modality]float64 {
	out := make(map[types.Modality]float64, len(c.Fusion.Weights))
	for name, w := range c.Fusion.Weights {
		out[types.Modality(name)] = w
	}
	return out
}
