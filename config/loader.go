package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader builds a Config from defaults, an optional YAML file, and
// environment variables, in that order.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader returns a Loader with the FUSEFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "FUSEFLOW"}
}

// WithConfigPath sets the YAML file to load. Missing files are not an
// error when the path was never set; an explicit path must exist.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the configuration and validates it.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.configPath, err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Only scalar knobs
// are exposed this way; the map-valued tables stay in YAML.
func (l *Loader) applyEnv(cfg *Config) error {
	var err error

	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		v, ok := os.LookupEnv(l.envPrefix + "_" + key)
		if !ok || err != nil {
			return
		}
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("env %s_%s: %w", l.envPrefix, key, perr)
			return
		}
		*dst = b
	}
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(l.envPrefix + "_" + key)
		if !ok || err != nil {
			return
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("env %s_%s: %w", l.envPrefix, key, perr)
			return
		}
		*dst = n
	}
	setInt64 := func(key string, dst *int64) {
		v, ok := os.LookupEnv(l.envPrefix + "_" + key)
		if !ok || err != nil {
			return
		}
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			err = fmt.Errorf("env %s_%s: %w", l.envPrefix, key, perr)
			return
		}
		*dst = n
	}
	setFloat := func(key string, dst *float64) {
		v, ok := os.LookupEnv(l.envPrefix + "_" + key)
		if !ok || err != nil {
			return
		}
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = fmt.Errorf("env %s_%s: %w", l.envPrefix, key, perr)
			return
		}
		*dst = f
	}
	setDuration := func(key string, dst *time.Duration) {
		v, ok := os.LookupEnv(l.envPrefix + "_" + key)
		if !ok || err != nil {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = fmt.Errorf("env %s_%s: %w", l.envPrefix, key, perr)
			return
		}
		*dst = d
	}

	setInt("HTTP_PORT", &cfg.Server.HTTPPort)
	setInt("METRICS_PORT", &cfg.Server.MetricsPort)
	setDuration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	setFloat("RATE_LIMIT_RPS", &cfg.Server.RateLimitRPS)
	setInt("RATE_LIMIT_BURST", &cfg.Server.RateLimitBurst)

	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)

	setInt64("MAX_IN_FLIGHT", &cfg.Dispatch.MaxInFlight)
	setDuration("DEFAULT_TIMEOUT", &cfg.Dispatch.DefaultTimeout)

	setString("DEFAULT_STRATEGY", &cfg.Fusion.DefaultStrategy)

	setBool("REDIS_ENABLED", &cfg.Redis.Enabled)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("REDIS_DB", &cfg.Redis.DB)
	setDuration("REDIS_TTL", &cfg.Redis.TTL)

	setBool("DATABASE_ENABLED", &cfg.Database.Enabled)
	setString("DATABASE_DRIVER", &cfg.Database.Driver)
	setString("DATABASE_DSN", &cfg.Database.DSN)

	setBool("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	setString("SERVICE_NAME", &cfg.Telemetry.ServiceName)
	setString("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	setFloat("TELEMETRY_SAMPLE_RATE", &cfg.Telemetry.SampleRate)

	return err
}
