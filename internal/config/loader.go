package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "botforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "BOTFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "BOTFORGE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "BOTFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "BOTFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "BOTFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "BOTFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "BOTFORGE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "BOTFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "BOTFORGE_LOG_SERVICE")
	setFloat64(&cfg.Rate.RequestsPerSecond, "BOTFORGE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "BOTFORGE_RATE_BURST")
	setInt(&cfg.Breaker.MaxFailures, "BOTFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "BOTFORGE_BREAKER_TIMEOUT")

	setInt(&cfg.Runs.MaxConcurrent, "BOTFORGE_RUNS_MAX_CONCURRENT")
	setInt(&cfg.Runs.MaxPerMonth, "BOTFORGE_RUNS_MAX_PER_MONTH")
	setDuration(&cfg.Runs.DefaultTimeout, "BOTFORGE_RUNS_DEFAULT_TIMEOUT")
	setDuration(&cfg.Runs.DefaultHitlDeadline, "BOTFORGE_RUNS_HITL_DEADLINE")
	setDuration(&cfg.Runs.BotVersionCacheTTL, "BOTFORGE_RUNS_VERSION_CACHE_TTL")
	setInt64(&cfg.Runs.MaxInputBytes, "BOTFORGE_RUNS_MAX_INPUT_BYTES")

	setDuration(&cfg.Gateway.HandshakeTimeout, "BOTFORGE_GW_HANDSHAKE_TIMEOUT")
	setDuration(&cfg.Gateway.HeartbeatInterval, "BOTFORGE_GW_HEARTBEAT_INTERVAL")
	setDuration(&cfg.Gateway.HeartbeatTimeout, "BOTFORGE_GW_HEARTBEAT_TIMEOUT")
	setDuration(&cfg.Gateway.LivenessInterval, "BOTFORGE_GW_LIVENESS_INTERVAL")
	setDuration(&cfg.Gateway.WriteTimeout, "BOTFORGE_GW_WRITE_TIMEOUT")

	setDuration(&cfg.Tick.Interval, "BOTFORGE_TICK_INTERVAL")
	setInt(&cfg.Tick.BatchSize, "BOTFORGE_TICK_BATCH_SIZE")
	setDuration(&cfg.Tick.StaleRunner, "BOTFORGE_TICK_STALE_RUNNER")
	setDuration(&cfg.Tick.LeaderRetry, "BOTFORGE_TICK_LEADER_RETRY")

	setInt(&cfg.Bus.SubscriberBuffer, "BOTFORGE_BUS_SUBSCRIBER_BUFFER")
	setInt64(&cfg.Cache.MaxSizeMB, "BOTFORGE_CACHE_SIZE_MB")
	setString(&cfg.Notify.WebhookURL, "BOTFORGE_NOTIFY_WEBHOOK_URL")
	setString(&cfg.Notify.SlackURL, "BOTFORGE_NOTIFY_SLACK_URL")
	setString(&cfg.Notify.DiscordURL, "BOTFORGE_NOTIFY_DISCORD_URL")
	setString(&cfg.Secrets.File, "BOTFORGE_SECRETS_FILE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Tick.Interval <= 0 {
		return errors.New("tick.interval must be positive")
	}
	if cfg.Tick.BatchSize < 1 {
		return errors.New("tick.batch_size must be >= 1")
	}
	if cfg.Bus.SubscriberBuffer < 1 {
		return errors.New("bus.subscriber_buffer must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
