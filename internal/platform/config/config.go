package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv     string `env:"APP_ENV" default:"development"`
	Port       string `env:"PORT" default:"19071"`
	InstanceID string `env:"INSTANCE_ID"`
	LogLevel   string `env:"LOG_LEVEL" default:"info"`
	LogFormat  string `env:"LOG_FORMAT" default:"text"`

	CoordinationBackend string `env:"COORDINATION_BACKEND" default:"redis"`
	RedisURL            string `env:"REDIS_URL"`
	DatabaseURL         string `env:"DATABASE_URL"`

	ServerDBDir       string `env:"SERVER_DB_DIR" default:"/var/lib/configserver"`
	FileReferencesDir string `env:"FILE_REFERENCES_DIR" default:"/var/lib/configserver/filedistribution"`

	ZoneEnvironment string `env:"ZONE_ENVIRONMENT" default:"prod"`
	ZoneRegion      string `env:"ZONE_REGION" default:"default"`

	SessionLifetime     time.Duration `env:"SESSION_LIFETIME" default:"1h"`
	DeployTimeout       time.Duration `env:"DEPLOY_TIMEOUT" default:"60s"`
	LockTTL             time.Duration `env:"LOCK_TTL" default:"60s"`
	MaintenanceInterval time.Duration `env:"MAINTENANCE_INTERVAL" default:"5m"`
	TenantTTL           time.Duration `env:"TENANT_TTL" default:"168h"`
	RemoteSessionMaxAge time.Duration `env:"REMOTE_SESSION_MAX_AGE" default:"24h"`
	FileReferenceTTL    time.Duration `env:"FILE_REFERENCE_TTL" default:"336h"` // 14 days

	HostPool      []string `env:"HOST_POOL"`
	LogServerPort int      `env:"LOG_SERVER_PORT" default:"8080"`

	RateLimitPerSecond float64 `env:"RATE_LIMIT_PER_SECOND" default:"20"`
}

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Zone renders the deployment zone the way metrics label it.
func (c *Config) Zone() string {
	return c.ZoneEnvironment + "." + c.ZoneRegion
}

func validate(cfg *Config) error {
	switch cfg.CoordinationBackend {
	case BackendRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required")
		}
	case BackendMemory:
		if cfg.AppEnv == "production" {
			return errors.New("COORDINATION_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("COORDINATION_BACKEND must be %q or %q, got %q", BackendRedis, BackendMemory, cfg.CoordinationBackend)
	}

	positive := map[string]time.Duration{
		"SESSION_LIFETIME":       cfg.SessionLifetime,
		"DEPLOY_TIMEOUT":         cfg.DeployTimeout,
		"LOCK_TTL":               cfg.LockTTL,
		"MAINTENANCE_INTERVAL":   cfg.MaintenanceInterval,
		"TENANT_TTL":             cfg.TenantTTL,
		"REMOTE_SESSION_MAX_AGE": cfg.RemoteSessionMaxAge,
		"FILE_REFERENCE_TTL":     cfg.FileReferenceTTL,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.ServerDBDir == "" {
		return errors.New("SERVER_DB_DIR is required")
	}
	if cfg.LogServerPort <= 0 || cfg.LogServerPort > 65535 {
		return fmt.Errorf("LOG_SERVER_PORT must be a valid port, got %d", cfg.LogServerPort)
	}

	return nil
}
