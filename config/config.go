package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "CHTBX_"

type Config struct {
	Port     int    `env:"SERVER_PORT, default=3215"`
	DBPath   string `env:"DB_PATH, default=chtbx.db"`
	LogLevel string `env:"LOG_LEVEL, default=info"`
	// LogPretty switches to coloured console output instead of JSON.
	LogPretty bool `env:"LOG_PRETTY, default=false"`
	// MetricsAddr enables the Prometheus endpoint, e.g. ":9090".
	MetricsAddr string `env:"METRICS_ADDR"`

	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT, default=0s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT, default=0s"`

	Redis RedisConfig
}

// RedisConfig configures the presence mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr string `env:"REDIS_ADDR"`
	DB   int    `env:"REDIS_DB, default=0"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads the configuration from l, applying Prefix.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(Prefix, l),
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("config: invalid port %d", cfg.Port)
	}
	return &cfg, nil
}
