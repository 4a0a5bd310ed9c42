package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/OhziiiLov3/rights2roof"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend         string        `mapstructure:"backend"`
	Path            string        `mapstructure:"path"`
	RedisURL        string        `mapstructure:"redis_url"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// Backend is a Store that holds resources.
type Backend interface {
	rights2roof.Store
	Close() error
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, error) {
	interval := cfg.CleanupInterval
	if interval == 0 {
		interval = 10 * time.Minute
	}

	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(interval, logger), nil
	case BackendFile:
		if cfg.Path == "" {
			return nil, rights2roof.NewConfigurationError("file store needs a path", nil)
		}
		f, err := NewFile(cfg.Path, interval, logger)
		if err != nil {
			return nil, err
		}
		return f, nil
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, rights2roof.NewConfigurationError("redis store needs a url", nil)
		}
		r, err := NewRedis(ctx, cfg.RedisURL, cfg.KeyPrefix)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, rights2roof.NewConfigurationError(fmt.Sprintf("unknown store backend %q", cfg.Backend), nil)
	}
}
