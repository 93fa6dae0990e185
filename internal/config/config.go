package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// MemoryBusURL 让广播总线运行在进程内，只适用于单实例。
const MemoryBusURL = "memory://"

type Config struct {
	Port     string `env:"APP_PORT" envDefault:"8080"`
	Env      string `env:"APP_ENV" envDefault:"dev"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres"`
	DatabaseDSN    string `env:"DATABASE_DSN" envDefault:"host=localhost user=postgres password=postgres dbname=webchat port=5432 sslmode=disable TimeZone=UTC"`

	// Redis 承载广播总线，所有实例都在 BroadcastChannel 上发布和监听。
	RedisURL           string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	BroadcastChannel   string `env:"BROADCAST_CHANNEL" envDefault:"chatroom"`
	BroadcastQueueSize int    `env:"BROADCAST_QUEUE_SIZE" envDefault:"256"`

	AccessTokenTTLMinutes int           `env:"ACCESS_TOKEN_TTL_MINUTES" envDefault:"30"`
	RefreshTokenTTLDays   int           `env:"REFRESH_TOKEN_TTL_DAYS" envDefault:"180"`
	WSAuthTimeout         time.Duration `env:"WS_AUTH_TIMEOUT" envDefault:"10s"`

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"40"`
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLDays) * 24 * time.Hour
}

// Load 从环境变量读取配置并校验。
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查启动前必须满足的配置约束。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN is required")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	if cfg.RedisURL != MemoryBusURL {
		if _, err := redis.ParseURL(cfg.RedisURL); err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
	}
	if cfg.BroadcastChannel == "" {
		return errors.New("BROADCAST_CHANNEL is required")
	}
	if cfg.BroadcastQueueSize <= 0 {
		return fmt.Errorf("invalid BROADCAST_QUEUE_SIZE: %d", cfg.BroadcastQueueSize)
	}
	if cfg.AccessTokenTTLMinutes <= 0 || cfg.RefreshTokenTTLDays <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if cfg.WSAuthTimeout <= 0 {
		return fmt.Errorf("invalid WS_AUTH_TIMEOUT: %s", cfg.WSAuthTimeout)
	}
	return nil
}
