package config

import (
	"os"
	"testing"
	"time"
)

var envKeys = []string{
	"APP_PORT", "APP_ENV", "LOG_LEVEL", "DATABASE_DRIVER", "DATABASE_DSN",
	"REDIS_URL", "BROADCAST_CHANNEL", "BROADCAST_QUEUE_SIZE",
	"ACCESS_TOKEN_TTL_MINUTES", "REFRESH_TOKEN_TTL_DAYS", "WS_AUTH_TIMEOUT",
	"CORS_ALLOWED_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Load() Port = %v, want 8080", cfg.Port)
	}
	if cfg.Env != "dev" {
		t.Errorf("Load() Env = %v, want dev", cfg.Env)
	}
	if cfg.DatabaseDriver != "postgres" {
		t.Errorf("Load() DatabaseDriver = %v, want postgres", cfg.DatabaseDriver)
	}
	if cfg.BroadcastChannel != "chatroom" {
		t.Errorf("Load() BroadcastChannel = %v, want chatroom", cfg.BroadcastChannel)
	}
	if cfg.AccessTokenTTLMinutes != 30 {
		t.Errorf("Load() AccessTokenTTLMinutes = %v, want 30", cfg.AccessTokenTTLMinutes)
	}
	if cfg.RefreshTokenTTLDays != 180 {
		t.Errorf("Load() RefreshTokenTTLDays = %v, want 180", cfg.RefreshTokenTTLDays)
	}
	if cfg.WSAuthTimeout != 10*time.Second {
		t.Errorf("Load() WSAuthTimeout = %v, want 10s", cfg.WSAuthTimeout)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_PORT", "9090")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", "file:webchat.db")
	t.Setenv("REDIS_URL", "redis://:secret@redis:6380/2")
	t.Setenv("BROADCAST_CHANNEL", "chat-events")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "15")
	t.Setenv("REFRESH_TOKEN_TTL_DAYS", "14")
	t.Setenv("WS_AUTH_TIMEOUT", "3s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Load() Port = %v, want 9090", cfg.Port)
	}
	if cfg.DatabaseDSN != "file:webchat.db" {
		t.Errorf("Load() DatabaseDSN = %v, want file:webchat.db", cfg.DatabaseDSN)
	}
	if cfg.BroadcastChannel != "chat-events" {
		t.Errorf("Load() BroadcastChannel = %v, want chat-events", cfg.BroadcastChannel)
	}
	if cfg.AccessTokenTTL() != 15*time.Minute {
		t.Errorf("AccessTokenTTL() = %v, want 15m", cfg.AccessTokenTTL())
	}
	if cfg.RefreshTokenTTL() != 14*24*time.Hour {
		t.Errorf("RefreshTokenTTL() = %v, want 336h", cfg.RefreshTokenTTL())
	}
	if cfg.WSAuthTimeout != 3*time.Second {
		t.Errorf("Load() WSAuthTimeout = %v, want 3s", cfg.WSAuthTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("Load() AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoad_InvalidTTL(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "invalid")

	if _, err := Load(); err == nil {
		t.Error("Load() should fail on a non-numeric TTL")
	}

	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "30")
	t.Setenv("REFRESH_TOKEN_TTL_DAYS", "-5")
	if _, err := Load(); err == nil {
		t.Error("Load() should fail on a negative TTL")
	}
}

func validConfig() Config {
	return Config{
		Port:                  "8080",
		Env:                   "dev",
		DatabaseDriver:        "postgres",
		DatabaseDSN:           "postgres://localhost/test",
		RedisURL:              "redis://localhost:6379/0",
		BroadcastChannel:      "chatroom",
		BroadcastQueueSize:    256,
		AccessTokenTTLMinutes: 30,
		RefreshTokenTTLDays:   180,
		WSAuthTimeout:         10 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"sqlite driver", func(c *Config) { c.DatabaseDriver = "sqlite" }, false},
		{"empty port", func(c *Config) { c.Port = "" }, true},
		{"empty dsn", func(c *Config) { c.DatabaseDSN = "" }, true},
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }, true},
		{"bad redis url", func(c *Config) { c.RedisURL = "http://localhost" }, true},
		{"in-process bus", func(c *Config) { c.RedisURL = MemoryBusURL }, false},
		{"empty channel", func(c *Config) { c.BroadcastChannel = "" }, true},
		{"zero queue size", func(c *Config) { c.BroadcastQueueSize = 0 }, true},
		{"zero access ttl", func(c *Config) { c.AccessTokenTTLMinutes = 0 }, true},
		{"zero auth timeout", func(c *Config) { c.WSAuthTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
