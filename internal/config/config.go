package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                  int    `env:"PORT" envDefault:"8080"`
	DatabaseURL           string `env:"DATABASE_URL,required"`
	RedisURL              string `env:"REDIS_URL,required"`
	LogLevel              string `env:"LOG_LEVEL" envDefault:"info"`
	CodeTTLSeconds        int    `env:"CODE_TTL_SECONDS" envDefault:"600"`
	SweepIntervalSeconds  int    `env:"SWEEP_INTERVAL_SECONDS" envDefault:"30"`
	OutboxGraceSeconds    int    `env:"OUTBOX_GRACE_SECONDS" envDefault:"10"`
	RetentionDays         int    `env:"RETENTION_DAYS" envDefault:"90"`
	RedeemTimeoutSeconds  int    `env:"REDEEM_TIMEOUT_SECONDS" envDefault:"5"`
	RedeemRateLimitPerMin int    `env:"REDEEM_RATE_LIMIT_PER_MIN" envDefault:"10"`
	IssueRateLimitPerMin  int    `env:"ISSUE_RATE_LIMIT_PER_MIN" envDefault:"30"`
	QRBaseURL             string `env:"QR_BASE_URL" envDefault:"kiosk://activate"`
	MigrateOnStart        bool   `env:"MIGRATE_ON_START" envDefault:"true"`
	MetricsUser           string `env:"METRICS_USER" envDefault:"metrics"`
	MetricsPasswordHash   string `env:"METRICS_PASSWORD_HASH"`
}

func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.CodeTTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) OutboxGrace() time.Duration {
	return time.Duration(c.OutboxGraceSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) RedeemTimeout() time.Duration {
	return time.Duration(c.RedeemTimeoutSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.CodeTTLSeconds < MinCodeTTLSeconds || c.CodeTTLSeconds > MaxCodeTTLSeconds {
		return fmt.Errorf("CODE_TTL_SECONDS must be between %d and %d", MinCodeTTLSeconds, MaxCodeTTLSeconds)
	}
	if c.SweepIntervalSeconds < MinSweepIntervalSeconds || c.SweepIntervalSeconds > MaxSweepIntervalSeconds {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be between %d and %d", MinSweepIntervalSeconds, MaxSweepIntervalSeconds)
	}
	if c.OutboxGraceSeconds < 0 {
		return fmt.Errorf("OUTBOX_GRACE_SECONDS must not be negative")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive")
	}
	if c.RedeemTimeoutSeconds <= 0 {
		return fmt.Errorf("REDEEM_TIMEOUT_SECONDS must be positive")
	}
	if c.RedeemRateLimitPerMin <= 0 || c.IssueRateLimitPerMin <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.QRBaseURL == "" {
		return fmt.Errorf("QR_BASE_URL must not be empty")
	}

	if c.MetricsPasswordHash != "" && !strings.HasPrefix(c.MetricsPasswordHash, "$2") {
		return fmt.Errorf("METRICS_PASSWORD_HASH must be a bcrypt hash")
	}

	if isProduction && c.MetricsPasswordHash == "" {
		log.Warn().Msg("METRICS_PASSWORD_HASH is not set: /metrics is unauthenticated")
	}

	if isProduction && strings.HasPrefix(c.RedisURL, "redis://") {
		log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
