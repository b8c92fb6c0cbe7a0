package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL      string   `mapstructure:"REDIS_URL"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`

	CredentialMasterKey string `mapstructure:"CREDENTIAL_MASTER_KEY"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	SweepInterval        time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepBatchSize       int           `mapstructure:"SWEEP_BATCH_SIZE"`
	WorkerCount          int           `mapstructure:"WORKER_COUNT"`
	HealthInterval       time.Duration `mapstructure:"HEALTH_INTERVAL"`
	HealthConcurrency    int           `mapstructure:"HEALTH_CONCURRENCY"`
	StaleProcessingAfter time.Duration `mapstructure:"STALE_PROCESSING_AFTER"`
	LockWindow           time.Duration `mapstructure:"LOCK_WINDOW"`

	SenderCode string `mapstructure:"SENDER_CODE"`
	SenderName string `mapstructure:"SENDER_NAME"`

	LogRetentionDays  int           `mapstructure:"LOG_RETENTION_DAYS"`
	RetentionInterval time.Duration `mapstructure:"RETENTION_INTERVAL"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"DEFAULT_TENANT", "CORS_ORIGINS", "MIGRATIONS_DIR", "CREDENTIAL_MASTER_KEY",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"SWEEP_INTERVAL", "SWEEP_BATCH_SIZE", "WORKER_COUNT", "HEALTH_INTERVAL",
	"HEALTH_CONCURRENCY", "STALE_PROCESSING_AFTER", "LOCK_WINDOW",
	"SENDER_CODE", "SENDER_NAME", "LOG_RETENTION_DAYS", "RETENTION_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("SWEEP_INTERVAL", "60s")
	v.SetDefault("SWEEP_BATCH_SIZE", 50)
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("HEALTH_INTERVAL", "5m")
	v.SetDefault("HEALTH_CONCURRENCY", 4)
	v.SetDefault("STALE_PROCESSING_AFTER", "10m")
	v.SetDefault("LOCK_WINDOW", "0s")
	v.SetDefault("SENDER_CODE", "CLINIC")
	v.SetDefault("SENDER_NAME", "Clinic")
	v.SetDefault("LOG_RETENTION_DAYS", 0)
	v.SetDefault("RETENTION_INTERVAL", "24h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MasterKey decodes CREDENTIAL_MASTER_KEY. Call Validate first.
func (c *Config) MasterKey() ([]byte, error) {
	return hex.DecodeString(c.CredentialMasterKey)
}

// Validate checks that the configuration is safe to run. Outside development a
// credential master key and a token signing key are mandatory.
func (c *Config) Validate() error {
	if !c.IsDev() && c.CredentialMasterKey == "" {
		return fmt.Errorf("CREDENTIAL_MASTER_KEY is required when ENV=%q", c.Env)
	}
	if c.CredentialMasterKey != "" {
		keyBytes, err := hex.DecodeString(c.CredentialMasterKey)
		if err != nil {
			return fmt.Errorf("CREDENTIAL_MASTER_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("CREDENTIAL_MASTER_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("HEALTH_INTERVAL must be positive, got %s", c.HealthInterval)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be at least 1, got %d", c.SweepBatchSize)
	}
	if c.HealthConcurrency < 1 {
		return fmt.Errorf("HEALTH_CONCURRENCY must be at least 1, got %d", c.HealthConcurrency)
	}
	if c.StaleProcessingAfter <= 0 {
		return fmt.Errorf("STALE_PROCESSING_AFTER must be positive, got %s", c.StaleProcessingAfter)
	}
	if c.LockWindow < 0 {
		return fmt.Errorf("LOCK_WINDOW must not be negative, got %s", c.LockWindow)
	}
	if c.LogRetentionDays < 0 {
		return fmt.Errorf("LOG_RETENTION_DAYS must not be negative, got %d", c.LogRetentionDays)
	}
	if c.LogRetentionDays > 0 && c.RetentionInterval <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL must be positive when LOG_RETENTION_DAYS is set")
	}

	return nil
}
