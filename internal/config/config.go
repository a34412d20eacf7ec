package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	LogFormat          string        `mapstructure:"LOG_FORMAT"`
	LogFile            string        `mapstructure:"LOG_FILE"`
	LogFileMaxSizeMB   int           `mapstructure:"LOG_FILE_MAX_SIZE_MB"`
	LogFileMaxBackups  int           `mapstructure:"LOG_FILE_MAX_BACKUPS"`
	LogFileMaxAgeDays  int           `mapstructure:"LOG_FILE_MAX_AGE_DAYS"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir      string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	DevUserID          string        `mapstructure:"DEV_USER_ID"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ImportWorkers      int           `mapstructure:"IMPORT_WORKERS"`
	ImportMaxFileSize  string        `mapstructure:"IMPORT_MAX_FILE_SIZE"`
	ImportProgressStep int           `mapstructure:"IMPORT_PROGRESS_EVERY"`
	StaleImportAfter   time.Duration `mapstructure:"STALE_IMPORT_AFTER"`
	StaleSweepSchedule string        `mapstructure:"STALE_SWEEP_SCHEDULE"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT",
	"LOG_FILE", "LOG_FILE_MAX_SIZE_MB", "LOG_FILE_MAX_BACKUPS", "LOG_FILE_MAX_AGE_DAYS",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "DEV_USER_ID", "REQUEST_TIMEOUT",
	"IMPORT_WORKERS", "IMPORT_MAX_FILE_SIZE", "IMPORT_PROGRESS_EVERY",
	"STALE_IMPORT_AFTER", "STALE_SWEEP_SCHEDULE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("IMPORT_WORKERS", 4)
	v.SetDefault("IMPORT_MAX_FILE_SIZE", "10M")
	v.SetDefault("IMPORT_PROGRESS_EVERY", 50)
	v.SetDefault("STALE_IMPORT_AFTER", "30m")
	v.SetDefault("STALE_SWEEP_SCHEDULE", "@every 5m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: labflow is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active and unauthenticated requests get admin access.")
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

// SigningKey decodes AUTH_SIGNING_KEY. A nil key means JWKS validation.
func (c *Config) SigningKey() ([]byte, error) {
	if c.AuthSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// Validate checks that the configuration is safe to run. Outside development
// either AUTH_ISSUER or AUTH_SIGNING_KEY must be set so that uploads are
// attributed to an authenticated user.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if _, err := c.SigningKey(); err != nil {
		return err
	}
	if c.ImportWorkers <= 0 {
		return fmt.Errorf("IMPORT_WORKERS must be positive, got %d", c.ImportWorkers)
	}
	if c.ImportProgressStep <= 0 {
		return fmt.Errorf("IMPORT_PROGRESS_EVERY must be positive, got %d", c.ImportProgressStep)
	}
	if c.StaleImportAfter <= 0 {
		return fmt.Errorf("STALE_IMPORT_AFTER must be a positive duration, got %s", c.StaleImportAfter)
	}
	return nil
}
