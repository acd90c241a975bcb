package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	MetricsPort        string        `mapstructure:"METRICS_PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AuditCacheTTL      time.Duration `mapstructure:"AUDIT_CACHE_TTL"`
	FHIRBaseURL        string        `mapstructure:"FHIR_BASE_URL"`
	FHIRToken          string        `mapstructure:"FHIR_TOKEN"`
	FHIRAcceptLanguage string        `mapstructure:"FHIR_ACCEPT_LANGUAGE"`
	FHIRTimeout        time.Duration `mapstructure:"FHIR_TIMEOUT"`
	FHIRRetryAttempts  int           `mapstructure:"FHIR_RETRY_ATTEMPTS"`
	FHIRRetryDelay     time.Duration `mapstructure:"FHIR_RETRY_DELAY"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	LocalFallback      bool          `mapstructure:"LOCAL_FALLBACK"`
	SyncConcurrency    int           `mapstructure:"SYNC_CONCURRENCY"`
}

var keys = []string{
	"PORT", "METRICS_PORT", "ENV", "LOG_LEVEL", "REQUEST_TIMEOUT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AUDIT_CACHE_TTL",
	"FHIR_BASE_URL", "FHIR_TOKEN", "FHIR_ACCEPT_LANGUAGE", "FHIR_TIMEOUT", "FHIR_RETRY_ATTEMPTS", "FHIR_RETRY_DELAY",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"LOCAL_FALLBACK", "SYNC_CONCURRENCY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("METRICS_PORT", "9090")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUDIT_CACHE_TTL", "5m")
	v.SetDefault("FHIR_ACCEPT_LANGUAGE", "de")
	v.SetDefault("FHIR_TIMEOUT", "15s")
	v.SetDefault("FHIR_RETRY_ATTEMPTS", 3)
	v.SetDefault("FHIR_RETRY_DELAY", "200ms")
	v.SetDefault("LOCAL_FALLBACK", false)
	v.SetDefault("SYNC_CONCURRENCY", 4)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.FHIRBaseURL = strings.TrimRight(cfg.FHIRBaseURL, "/")

	if cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Warn().Msg("running in development mode without AUTH_SIGNING_KEY: every caller may read every profile")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasStore reports whether a local Postgres store is configured.
func (c *Config) HasStore() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is safe to run. Outside
// development a signing key is mandatory so profile access is enforced.
func (c *Config) Validate() error {
	u, err := url.Parse(c.FHIRBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FHIR_BASE_URL must be an absolute http(s) URL, got %q", c.FHIRBaseURL)
	}
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("FHIR_BASE_URL must use https in production")
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
	}
	if c.LocalFallback && !c.HasStore() {
		return fmt.Errorf("LOCAL_FALLBACK requires DATABASE_URL")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.FHIRRetryAttempts < 1 {
		return fmt.Errorf("FHIR_RETRY_ATTEMPTS must be at least 1, got %d", c.FHIRRetryAttempts)
	}
	if c.AuditCacheTTL < 0 {
		return fmt.Errorf("AUDIT_CACHE_TTL must not be negative")
	}
	if c.SyncConcurrency < 1 {
		return fmt.Errorf("SYNC_CONCURRENCY must be at least 1, got %d", c.SyncConcurrency)
	}
	if c.Port == c.MetricsPort {
		return fmt.Errorf("PORT and METRICS_PORT must differ")
	}
	return nil
}
