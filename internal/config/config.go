package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Grace store backends selectable via GRACE_STORE.
const (
	GraceStoreMemory   = "memory"
	GraceStorePostgres = "postgres"
	GraceStoreRedis    = "redis"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	UpstreamBaseURL    string        `mapstructure:"UPSTREAM_BASE_URL"`
	UpstreamTimeout    time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	SessionSigningKey  string        `mapstructure:"SESSION_SIGNING_KEY"`
	SessionCookieName  string        `mapstructure:"SESSION_COOKIE_NAME"`
	GraceStore         string        `mapstructure:"GRACE_STORE"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	GraceWindow        time.Duration `mapstructure:"GRACE_WINDOW"`
	IdleTimeout        time.Duration `mapstructure:"IDLE_TIMEOUT"`
	IdleWarningWindow  time.Duration `mapstructure:"IDLE_WARNING_WINDOW"`
	IdlePollInterval   time.Duration `mapstructure:"IDLE_POLL_INTERVAL"`
	LoginMaxAttempts   int           `mapstructure:"LOGIN_MAX_ATTEMPTS"`
	LoginLockoutWindow time.Duration `mapstructure:"LOGIN_LOCKOUT_WINDOW"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("UPSTREAM_TIMEOUT", "15s")
	v.SetDefault("SESSION_COOKIE_NAME", "medcare_session")
	v.SetDefault("GRACE_STORE", GraceStoreMemory)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("GRACE_WINDOW", "5m")
	v.SetDefault("IDLE_TIMEOUT", "30m")
	v.SetDefault("IDLE_WARNING_WINDOW", "5m")
	v.SetDefault("IDLE_POLL_INTERVAL", "5s")
	v.SetDefault("LOGIN_MAX_ATTEMPTS", 5)
	v.SetDefault("LOGIN_LOCKOUT_WINDOW", "15m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("UPSTREAM_BASE_URL")
	v.BindEnv("UPSTREAM_TIMEOUT")
	v.BindEnv("SESSION_SIGNING_KEY")
	v.BindEnv("SESSION_COOKIE_NAME")
	v.BindEnv("GRACE_STORE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("GRACE_WINDOW")
	v.BindEnv("IDLE_TIMEOUT")
	v.BindEnv("IDLE_WARNING_WINDOW")
	v.BindEnv("IDLE_POLL_INTERVAL")
	v.BindEnv("LOGIN_MAX_ATTEMPTS")
	v.BindEnv("LOGIN_LOCKOUT_WINDOW")
	v.BindEnv("CORS_ORIGINS")

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

	if cfg.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	cfg.UpstreamBaseURL = strings.TrimRight(cfg.UpstreamBaseURL, "/")

	if cfg.IsDev() && cfg.SessionSigningKey == "" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Gateway is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: SESSION_SIGNING_KEY is unset; a random per-process key")
		log.Println("WARNING: will be generated, so session cookies will not survive a")
		log.Println("WARNING: restart. Set SESSION_SIGNING_KEY for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the gateway is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. The grace store
// backend must name one of the known implementations along with its
// connection string, the idle warning window must fit inside the idle
// timeout, and production requires a real session signing key.
func (c *Config) Validate() error {
	switch c.GraceStore {
	case GraceStoreMemory:
	case GraceStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when GRACE_STORE is %q", GraceStorePostgres)
		}
	case GraceStoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when GRACE_STORE is %q", GraceStoreRedis)
		}
	default:
		return fmt.Errorf("GRACE_STORE must be %q, %q, or %q, got %q",
			GraceStoreMemory, GraceStorePostgres, GraceStoreRedis, c.GraceStore)
	}

	if c.IsProduction() && c.SessionSigningKey == "" {
		return fmt.Errorf("SESSION_SIGNING_KEY is required in production")
	}
	if c.SessionSigningKey != "" && len(c.SessionSigningKey) < 32 {
		return fmt.Errorf("SESSION_SIGNING_KEY must be at least 32 bytes, got %d", len(c.SessionSigningKey))
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be positive, got %s", c.IdleTimeout)
	}
	if c.IdleWarningWindow <= 0 || c.IdleWarningWindow >= c.IdleTimeout {
		return fmt.Errorf("IDLE_WARNING_WINDOW must be positive and shorter than IDLE_TIMEOUT (%s), got %s",
			c.IdleTimeout, c.IdleWarningWindow)
	}
	if c.IdlePollInterval <= 0 {
		return fmt.Errorf("IDLE_POLL_INTERVAL must be positive, got %s", c.IdlePollInterval)
	}
	if c.GraceWindow <= 0 {
		return fmt.Errorf("GRACE_WINDOW must be positive, got %s", c.GraceWindow)
	}

	return nil
}
