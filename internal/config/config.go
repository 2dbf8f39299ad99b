package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	AuthDevelopment = "development"
	AuthJWT         = "jwt"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL     string `mapstructure:"REDIS_URL"`
	EventChannel string `mapstructure:"EVENT_CHANNEL"`
	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`

	TransitionTimeout        time.Duration `mapstructure:"TRANSITION_TIMEOUT"`
	RequestTimeout           time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	DashboardPollInterval    time.Duration `mapstructure:"DASHBOARD_POLL_INTERVAL"`
	QueuePollInterval        time.Duration `mapstructure:"QUEUE_POLL_INTERVAL"`
	NotificationPollInterval time.Duration `mapstructure:"NOTIFICATION_POLL_INTERVAL"`
	NotificationRetrySpec    string        `mapstructure:"NOTIFICATION_RETRY_SPEC"`
	FanoutRetryAfter         time.Duration `mapstructure:"FANOUT_RETRY_AFTER"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"AUTH_MODE", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "EVENT_CHANNEL", "AMQP_URL", "AMQP_EXCHANGE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"TRANSITION_TIMEOUT", "REQUEST_TIMEOUT",
	"DASHBOARD_POLL_INTERVAL", "QUEUE_POLL_INTERVAL", "NOTIFICATION_POLL_INTERVAL",
	"NOTIFICATION_RETRY_SPEC", "FANOUT_RETRY_AFTER",
}

// Load reads .env and the environment. It does not validate; callers that
// serve traffic call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("EVENT_CHANNEL", "careflow-workflow")
	v.SetDefault("AMQP_EXCHANGE", "careflow.notifications")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("TRANSITION_TIMEOUT", "10s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("DASHBOARD_POLL_INTERVAL", "30s")
	v.SetDefault("QUEUE_POLL_INTERVAL", "15s")
	v.SetDefault("NOTIFICATION_POLL_INTERVAL", "30s")
	v.SetDefault("NOTIFICATION_RETRY_SPEC", "@every 30s")
	v.SetDefault("FANOUT_RETRY_AFTER", "30s")

	// Bind explicitly so Unmarshal sees variables that have no default.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise development auth
// in ENV=development and JWT everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthDevelopment
	}
	return AuthJWT
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed with ENV=production")
		}
	case AuthJWT:
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY is required when AUTH_MODE is %q", AuthJWT)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthDevelopment, AuthJWT, mode)
	}

	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE is %q", StorePostgres)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE=memory is not allowed with ENV=production")
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	durations := map[string]time.Duration{
		"TRANSITION_TIMEOUT":         c.TransitionTimeout,
		"REQUEST_TIMEOUT":            c.RequestTimeout,
		"DASHBOARD_POLL_INTERVAL":    c.DashboardPollInterval,
		"QUEUE_POLL_INTERVAL":        c.QueuePollInterval,
		"NOTIFICATION_POLL_INTERVAL": c.NotificationPollInterval,
		"FANOUT_RETRY_AFTER":         c.FanoutRetryAfter,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.RequestTimeout < c.TransitionTimeout {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must not be shorter than TRANSITION_TIMEOUT (%s)",
			c.RequestTimeout, c.TransitionTimeout)
	}

	if _, err := cron.ParseStandard(c.NotificationRetrySpec); err != nil {
		return fmt.Errorf("NOTIFICATION_RETRY_SPEC: %w", err)
	}
	return nil
}
