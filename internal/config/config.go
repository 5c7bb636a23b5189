package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/medibook/medibook/internal/domain/scheduling"
)

const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
	AuthModeSession     = "session"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	AuthMode    string `mapstructure:"AUTH_MODE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	SessionTTL     time.Duration `mapstructure:"SESSION_TTL"`

	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	CheckoutSuccessURL  string `mapstructure:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL   string `mapstructure:"CHECKOUT_CANCEL_URL"`
	Currency            string `mapstructure:"CURRENCY"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	SlotMinMinutes  int `mapstructure:"SLOT_MIN_MINUTES"`
	SlotMaxMinutes  int `mapstructure:"SLOT_MAX_MINUTES"`
	SlotStepMinutes int `mapstructure:"SLOT_STEP_MINUTES"`
	MaxAdvanceDays  int `mapstructure:"MAX_ADVANCE_DAYS"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "SESSION_TTL",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "CHECKOUT_SUCCESS_URL", "CHECKOUT_CANCEL_URL", "CURRENCY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"SLOT_MIN_MINUTES", "SLOT_MAX_MINUTES", "SLOT_STEP_MINUTES", "MAX_ADVANCE_DAYS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV when empty
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("CURRENCY", "usd")
	v.SetDefault("CHECKOUT_SUCCESS_URL", "http://localhost:3000/booking/success?session_id={CHECKOUT_SESSION_ID}")
	v.SetDefault("CHECKOUT_CANCEL_URL", "http://localhost:3000/booking/cancelled")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("SLOT_MIN_MINUTES", 30)
	v.SetDefault("SLOT_MAX_MINUTES", 180)
	v.SetDefault("SLOT_STEP_MINUTES", 30)
	v.SetDefault("MAX_ADVANCE_DAYS", 180)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (X-Dev-User / X-Dev-Role headers)
//   - REDIS_URL set   → "session" (opaque tokens in Redis)
//   - Otherwise       → "jwt"
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	if c.RedisURL != "" {
		return AuthModeSession
	}
	return AuthModeJWT
}

// SchedulingPolicy builds the availability policy from the SLOT_* and
// MAX_ADVANCE_DAYS settings.
func (c *Config) SchedulingPolicy() scheduling.Policy {
	return scheduling.Policy{
		MinDuration:  time.Duration(c.SlotMinMinutes) * time.Minute,
		MaxDuration:  time.Duration(c.SlotMaxMinutes) * time.Minute,
		IntervalStep: time.Duration(c.SlotStepMinutes) * time.Minute,
		MaxAdvance:   time.Duration(c.MaxAdvanceDays) * 24 * time.Hour,
	}
}

// Validate checks that the configuration is safe to run. Development auth is
// refused in production, and a real payment gateway needs its webhook secret.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed when ENV=production", mode)
		}
	case AuthModeJWT:
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_MODE \"jwt\" requires AUTH_SIGNING_KEY or AUTH_JWKS_URL")
		}
	case AuthModeSession:
		if c.RedisURL == "" {
			return fmt.Errorf("AUTH_MODE \"session\" requires REDIS_URL")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"jwt\", or \"session\", got %q", mode)
	}

	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a three-letter ISO code, got %q", c.Currency)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	if err := c.SchedulingPolicy().Check(); err != nil {
		return fmt.Errorf("slot settings: %w", err)
	}
	return nil
}
