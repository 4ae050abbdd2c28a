package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	PesapalConsumerKey    string        `mapstructure:"PESAPAL_CONSUMER_KEY"`
	PesapalConsumerSecret string        `mapstructure:"PESAPAL_CONSUMER_SECRET"`
	PesapalSandbox        bool          `mapstructure:"PESAPAL_SANDBOX"`
	PesapalIPNID          string        `mapstructure:"PESAPAL_IPN_ID"`
	PesapalTimeout        time.Duration `mapstructure:"PESAPAL_TIMEOUT"`
	PesapalCallbackURL    string        `mapstructure:"PESAPAL_CALLBACK_URL"`
	Currency              string        `mapstructure:"CURRENCY"`

	SendGridAPIKey string `mapstructure:"SENDGRID_API_KEY"`
	MailFrom       string `mapstructure:"MAIL_FROM"`
	MailFromName   string `mapstructure:"MAIL_FROM_NAME"`

	SchedulerEnabled  bool   `mapstructure:"SCHEDULER_ENABLED"`
	SweepSchedule     string `mapstructure:"SWEEP_SCHEDULE"`
	SyncSchedule      string `mapstructure:"SYNC_SCHEDULE"`
	ReminderSchedule  string `mapstructure:"REMINDER_SCHEDULE"`
	ReminderDaysAhead int    `mapstructure:"REMINDER_DAYS_AHEAD"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"PESAPAL_CONSUMER_KEY", "PESAPAL_CONSUMER_SECRET", "PESAPAL_SANDBOX",
	"PESAPAL_IPN_ID", "PESAPAL_TIMEOUT", "PESAPAL_CALLBACK_URL", "CURRENCY",
	"SENDGRID_API_KEY", "MAIL_FROM", "MAIL_FROM_NAME",
	"SCHEDULER_ENABLED", "SWEEP_SCHEDULE", "SYNC_SCHEDULE", "REMINDER_SCHEDULE",
	"REMINDER_DAYS_AHEAD",
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
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("PESAPAL_SANDBOX", true)
	v.SetDefault("PESAPAL_TIMEOUT", "20s")
	v.SetDefault("CURRENCY", "KES")
	v.SetDefault("MAIL_FROM", "no-reply@panacare.local")
	v.SetDefault("MAIL_FROM_NAME", "Panacare")
	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("SWEEP_SCHEDULE", "0 1 * * *")
	v.SetDefault("SYNC_SCHEDULE", "*/15 * * * *")
	v.SetDefault("REMINDER_SCHEDULE", "0 9 * * *")
	v.SetDefault("REMINDER_DAYS_AHEAD", 7)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
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
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a bearer token are treated as admin.")
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

// Validate checks that the configuration is safe to run. Outside development
// a token verifier must be configured, and production additionally needs
// gateway credentials and a public callback URL.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.AuthIssuer != "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_ISSUER is set")
	}

	if c.IsProduction() {
		if c.PesapalConsumerKey == "" || c.PesapalConsumerSecret == "" {
			return fmt.Errorf("PESAPAL_CONSUMER_KEY and PESAPAL_CONSUMER_SECRET are required in production")
		}
		if c.PesapalIPNID == "" {
			return fmt.Errorf("PESAPAL_IPN_ID is required in production")
		}
		if c.PesapalCallbackURL == "" {
			return fmt.Errorf("PESAPAL_CALLBACK_URL is required in production")
		}
		if c.PesapalSandbox {
			return fmt.Errorf("PESAPAL_SANDBOX must be false in production")
		}
	}

	// Gateway calls must stay bounded.
	if c.PesapalTimeout < 10*time.Second || c.PesapalTimeout > 30*time.Second {
		return fmt.Errorf("PESAPAL_TIMEOUT must be between 10s and 30s, got %s", c.PesapalTimeout)
	}

	if c.ReminderDaysAhead < 1 {
		return fmt.Errorf("REMINDER_DAYS_AHEAD must be positive, got %d", c.ReminderDaysAhead)
	}

	return nil
}
