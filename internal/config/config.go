package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Auth
	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`

	// Payment processor
	ProcessorBaseURL       string        `mapstructure:"PROCESSOR_BASE_URL"`
	ProcessorAPIKey        string        `mapstructure:"PROCESSOR_API_KEY"`
	ProcessorWebhookSecret string        `mapstructure:"PROCESSOR_WEBHOOK_SECRET"`
	ProcessorTimeout       time.Duration `mapstructure:"PROCESSOR_TIMEOUT"`

	// Payment rules
	DuplicatePaymentWindow    time.Duration `mapstructure:"DUPLICATE_PAYMENT_WINDOW"`
	DefaultBudgetValidityDays int           `mapstructure:"DEFAULT_BUDGET_VALIDITY_DAYS"`

	// DistributionStrategy picks how partial payments spread across items:
	// "proportional" or "sequential".
	DistributionStrategy string `mapstructure:"DISTRIBUTION_STRATEGY"`

	// Budget expiry sweep
	SweepInterval  time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepBatchSize int           `mapstructure:"SWEEP_BATCH_SIZE"`

	// Rendered documents (acceptance proofs, receipts)
	ArtifactDir string `mapstructure:"ARTIFACT_DIR"`

	// Rate limiting
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
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
	v.SetDefault("PROCESSOR_TIMEOUT", "15s")
	v.SetDefault("DUPLICATE_PAYMENT_WINDOW", "5m")
	v.SetDefault("DEFAULT_BUDGET_VALIDITY_DAYS", 30)
	v.SetDefault("DISTRIBUTION_STRATEGY", "proportional")
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("SWEEP_BATCH_SIZE", 100)
	v.SetDefault("ARTIFACT_DIR", "./artifacts")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("JWT_SIGNING_KEY")
	v.BindEnv("PROCESSOR_BASE_URL")
	v.BindEnv("PROCESSOR_API_KEY")
	v.BindEnv("PROCESSOR_WEBHOOK_SECRET")
	v.BindEnv("PROCESSOR_TIMEOUT")
	v.BindEnv("DUPLICATE_PAYMENT_WINDOW")
	v.BindEnv("DEFAULT_BUDGET_VALIDITY_DAYS")
	v.BindEnv("DISTRIBUTION_STRATEGY")
	v.BindEnv("SWEEP_INTERVAL")
	v.BindEnv("SWEEP_BATCH_SIZE")
	v.BindEnv("ARTIFACT_DIR")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

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
		log.Println("WARNING: DevAuthMiddleware is active; all requests get admin access.")
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

// Validate checks that the configuration is safe to run. Outside development,
// webhook intake must be able to authenticate events and payments must be able
// to reach the processor, so the corresponding secrets are mandatory.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY is required outside development")
		}
		if c.ProcessorWebhookSecret == "" {
			return fmt.Errorf("PROCESSOR_WEBHOOK_SECRET is required outside development: " +
				"unauthenticated webhook intake would fail closed on every event")
		}
		if c.ProcessorBaseURL == "" || c.ProcessorAPIKey == "" {
			return fmt.Errorf("PROCESSOR_BASE_URL and PROCESSOR_API_KEY are required outside development")
		}
	}
	if c.DuplicatePaymentWindow < 0 {
		return fmt.Errorf("DUPLICATE_PAYMENT_WINDOW must not be negative")
	}
	if c.DefaultBudgetValidityDays <= 0 {
		return fmt.Errorf("DEFAULT_BUDGET_VALIDITY_DAYS must be positive")
	}
	switch c.DistributionStrategy {
	case "", "proportional", "sequential":
	default:
		return fmt.Errorf("DISTRIBUTION_STRATEGY must be proportional or sequential, got %q", c.DistributionStrategy)
	}
	return nil
}
