package config

import (
	"testing"
	"time"
)

func devConfig() *Config {
	return &Config{
		Port:                      "8000",
		Env:                       "development",
		DatabaseURL:               "postgres://localhost/carebill",
		DuplicatePaymentWindow:    5 * time.Minute,
		DefaultBudgetValidityDays: 30,
	}
}

func TestValidate_DevDefaults(t *testing.T) {
	cfg := devConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dev config should validate, got %v", err)
	}
}

func TestValidate_ProductionRequiresSecrets(t *testing.T) {
	cfg := devConfig()
	cfg.Env = "production"
	if err := cfg.Validate(); err == nil {
		t.Fatal("production without JWT_SIGNING_KEY should fail validation")
	}

	cfg.JWTSigningKey = "secret"
	if err := cfg.Validate(); err == nil {
		t.Fatal("production without PROCESSOR_WEBHOOK_SECRET should fail validation")
	}

	cfg.ProcessorWebhookSecret = "whsec"
	if err := cfg.Validate(); err == nil {
		t.Fatal("production without processor credentials should fail validation")
	}

	cfg.ProcessorBaseURL = "https://pay.example.com"
	cfg.ProcessorAPIKey = "sk_test"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fully configured production should validate, got %v", err)
	}
}

func TestValidate_RejectsBadWindows(t *testing.T) {
	cfg := devConfig()
	cfg.DuplicatePaymentWindow = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative dedup window should fail validation")
	}

	cfg = devConfig()
	cfg.DefaultBudgetValidityDays = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero validity days should fail validation")
	}
}

func TestIsDev(t *testing.T) {
	cfg := devConfig()
	if !cfg.IsDev() {
		t.Error("expected IsDev true for ENV=development")
	}
	cfg.Env = "production"
	if cfg.IsDev() || !cfg.IsProduction() {
		t.Error("expected production mode")
	}
}
