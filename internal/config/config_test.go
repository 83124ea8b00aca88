package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/ussd_credit")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.ServerPort != "8090" {
		t.Errorf("ServerPort = %q, want 8090", cfg.ServerPort)
	}
	if cfg.SessionTTL() != 180*time.Second {
		t.Errorf("SessionTTL = %s, want 3m", cfg.SessionTTL())
	}
	if cfg.MaxInvalidAttempts != 3 {
		t.Errorf("MaxInvalidAttempts = %d, want 3", cfg.MaxInvalidAttempts)
	}
	if cfg.BillingJobSchedule != "* * * * *" {
		t.Errorf("BillingJobSchedule = %q", cfg.BillingJobSchedule)
	}
	if cfg.ChargeTimeoutJobSchedule != "*/5 * * * *" {
		t.Errorf("ChargeTimeoutJobSchedule = %q", cfg.ChargeTimeoutJobSchedule)
	}
	if cfg.PendingChargeMaxAge() != 30*time.Minute {
		t.Errorf("PendingChargeMaxAge = %s, want 30m", cfg.PendingChargeMaxAge())
	}
	if cfg.MaxConsecutiveFailures != 3 {
		t.Errorf("MaxConsecutiveFailures = %d, want 3", cfg.MaxConsecutiveFailures)
	}
	if cfg.SchedulerLockTTL() != 55*time.Second {
		t.Errorf("SchedulerLockTTL = %s, want 55s", cfg.SchedulerLockTTL())
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	viper.Reset()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/ussd_credit")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("SESSION_TTL_SECONDS", "60")
	t.Setenv("BILLING_JOB_SCHEDULE", "*/2 * * * *")
	t.Setenv("MAX_CONSECUTIVE_FAILURES", "5")
	t.Setenv("CALLBACK_SECRET", "s3cret")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.ServerPort != "9000" {
		t.Errorf("ServerPort = %q, want 9000", cfg.ServerPort)
	}
	if cfg.SessionTTL() != time.Minute {
		t.Errorf("SessionTTL = %s, want 1m", cfg.SessionTTL())
	}
	if cfg.BillingJobSchedule != "*/2 * * * *" {
		t.Errorf("BillingJobSchedule = %q", cfg.BillingJobSchedule)
	}
	if cfg.MaxConsecutiveFailures != 5 {
		t.Errorf("MaxConsecutiveFailures = %d, want 5", cfg.MaxConsecutiveFailures)
	}
	if cfg.CallbackSecret != "s3cret" {
		t.Errorf("CallbackSecret = %q", cfg.CallbackSecret)
	}
}

func TestLoadConfig_RequiresDatabaseURL(t *testing.T) {
	viper.Reset()
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected an error when DATABASE_URL is unset")
	}
}
