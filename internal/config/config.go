/**
 * @description
 * This file handles configuration management for the ussd-credit service.
 * It uses the 'viper' library to load configuration from environment
 * variables, providing defaults for every policy parameter (session TTL,
 * invalid-attempt limit, billing schedules, failure thresholds) so a bare
 * environment only needs the connection URLs.
 */
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	CallbackSecret string `mapstructure:"CALLBACK_SECRET"`

	DarajaBaseURL   string `mapstructure:"DARAJA_BASE_URL"`
	DarajaAPIKey    string `mapstructure:"DARAJA_API_KEY"`
	DarajaShortCode string `mapstructure:"DARAJA_SHORTCODE"`

	SessionTTLSeconds  int `mapstructure:"SESSION_TTL_SECONDS"`
	MaxInvalidAttempts int `mapstructure:"MAX_INVALID_ATTEMPTS"`

	BillingJobSchedule         string `mapstructure:"BILLING_JOB_SCHEDULE"`
	ChargeTimeoutJobSchedule   string `mapstructure:"CHARGE_TIMEOUT_JOB_SCHEDULE"`
	PendingChargeMaxAgeMinutes int    `mapstructure:"PENDING_CHARGE_MAX_AGE_MINUTES"`
	MaxConsecutiveFailures     int    `mapstructure:"MAX_CONSECUTIVE_FAILURES"`
	GatewayRetryAttempts       int    `mapstructure:"GATEWAY_RETRY_ATTEMPTS"`
	SchedulerLockTTLSeconds    int    `mapstructure:"SCHEDULER_LOCK_TTL_SECONDS"`
}

// SessionTTL is how long an idle USSD session survives between menu steps.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// PendingChargeMaxAge is how long a pending charge may wait for a callback
// before the scheduler times it out to failed.
func (c Config) PendingChargeMaxAge() time.Duration {
	return time.Duration(c.PendingChargeMaxAgeMinutes) * time.Minute
}

// SchedulerLockTTL bounds how long a scheduler tick may hold the job lock.
func (c Config) SchedulerLockTTL() time.Duration {
	return time.Duration(c.SchedulerLockTTLSeconds) * time.Second
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("SESSION_TTL_SECONDS", 180)
	viper.SetDefault("MAX_INVALID_ATTEMPTS", 3)
	viper.SetDefault("BILLING_JOB_SCHEDULE", "* * * * *")            // Every minute.
	viper.SetDefault("CHARGE_TIMEOUT_JOB_SCHEDULE", "*/5 * * * *")   // Every 5 minutes.
	viper.SetDefault("PENDING_CHARGE_MAX_AGE_MINUTES", 30)
	viper.SetDefault("MAX_CONSECUTIVE_FAILURES", 3)
	viper.SetDefault("GATEWAY_RETRY_ATTEMPTS", 3)
	viper.SetDefault("SCHEDULER_LOCK_TTL_SECONDS", 55)
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CALLBACK_SECRET")
	_ = viper.BindEnv("DARAJA_BASE_URL")
	_ = viper.BindEnv("DARAJA_API_KEY")
	_ = viper.BindEnv("DARAJA_SHORTCODE")
	_ = viper.BindEnv("SESSION_TTL_SECONDS")
	_ = viper.BindEnv("MAX_INVALID_ATTEMPTS")
	_ = viper.BindEnv("BILLING_JOB_SCHEDULE")
	_ = viper.BindEnv("CHARGE_TIMEOUT_JOB_SCHEDULE")
	_ = viper.BindEnv("PENDING_CHARGE_MAX_AGE_MINUTES")
	_ = viper.BindEnv("MAX_CONSECUTIVE_FAILURES")
	_ = viper.BindEnv("GATEWAY_RETRY_ATTEMPTS")
	_ = viper.BindEnv("SCHEDULER_LOCK_TTL_SECONDS")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	if config.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	return &config, nil
}
