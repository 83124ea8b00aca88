/**
 * @description
 * Cron scheduler setup for the billing jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/rigzlion8/ussd-credit/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config *config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg *config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.BillingJobSchedule, s.jobs.ProcessDueSubscriptions); err != nil {
		s.logger.Error("failed to schedule billing job", "error", err)
	} else {
		s.logger.Info("scheduled billing job", "schedule", s.config.BillingJobSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.ChargeTimeoutJobSchedule, s.jobs.ExpireStaleCharges); err != nil {
		s.logger.Error("failed to schedule charge timeout job", "error", err)
	} else {
		s.logger.Info("scheduled charge timeout job", "schedule", s.config.ChargeTimeoutJobSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
