/**
 * @description
 * Scheduled job implementations for the billing engine: advancing due
 * subscriptions into charges, and timing out pending charges whose gateway
 * callback never arrived. Both jobs run under a distributed lock so that a
 * fleet of instances bills each due cycle exactly once.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rigzlion8/ussd-credit/internal/domain"
	"github.com/rigzlion8/ussd-credit/internal/store"
	"github.com/rigzlion8/ussd-credit/pkg/daraja"
)

const (
	dueBatchSize   = 100
	staleBatchSize = 100

	jobTimeout       = 50 * time.Second
	retryBackoffBase = 500 * time.Millisecond

	dueLockName   = "billing_due"
	staleLockName = "billing_stale"
)

// chargeCycleNamespace seeds the deterministic idempotency keys. It must
// never change: key stability across restarts is what makes crash-and-resume
// reuse the same charge row.
var chargeCycleNamespace = uuid.MustParse("9d1c9b8e-5bd2-4c1d-a6a2-08a2f7f2d3b4")

// ChargeIdempotencyKey derives the idempotency key for one billing attempt.
// It is stable for a given (subscription, due time, consecutive-failure
// count): a crashed tick resumes onto the same charge, while a retry after a
// recorded failure gets a fresh key for the same due period.
func ChargeIdempotencyKey(subscriptionID uuid.UUID, dueAt time.Time, failureCount int) uuid.UUID {
	seed := fmt.Sprintf("%s|%s|%d", subscriptionID, dueAt.UTC().Format(time.RFC3339Nano), failureCount)
	return uuid.NewSHA1(chargeCycleNamespace, []byte(seed))
}

// BillingRepository is the persistence subset the jobs need.
type BillingRepository interface {
	GetDueSubscriptions(ctx context.Context, limit int) ([]domain.Subscription, error)
	UpsertPendingCharge(ctx context.Context, subscriptionID uuid.UUID, amount int64, idempotencyKey uuid.UUID) (*domain.Charge, error)
	SetChargeExternalRef(ctx context.Context, chargeID uuid.UUID, externalRef string) error
	ListStalePendingCharges(ctx context.Context, olderThan time.Time, limit int) ([]domain.Charge, error)
	ReconcileChargeFailure(ctx context.Context, chargeID uuid.UUID, reason string, maxFailures int) (*store.ReconcileFailure, error)
}

// PaymentGateway initiates a charge and returns the gateway's pending
// transaction reference.
type PaymentGateway interface {
	InitiateSTKPush(ctx context.Context, phone string, amount int64, idempotencyKey string) (string, error)
}

// JobLock provides mutual exclusion for scheduler ticks across instances.
type JobLock interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// Jobs contains the logic for all scheduled billing tasks.
type Jobs struct {
	repo    BillingRepository
	gateway PaymentGateway
	lock    JobLock
	events  EventPublisher
	logger  *slog.Logger

	maxFailures         int
	retryAttempts       int
	pendingChargeMaxAge time.Duration
	lockTTL             time.Duration
}

// NewJobs creates a new billing jobs runner.
func NewJobs(repo BillingRepository, gateway PaymentGateway, lock JobLock, events EventPublisher, logger *slog.Logger, maxFailures, retryAttempts int, pendingChargeMaxAge, lockTTL time.Duration) *Jobs {
	return &Jobs{
		repo:                repo,
		gateway:             gateway,
		lock:                lock,
		events:              events,
		logger:              logger,
		maxFailures:         maxFailures,
		retryAttempts:       retryAttempts,
		pendingChargeMaxAge: pendingChargeMaxAge,
		lockTTL:             lockTTL,
	}
}

// ProcessDueSubscriptions is the billing tick: it selects due subscriptions
// and initiates a charge for each without ever double-billing a due cycle.
func (j *Jobs) ProcessDueSubscriptions() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	acquired, err := j.lock.Acquire(ctx, dueLockName, j.lockTTL)
	if err != nil {
		j.logger.Error("failed to acquire billing lock", "error", err)
		return
	}
	if !acquired {
		j.logger.Info("billing tick skipped, lock held by another instance")
		return
	}
	defer func() {
		if err := j.lock.Release(ctx, dueLockName); err != nil {
			j.logger.Error("failed to release billing lock", "error", err)
		}
	}()

	subs, err := j.repo.GetDueSubscriptions(ctx, dueBatchSize)
	if err != nil {
		j.logger.Error("failed to select due subscriptions", "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	j.logger.Info("processing due subscriptions", "count", len(subs))
	for _, sub := range subs {
		j.chargeSubscription(ctx, sub)
	}
}

func (j *Jobs) chargeSubscription(ctx context.Context, sub domain.Subscription) {
	key := ChargeIdempotencyKey(sub.ID, sub.NextChargeAt, sub.FailureCount)

	charge, err := j.repo.UpsertPendingCharge(ctx, sub.ID, sub.Amount, key)
	if err != nil {
		j.logger.Error("failed to create charge", "subscription_id", sub.ID, "error", err)
		return
	}
	if charge.Status != domain.ChargeStatusPending {
		j.logger.Info("charge for due cycle already reconciled", "charge_id", charge.ID, "status", charge.Status)
		return
	}
	if charge.ExternalRef != nil {
		// Initiated on an earlier tick; the callback or the stale-charge
		// timeout will close it.
		return
	}

	ref, err := j.initiateWithRetry(ctx, sub, key)
	if err != nil {
		if daraja.IsRejected(err) {
			j.failCharge(ctx, charge, fmt.Sprintf("gateway rejected charge: %v", err))
			return
		}
		// Transient and exhausted: the charge stays pending with no external
		// ref, so the next tick resumes it under the same idempotency key.
		j.logger.Warn("gateway unreachable, will retry next tick",
			"charge_id", charge.ID, "subscription_id", sub.ID, "error", err)
		return
	}

	if err := j.repo.SetChargeExternalRef(ctx, charge.ID, ref); err != nil {
		j.logger.Error("failed to record gateway reference", "charge_id", charge.ID, "external_ref", ref, "error", err)
		return
	}
	j.logger.Info("charge initiated", "charge_id", charge.ID, "subscription_id", sub.ID, "external_ref", ref)
}

func (j *Jobs) initiateWithRetry(ctx context.Context, sub domain.Subscription, key uuid.UUID) (string, error) {
	var lastErr error
	backoff := retryBackoffBase
	for attempt := 1; attempt <= j.retryAttempts; attempt++ {
		ref, err := j.gateway.InitiateSTKPush(ctx, sub.FanPhone, sub.Amount, key.String())
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if daraja.IsRejected(err) {
			return "", err
		}
		if attempt == j.retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", lastErr
}

// ExpireStaleCharges times out pending charges that never received a
// callback, closing the loop for gateways that silently drop them.
func (j *Jobs) ExpireStaleCharges() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	acquired, err := j.lock.Acquire(ctx, staleLockName, j.lockTTL)
	if err != nil {
		j.logger.Error("failed to acquire stale-charge lock", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := j.lock.Release(ctx, staleLockName); err != nil {
			j.logger.Error("failed to release stale-charge lock", "error", err)
		}
	}()

	cutoff := time.Now().Add(-j.pendingChargeMaxAge)
	charges, err := j.repo.ListStalePendingCharges(ctx, cutoff, staleBatchSize)
	if err != nil {
		j.logger.Error("failed to list stale charges", "error", err)
		return
	}

	for _, charge := range charges {
		charge := charge
		j.logger.Warn("timing out stale pending charge", "charge_id", charge.ID, "created_at", charge.CreatedAt)
		j.failCharge(ctx, &charge, "no gateway callback within timeout")
	}
}

func (j *Jobs) failCharge(ctx context.Context, charge *domain.Charge, reason string) {
	result, err := j.repo.ReconcileChargeFailure(ctx, charge.ID, reason, j.maxFailures)
	if err != nil {
		j.logger.Error("failed to mark charge failed", "charge_id", charge.ID, "error", err)
		return
	}

	j.logger.Info("charge failed",
		"charge_id", charge.ID, "subscription_id", result.Subscription.ID,
		"reason", reason, "deactivated", result.Deactivated)

	if err := j.events.Publish(ctx, billingEventsExchange, "charge.failed", domain.ChargeFailedEvent{
		ChargeID:       charge.ID,
		SubscriptionID: result.Subscription.ID,
		FanPhone:       result.Subscription.FanPhone,
		Amount:         charge.Amount,
		Reason:         reason,
		Deactivated:    result.Deactivated,
	}); err != nil {
		j.logger.Error("failed to publish charge.failed", "charge_id", charge.ID, "error", err)
	}
}
