/**
 * @description
 * This file defines the repository contract for the ussd-credit service along
 * with the sentinel errors shared by its implementations. The Postgres
 * implementation lives in postgres_repository.go; tests substitute stubs.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rigzlion8/ussd-credit/internal/domain"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrInfluencerNotFound   = errors.New("influencer not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrChargeNotFound       = errors.New("charge not found")

	// ErrChargeAlreadyReconciled is returned by the reconcile operations when
	// the charge reached a terminal status before the row lock was taken.
	// Callers treat it as a duplicate delivery, not a failure.
	ErrChargeAlreadyReconciled = errors.New("charge already reconciled")
)

// ReconcileSuccess is the result of applying a successful payment callback:
// the charge, its subscription with the advanced next_charge_at, all written
// in one transaction together with the influencer credit.
type ReconcileSuccess struct {
	Charge       domain.Charge
	Subscription domain.Subscription
}

// ReconcileFailure is the result of applying a failed payment callback.
type ReconcileFailure struct {
	Charge       domain.Charge
	Subscription domain.Subscription
	Deactivated  bool
}

// Repository is the persistence contract consumed by the application layer.
type Repository interface {
	GetUserByPhone(ctx context.Context, phone string) (*domain.User, error)

	ListInfluencers(ctx context.Context) ([]domain.Influencer, error)
	GetInfluencer(ctx context.Context, id uuid.UUID) (*domain.Influencer, error)

	CreateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	ListActiveSubscriptionsByPhone(ctx context.Context, phone string) ([]domain.Subscription, error)
	DeactivateSubscription(ctx context.Context, id uuid.UUID) error

	// GetDueSubscriptions returns active subscriptions whose next_charge_at has
	// passed and that have no already-initiated pending charge. Subscriptions
	// whose pending charge was created but never reached the gateway (no
	// external_ref) are included so a crashed tick can resume them.
	GetDueSubscriptions(ctx context.Context, limit int) ([]domain.Subscription, error)

	// UpsertPendingCharge inserts a pending charge for the given due cycle or,
	// when the idempotency key already exists, returns the existing row.
	UpsertPendingCharge(ctx context.Context, subscriptionID uuid.UUID, amount int64, idempotencyKey uuid.UUID) (*domain.Charge, error)
	SetChargeExternalRef(ctx context.Context, chargeID uuid.UUID, externalRef string) error
	FindChargeByExternalRef(ctx context.Context, externalRef string) (*domain.Charge, error)
	ListStalePendingCharges(ctx context.Context, olderThan time.Time, limit int) ([]domain.Charge, error)

	// ReconcileChargeSuccess atomically marks the charge succeeded, advances
	// the subscription's next_charge_at by one frequency period from its
	// previous value, resets the failure count and credits the influencer
	// balance. Returns ErrChargeAlreadyReconciled if the charge is no longer
	// pending.
	ReconcileChargeSuccess(ctx context.Context, chargeID uuid.UUID) (*ReconcileSuccess, error)

	// ReconcileChargeFailure atomically marks the charge failed and increments
	// the subscription's consecutive failure count, deactivating it once the
	// count reaches maxFailures. next_charge_at is left untouched so the next
	// scheduler tick retries the same due period.
	ReconcileChargeFailure(ctx context.Context, chargeID uuid.UUID, reason string, maxFailures int) (*ReconcileFailure, error)

	// RecordOrphanCallback persists a payment callback that matched no known
	// charge so operators can audit gateway deliveries.
	RecordOrphanCallback(ctx context.Context, externalRef string, resultCode int, payload []byte) error
}
