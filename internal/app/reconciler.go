/**
 * @description
 * The payment webhook reconciler. Applies asynchronous payment results to
 * charges exactly once: duplicate deliveries (the gateway guarantees only
 * at-least-once) and callbacks for unknown or expired charges degrade to
 * recorded no-ops. The actual multi-record writes are one atomic repository
 * operation so a partial application is never observable.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rigzlion8/ussd-credit/internal/domain"
	"github.com/rigzlion8/ussd-credit/internal/store"
)

// Outcome describes what reconciling a callback did.
type Outcome string

const (
	// OutcomeApplied means the result was applied for the first time.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the charge was already terminal; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnknown means no charge matched the reference; the callback was
	// recorded for audit and otherwise ignored.
	OutcomeUnknown Outcome = "unknown"
)

// Reconciler applies payment callbacks to charge, subscription and
// influencer state.
type Reconciler struct {
	repo        store.Repository
	events      EventPublisher
	logger      *slog.Logger
	maxFailures int
}

// NewReconciler creates a webhook reconciler. maxFailures is the consecutive
// failed-charge count at which a subscription is auto-deactivated.
func NewReconciler(repo store.Repository, events EventPublisher, logger *slog.Logger, maxFailures int) *Reconciler {
	return &Reconciler{
		repo:        repo,
		events:      events,
		logger:      logger,
		maxFailures: maxFailures,
	}
}

// Reconcile applies one payment result identified by the gateway reference.
// rawPayload is kept only for auditing callbacks that match no charge.
func (r *Reconciler) Reconcile(ctx context.Context, externalRef string, success bool, reason string, resultCode int, rawPayload []byte) (Outcome, error) {
	charge, err := r.repo.FindChargeByExternalRef(ctx, externalRef)
	if err != nil {
		if errors.Is(err, store.ErrChargeNotFound) {
			r.logger.Warn("callback for unknown charge", "external_ref", externalRef, "result_code", resultCode)
			if recordErr := r.repo.RecordOrphanCallback(ctx, externalRef, resultCode, rawPayload); recordErr != nil {
				return OutcomeUnknown, fmt.Errorf("record orphan callback: %w", recordErr)
			}
			return OutcomeUnknown, nil
		}
		return "", fmt.Errorf("lookup charge by external ref: %w", err)
	}

	if charge.Status.Terminal() {
		r.logger.Info("duplicate callback ignored",
			"charge_id", charge.ID, "external_ref", externalRef, "status", charge.Status)
		return OutcomeDuplicate, nil
	}

	if success {
		return r.applySuccess(ctx, charge, externalRef)
	}
	return r.applyFailure(ctx, charge, reason)
}

func (r *Reconciler) applySuccess(ctx context.Context, charge *domain.Charge, externalRef string) (Outcome, error) {
	result, err := r.repo.ReconcileChargeSuccess(ctx, charge.ID)
	if err != nil {
		if errors.Is(err, store.ErrChargeAlreadyReconciled) {
			// Lost the race against a concurrent delivery of the same result.
			return OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("reconcile charge success: %w", err)
	}

	r.logger.Info("charge succeeded",
		"charge_id", result.Charge.ID, "subscription_id", result.Subscription.ID,
		"amount", result.Charge.Amount, "next_charge_at", result.Subscription.NextChargeAt)

	if err := r.events.Publish(ctx, billingEventsExchange, "charge.succeeded", domain.ChargeSucceededEvent{
		ChargeID:       result.Charge.ID,
		SubscriptionID: result.Subscription.ID,
		InfluencerID:   result.Subscription.InfluencerID,
		FanPhone:       result.Subscription.FanPhone,
		Amount:         result.Charge.Amount,
		ExternalRef:    externalRef,
		NextChargeAt:   result.Subscription.NextChargeAt,
	}); err != nil {
		r.logger.Error("failed to publish charge.succeeded", "charge_id", result.Charge.ID, "error", err)
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) applyFailure(ctx context.Context, charge *domain.Charge, reason string) (Outcome, error) {
	result, err := r.repo.ReconcileChargeFailure(ctx, charge.ID, reason, r.maxFailures)
	if err != nil {
		if errors.Is(err, store.ErrChargeAlreadyReconciled) {
			return OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("reconcile charge failure: %w", err)
	}

	r.logger.Info("charge failed",
		"charge_id", result.Charge.ID, "subscription_id", result.Subscription.ID,
		"reason", reason, "failure_count", result.Subscription.FailureCount,
		"deactivated", result.Deactivated)

	if err := r.events.Publish(ctx, billingEventsExchange, "charge.failed", domain.ChargeFailedEvent{
		ChargeID:       result.Charge.ID,
		SubscriptionID: result.Subscription.ID,
		FanPhone:       result.Subscription.FanPhone,
		Amount:         result.Charge.Amount,
		Reason:         reason,
		Deactivated:    result.Deactivated,
	}); err != nil {
		r.logger.Error("failed to publish charge.failed", "charge_id", result.Charge.ID, "error", err)
	}
	return OutcomeApplied, nil
}
