package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rigzlion8/ussd-credit/internal/domain"
	"github.com/rigzlion8/ussd-credit/internal/store"
)

type reconcilerRepoStub struct {
	store.Repository

	charge *domain.Charge

	successCalls int
	successErr   error
	failureCalls int
	failureMax   int
	failureRsn   string

	orphanRefs []string
}

func (s *reconcilerRepoStub) FindChargeByExternalRef(ctx context.Context, externalRef string) (*domain.Charge, error) {
	if s.charge == nil {
		return nil, store.ErrChargeNotFound
	}
	return s.charge, nil
}

func (s *reconcilerRepoStub) ReconcileChargeSuccess(ctx context.Context, chargeID uuid.UUID) (*store.ReconcileSuccess, error) {
	s.successCalls++
	if s.successErr != nil {
		return nil, s.successErr
	}
	charge := *s.charge
	charge.Status = domain.ChargeStatusSucceeded
	return &store.ReconcileSuccess{
		Charge: charge,
		Subscription: domain.Subscription{
			ID:           charge.SubscriptionID,
			InfluencerID: uuid.New(),
			FanPhone:     "254712345678",
			Amount:       charge.Amount,
			Frequency:    domain.FrequencyMonthly,
			NextChargeAt: time.Now().AddDate(0, 1, 0),
			IsActive:     true,
		},
	}, nil
}

func (s *reconcilerRepoStub) ReconcileChargeFailure(ctx context.Context, chargeID uuid.UUID, reason string, maxFailures int) (*store.ReconcileFailure, error) {
	s.failureCalls++
	s.failureRsn = reason
	s.failureMax = maxFailures
	charge := *s.charge
	charge.Status = domain.ChargeStatusFailed
	return &store.ReconcileFailure{
		Charge: charge,
		Subscription: domain.Subscription{
			ID:           charge.SubscriptionID,
			FanPhone:     "254712345678",
			FailureCount: 1,
			IsActive:     true,
		},
	}, nil
}

func (s *reconcilerRepoStub) RecordOrphanCallback(ctx context.Context, externalRef string, resultCode int, payload []byte) error {
	s.orphanRefs = append(s.orphanRefs, externalRef)
	return nil
}

func pendingCharge() *domain.Charge {
	ref := "ws_CO_123"
	return &domain.Charge{
		ID:             uuid.New(),
		SubscriptionID: uuid.New(),
		Amount:         100,
		Status:         domain.ChargeStatusPending,
		IdempotencyKey: uuid.New(),
		ExternalRef:    &ref,
	}
}

func TestReconcile_UnknownRefIsRecordedNoOp(t *testing.T) {
	repo := &reconcilerRepoStub{}
	r := NewReconciler(repo, NoopPublisher{}, testLogger(), 3)

	outcome, err := r.Reconcile(context.Background(), "ws_CO_missing", true, "ok", 0, []byte(`{}`))
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if outcome != OutcomeUnknown {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeUnknown)
	}
	if len(repo.orphanRefs) != 1 || repo.orphanRefs[0] != "ws_CO_missing" {
		t.Fatalf("orphan refs = %v, want the unknown reference recorded", repo.orphanRefs)
	}
	if repo.successCalls != 0 || repo.failureCalls != 0 {
		t.Fatal("unknown callback must not touch any charge")
	}
}

func TestReconcile_DuplicateCallbackIsNoOp(t *testing.T) {
	charge := pendingCharge()
	charge.Status = domain.ChargeStatusSucceeded
	repo := &reconcilerRepoStub{charge: charge}
	events := &recordingPublisher{}
	r := NewReconciler(repo, events, testLogger(), 3)

	// Same result delivered twice: both must leave state untouched.
	for i := 0; i < 2; i++ {
		outcome, err := r.Reconcile(context.Background(), *charge.ExternalRef, true, "ok", 0, nil)
		if err != nil {
			t.Fatalf("Reconcile returned error: %v", err)
		}
		if outcome != OutcomeDuplicate {
			t.Fatalf("outcome = %s, want %s", outcome, OutcomeDuplicate)
		}
	}
	if repo.successCalls != 0 {
		t.Fatal("duplicate delivery must not re-apply the credit")
	}
	if len(events.routingKeys) != 0 {
		t.Fatalf("duplicate delivery must not publish events, got %v", events.routingKeys)
	}
}

func TestReconcile_SuccessAppliedOnce(t *testing.T) {
	charge := pendingCharge()
	repo := &reconcilerRepoStub{charge: charge}
	events := &recordingPublisher{}
	r := NewReconciler(repo, events, testLogger(), 3)

	outcome, err := r.Reconcile(context.Background(), *charge.ExternalRef, true, "ok", 0, nil)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeApplied)
	}
	if repo.successCalls != 1 {
		t.Fatalf("success reconcile calls = %d, want 1", repo.successCalls)
	}
	if len(events.routingKeys) != 1 || events.routingKeys[0] != "charge.succeeded" {
		t.Fatalf("events = %v, want [charge.succeeded]", events.routingKeys)
	}
}

func TestReconcile_ConcurrentDeliveryLosesRaceGracefully(t *testing.T) {
	charge := pendingCharge()
	repo := &reconcilerRepoStub{charge: charge, successErr: store.ErrChargeAlreadyReconciled}
	r := NewReconciler(repo, NoopPublisher{}, testLogger(), 3)

	outcome, err := r.Reconcile(context.Background(), *charge.ExternalRef, true, "ok", 0, nil)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeDuplicate)
	}
}

func TestReconcile_FailureLeavesSchedulePut(t *testing.T) {
	charge := pendingCharge()
	repo := &reconcilerRepoStub{charge: charge}
	events := &recordingPublisher{}
	r := NewReconciler(repo, events, testLogger(), 5)

	outcome, err := r.Reconcile(context.Background(), *charge.ExternalRef, false, "insufficient funds", 1, nil)
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeApplied)
	}
	if repo.failureCalls != 1 {
		t.Fatalf("failure reconcile calls = %d, want 1", repo.failureCalls)
	}
	if repo.successCalls != 0 {
		t.Fatal("failed result must not take the success path")
	}
	if repo.failureRsn != "insufficient funds" {
		t.Fatalf("reason = %q, want the gateway's result description", repo.failureRsn)
	}
	if repo.failureMax != 5 {
		t.Fatalf("max failures = %d, want the configured threshold 5", repo.failureMax)
	}
	if len(events.routingKeys) != 1 || events.routingKeys[0] != "charge.failed" {
		t.Fatalf("events = %v, want [charge.failed]", events.routingKeys)
	}
}
