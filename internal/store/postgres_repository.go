/**
 * @description
 * This file implements the data access layer for the ussd-credit service on
 * PostgreSQL using pgx. It contains all SQL for users, influencers,
 * subscriptions and charges, including the multi-record transactional
 * reconcile operations used by the payment webhook path.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rigzlion8/ussd-credit/internal/domain"
)

// PostgresRepository handles database operations for the billing service.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository backed by the given pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetUserByPhone retrieves a registered user by their canonical MSISDN.
func (r *PostgresRepository) GetUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	var user domain.User
	query := `
        SELECT id, phone, pin_hash, created_at
        FROM users
        WHERE phone = $1
    `
	err := r.db.QueryRow(ctx, query, phone).Scan(&user.ID, &user.Phone, &user.PINHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ListInfluencers returns all influencers ordered by name for menu display.
func (r *PostgresRepository) ListInfluencers(ctx context.Context) ([]domain.Influencer, error) {
	query := `
        SELECT id, name, ussd_shortcode, min_amount, max_amount, balance, created_at
        FROM influencers
        ORDER BY name
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var influencers []domain.Influencer
	for rows.Next() {
		var inf domain.Influencer
		if err := rows.Scan(&inf.ID, &inf.Name, &inf.ShortCode, &inf.MinAmount, &inf.MaxAmount, &inf.Balance, &inf.CreatedAt); err != nil {
			return nil, err
		}
		influencers = append(influencers, inf)
	}
	return influencers, rows.Err()
}

// GetInfluencer retrieves a single influencer by id.
func (r *PostgresRepository) GetInfluencer(ctx context.Context, id uuid.UUID) (*domain.Influencer, error) {
	var inf domain.Influencer
	query := `
        SELECT id, name, ussd_shortcode, min_amount, max_amount, balance, created_at
        FROM influencers
        WHERE id = $1
    `
	err := r.db.QueryRow(ctx, query, id).Scan(&inf.ID, &inf.Name, &inf.ShortCode, &inf.MinAmount, &inf.MaxAmount, &inf.Balance, &inf.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInfluencerNotFound
		}
		return nil, err
	}
	return &inf, nil
}

// CreateSubscription inserts a new subscription and returns the stored row.
func (r *PostgresRepository) CreateSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	var created domain.Subscription
	query := `
        INSERT INTO subscriptions (influencer_id, fan_phone, amount, frequency, next_charge_at, is_active)
        VALUES ($1, $2, $3, $4, $5, TRUE)
        RETURNING id, influencer_id, fan_phone, amount, frequency, next_charge_at, is_active, failure_count, created_at
    `
	err := r.db.QueryRow(ctx, query,
		sub.InfluencerID, sub.FanPhone, sub.Amount, sub.Frequency, sub.NextChargeAt,
	).Scan(
		&created.ID, &created.InfluencerID, &created.FanPhone, &created.Amount,
		&created.Frequency, &created.NextChargeAt, &created.IsActive, &created.FailureCount, &created.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ListActiveSubscriptionsByPhone returns a fan's active subscriptions for the
// USSD "My Subscriptions" menu.
func (r *PostgresRepository) ListActiveSubscriptionsByPhone(ctx context.Context, phone string) ([]domain.Subscription, error) {
	query := `
        SELECT id, influencer_id, fan_phone, amount, frequency, next_charge_at, is_active, failure_count, created_at
        FROM subscriptions
        WHERE fan_phone = $1 AND is_active = TRUE
        ORDER BY created_at
    `
	rows, err := r.db.Query(ctx, query, phone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		if err := scanSubscription(rows, &sub); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeactivateSubscription marks a subscription inactive.
func (r *PostgresRepository) DeactivateSubscription(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE subscriptions SET is_active = FALSE, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// GetDueSubscriptions selects active subscriptions that are due for billing.
// "Due" is computed server-side from next_charge_at. Subscriptions with a
// pending charge that already reached the gateway (external_ref set) are
// excluded; those are awaiting a callback or the stale-charge timeout.
func (r *PostgresRepository) GetDueSubscriptions(ctx context.Context, limit int) ([]domain.Subscription, error) {
	query := `
        SELECT s.id, s.influencer_id, s.fan_phone, s.amount, s.frequency, s.next_charge_at, s.is_active, s.failure_count, s.created_at
        FROM subscriptions s
        WHERE s.is_active = TRUE
          AND s.next_charge_at <= NOW()
          AND NOT EXISTS (
              SELECT 1 FROM charges c
              WHERE c.subscription_id = s.id
                AND c.status = 'pending'
                AND c.external_ref IS NOT NULL
          )
        ORDER BY s.next_charge_at
        LIMIT $1
    `
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		if err := scanSubscription(rows, &sub); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpsertPendingCharge inserts a pending charge for a due cycle. Retrying the
// same cycle hits the unique idempotency key and returns the existing row
// instead of creating a second charge.
func (r *PostgresRepository) UpsertPendingCharge(ctx context.Context, subscriptionID uuid.UUID, amount int64, idempotencyKey uuid.UUID) (*domain.Charge, error) {
	var charge domain.Charge
	query := `
        INSERT INTO charges (subscription_id, amount, status, idempotency_key)
        VALUES ($1, $2, 'pending', $3)
        ON CONFLICT (idempotency_key) DO UPDATE SET updated_at = NOW()
        RETURNING id, subscription_id, amount, status, idempotency_key, external_ref, failure_reason, created_at, updated_at
    `
	err := r.db.QueryRow(ctx, query, subscriptionID, amount, idempotencyKey).Scan(
		&charge.ID, &charge.SubscriptionID, &charge.Amount, &charge.Status,
		&charge.IdempotencyKey, &charge.ExternalRef, &charge.FailureReason,
		&charge.CreatedAt, &charge.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &charge, nil
}

// SetChargeExternalRef records the gateway reference once a charge has been
// initiated. The reference is immutable once set.
func (r *PostgresRepository) SetChargeExternalRef(ctx context.Context, chargeID uuid.UUID, externalRef string) error {
	query := `
        UPDATE charges
        SET external_ref = $1, updated_at = NOW()
        WHERE id = $2 AND external_ref IS NULL
    `
	tag, err := r.db.Exec(ctx, query, externalRef, chargeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("charge %s: external ref already set or charge missing", chargeID)
	}
	return nil
}

// FindChargeByExternalRef looks up a charge by the gateway transaction id.
func (r *PostgresRepository) FindChargeByExternalRef(ctx context.Context, externalRef string) (*domain.Charge, error) {
	var charge domain.Charge
	query := `
        SELECT id, subscription_id, amount, status, idempotency_key, external_ref, failure_reason, created_at, updated_at
        FROM charges
        WHERE external_ref = $1
    `
	err := r.db.QueryRow(ctx, query, externalRef).Scan(
		&charge.ID, &charge.SubscriptionID, &charge.Amount, &charge.Status,
		&charge.IdempotencyKey, &charge.ExternalRef, &charge.FailureReason,
		&charge.CreatedAt, &charge.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChargeNotFound
		}
		return nil, err
	}
	return &charge, nil
}

// ListStalePendingCharges returns pending charges that were created before
// the cutoff and never received a callback.
func (r *PostgresRepository) ListStalePendingCharges(ctx context.Context, olderThan time.Time, limit int) ([]domain.Charge, error) {
	query := `
        SELECT id, subscription_id, amount, status, idempotency_key, external_ref, failure_reason, created_at, updated_at
        FROM charges
        WHERE status = 'pending' AND created_at < $1
        ORDER BY created_at
        LIMIT $2
    `
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var charges []domain.Charge
	for rows.Next() {
		var charge domain.Charge
		err := rows.Scan(
			&charge.ID, &charge.SubscriptionID, &charge.Amount, &charge.Status,
			&charge.IdempotencyKey, &charge.ExternalRef, &charge.FailureReason,
			&charge.CreatedAt, &charge.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		charges = append(charges, charge)
	}
	return charges, rows.Err()
}

// ReconcileChargeSuccess applies a successful payment result as one atomic
// unit: charge to succeeded, next_charge_at advanced by one period from its
// previous value, failure count reset, influencer balance credited. The
// pending-status guard under the row lock makes duplicate deliveries no-ops.
func (r *PostgresRepository) ReconcileChargeSuccess(ctx context.Context, chargeID uuid.UUID) (*ReconcileSuccess, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback(ctx)

	charge, err := lockCharge(ctx, tx, chargeID)
	if err != nil {
		return nil, err
	}
	if charge.Status != domain.ChargeStatusPending {
		return nil, ErrChargeAlreadyReconciled
	}

	if _, err := tx.Exec(ctx,
		`UPDATE charges SET status = 'succeeded', updated_at = NOW() WHERE id = $1`,
		charge.ID,
	); err != nil {
		return nil, fmt.Errorf("mark charge succeeded: %w", err)
	}

	var sub domain.Subscription
	err = tx.QueryRow(ctx, `
        UPDATE subscriptions
        SET next_charge_at = next_charge_at
                + CASE WHEN frequency = 'weekly' THEN INTERVAL '7 days' ELSE INTERVAL '1 month' END,
            failure_count = 0,
            updated_at = NOW()
        WHERE id = $1
        RETURNING id, influencer_id, fan_phone, amount, frequency, next_charge_at, is_active, failure_count, created_at
    `, charge.SubscriptionID).Scan(
		&sub.ID, &sub.InfluencerID, &sub.FanPhone, &sub.Amount,
		&sub.Frequency, &sub.NextChargeAt, &sub.IsActive, &sub.FailureCount, &sub.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("advance subscription period: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE influencers SET balance = balance + $1, updated_at = NOW() WHERE id = $2`,
		charge.Amount, sub.InfluencerID,
	); err != nil {
		return nil, fmt.Errorf("credit influencer balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reconcile tx: %w", err)
	}

	charge.Status = domain.ChargeStatusSucceeded
	return &ReconcileSuccess{Charge: *charge, Subscription: sub}, nil
}

// ReconcileChargeFailure applies a failed payment result: charge to failed,
// consecutive failure count incremented, subscription deactivated once the
// count reaches maxFailures. next_charge_at stays put so the scheduler
// retries the same due period on a later tick.
func (r *PostgresRepository) ReconcileChargeFailure(ctx context.Context, chargeID uuid.UUID, reason string, maxFailures int) (*ReconcileFailure, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback(ctx)

	charge, err := lockCharge(ctx, tx, chargeID)
	if err != nil {
		return nil, err
	}
	if charge.Status != domain.ChargeStatusPending {
		return nil, ErrChargeAlreadyReconciled
	}

	if _, err := tx.Exec(ctx,
		`UPDATE charges SET status = 'failed', failure_reason = $1, updated_at = NOW() WHERE id = $2`,
		reason, charge.ID,
	); err != nil {
		return nil, fmt.Errorf("mark charge failed: %w", err)
	}

	var sub domain.Subscription
	err = tx.QueryRow(ctx, `
        UPDATE subscriptions
        SET failure_count = failure_count + 1,
            is_active = is_active AND (failure_count + 1 < $1),
            updated_at = NOW()
        WHERE id = $2
        RETURNING id, influencer_id, fan_phone, amount, frequency, next_charge_at, is_active, failure_count, created_at
    `, maxFailures, charge.SubscriptionID).Scan(
		&sub.ID, &sub.InfluencerID, &sub.FanPhone, &sub.Amount,
		&sub.Frequency, &sub.NextChargeAt, &sub.IsActive, &sub.FailureCount, &sub.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record subscription failure: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reconcile tx: %w", err)
	}

	charge.Status = domain.ChargeStatusFailed
	charge.FailureReason = &reason
	return &ReconcileFailure{Charge: *charge, Subscription: sub, Deactivated: !sub.IsActive}, nil
}

// RecordOrphanCallback stores a callback that matched no known charge.
func (r *PostgresRepository) RecordOrphanCallback(ctx context.Context, externalRef string, resultCode int, payload []byte) error {
	query := `
        INSERT INTO orphan_callbacks (external_ref, result_code, payload)
        VALUES ($1, $2, $3)
    `
	_, err := r.db.Exec(ctx, query, externalRef, resultCode, payload)
	return err
}

func lockCharge(ctx context.Context, tx pgx.Tx, chargeID uuid.UUID) (*domain.Charge, error) {
	var charge domain.Charge
	err := tx.QueryRow(ctx, `
        SELECT id, subscription_id, amount, status, idempotency_key, external_ref, failure_reason, created_at, updated_at
        FROM charges
        WHERE id = $1
        FOR UPDATE
    `, chargeID).Scan(
		&charge.ID, &charge.SubscriptionID, &charge.Amount, &charge.Status,
		&charge.IdempotencyKey, &charge.ExternalRef, &charge.FailureReason,
		&charge.CreatedAt, &charge.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChargeNotFound
		}
		return nil, err
	}
	return &charge, nil
}

func scanSubscription(rows pgx.Rows, sub *domain.Subscription) error {
	return rows.Scan(
		&sub.ID, &sub.InfluencerID, &sub.FanPhone, &sub.Amount,
		&sub.Frequency, &sub.NextChargeAt, &sub.IsActive, &sub.FailureCount, &sub.CreatedAt,
	)
}
