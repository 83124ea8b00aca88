/**
 * @description
 * This file defines the core domain models for the ussd-credit service:
 * users, influencers, subscriptions and charges, along with the status and
 * frequency enums that govern their lifecycles.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChargeStatus is the lifecycle state of a billing charge.
type ChargeStatus string

const (
	ChargeStatusPending   ChargeStatus = "pending"
	ChargeStatusSucceeded ChargeStatus = "succeeded"
	ChargeStatusFailed    ChargeStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
// Charge transitions are monotonic: pending -> succeeded or pending -> failed.
func (s ChargeStatus) Terminal() bool {
	return s == ChargeStatusSucceeded || s == ChargeStatusFailed
}

// Frequency is the billing cadence of a subscription.
type Frequency string

const (
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid reports whether f is a known billing cadence.
func (f Frequency) Valid() bool {
	return f == FrequencyWeekly || f == FrequencyMonthly
}

// Advance returns t moved forward by one billing period. The reconciler
// advances from the previous due time, never from the wall clock, so that
// late callbacks do not drift the billing anchor.
func (f Frequency) Advance(t time.Time) time.Time {
	if f == FrequencyWeekly {
		return t.AddDate(0, 0, 7)
	}
	return t.AddDate(0, 1, 0)
}

// User is a registered subscriber. The PIN is stored as a bcrypt hash and is
// only ever compared, never echoed back over the USSD channel.
type User struct {
	ID        uuid.UUID `json:"id"`
	Phone     string    `json:"phone"`
	PINHash   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Influencer is a creator that fans subscribe to. Balance is in minor
// currency units and is credited only by successful charge reconciliation.
type Influencer struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	ShortCode string    `json:"ussd_shortcode"`
	MinAmount int64     `json:"min_amount"`
	MaxAmount int64     `json:"max_amount"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscription links a fan's phone to an influencer with a recurring amount.
// NextChargeAt only moves forward and only after a successful charge.
// FailureCount tracks consecutive failed charges and is reset on success;
// the subscription is deactivated once it crosses the configured threshold.
type Subscription struct {
	ID           uuid.UUID `json:"id"`
	InfluencerID uuid.UUID `json:"influencer_id"`
	FanPhone     string    `json:"fan_phone"`
	Amount       int64     `json:"amount"`
	Frequency    Frequency `json:"frequency"`
	NextChargeAt time.Time `json:"next_charge_at"`
	IsActive     bool      `json:"is_active"`
	FailureCount int       `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Charge is a single billing attempt against a subscription's due cycle.
// IdempotencyKey is deterministic per (subscription, due time) so a
// crash-and-resume of the scheduler lands on the same row. ExternalRef is the
// gateway transaction id, set once the charge has been initiated.
type Charge struct {
	ID             uuid.UUID    `json:"id"`
	SubscriptionID uuid.UUID    `json:"subscription_id"`
	Amount         int64        `json:"amount"`
	Status         ChargeStatus `json:"status"`
	IdempotencyKey uuid.UUID    `json:"idempotency_key"`
	ExternalRef    *string      `json:"external_ref,omitempty"`
	FailureReason  *string      `json:"failure_reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
