/**
 * @description
 * Event payloads published to the billing_events exchange for downstream
 * consumers (SMS notification service, analytics). Publishing is best-effort;
 * these events never participate in the billing transaction itself.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChargeSucceededEvent is published after a charge has been reconciled as
// successful and the influencer balance credited.
type ChargeSucceededEvent struct {
	ChargeID       uuid.UUID `json:"charge_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	InfluencerID   uuid.UUID `json:"influencer_id"`
	FanPhone       string    `json:"fan_phone"`
	Amount         int64     `json:"amount"`
	ExternalRef    string    `json:"external_ref"`
	NextChargeAt   time.Time `json:"next_charge_at"`
}

// ChargeFailedEvent is published when a charge is reconciled as failed,
// whether by gateway callback, permanent rejection or callback timeout.
type ChargeFailedEvent struct {
	ChargeID       uuid.UUID `json:"charge_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	FanPhone       string    `json:"fan_phone"`
	Amount         int64     `json:"amount"`
	Reason         string    `json:"reason"`
	Deactivated    bool      `json:"subscription_deactivated"`
}

// SubscriptionCreatedEvent is published when a fan completes the subscribe
// flow over USSD.
type SubscriptionCreatedEvent struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	InfluencerID   uuid.UUID `json:"influencer_id"`
	FanPhone       string    `json:"fan_phone"`
	Amount         int64     `json:"amount"`
	Frequency      Frequency `json:"frequency"`
	NextChargeAt   time.Time `json:"next_charge_at"`
}

// SubscriptionCancelledEvent is published when a fan cancels a subscription
// over USSD.
type SubscriptionCancelledEvent struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	FanPhone       string    `json:"fan_phone"`
}
