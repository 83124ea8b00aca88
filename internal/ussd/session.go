/**
 * @description
 * This file defines the ephemeral USSD session model: the menu state enum and
 * the typed per-session context. Sessions are short-lived, keyed by phone
 * number, and carry only the scratch data the current flow needs.
 */
package ussd

import (
	"time"

	"github.com/google/uuid"

	"github.com/rigzlion8/ussd-credit/internal/domain"
)

// State is a node in the USSD menu flow.
type State string

const (
	StateWelcome          State = "WELCOME"
	StateSelectInfluencer State = "SELECT_INFLUENCER"
	StateSelectFrequency  State = "SELECT_FREQUENCY"
	StateConfirmAmount    State = "CONFIRM_AMOUNT"
	StateConfirmPIN       State = "CONFIRM_PIN"
	StateMySubscriptions  State = "MY_SUBSCRIPTIONS"
	StateConfirmCancel    State = "CONFIRM_CANCEL"
	StateDone             State = "DONE"
	StateCancelled        State = "CANCELLED"
	StateError            State = "ERROR"
)

// Terminal reports whether the state ends the session. Terminal replies are
// sent with the END prefix and the session is destroyed immediately after.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateError
}

// Context is the scratch data accumulated while walking the menu. Only the
// fields relevant to the current state are populated; everything is typed so
// a flow cannot read a field another flow wrote.
type Context struct {
	// Subscribe flow.
	InfluencerID   uuid.UUID        `json:"influencer_id,omitempty"`
	InfluencerName string           `json:"influencer_name,omitempty"`
	MinAmount      int64            `json:"min_amount,omitempty"`
	MaxAmount      int64            `json:"max_amount,omitempty"`
	Amount         int64            `json:"amount,omitempty"`
	Frequency      domain.Frequency `json:"frequency,omitempty"`

	// Manage flow: ids shown on the last MY_SUBSCRIPTIONS page, in menu order,
	// and the one picked for cancellation.
	SubscriptionIDs        []uuid.UUID `json:"subscription_ids,omitempty"`
	SelectedSubscriptionID uuid.UUID   `json:"selected_subscription_id,omitempty"`

	// Consecutive invalid inputs in the current state. Reset on every valid
	// transition; crossing the configured limit terminates the session.
	InvalidAttempts int `json:"invalid_attempts,omitempty"`
}

// Session is the per-phone USSD session. At most one session exists per phone;
// a new gateway session id supersedes and discards any previous one.
type Session struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	State     State     `json:"state"`
	Ctx       Context   `json:"ctx"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session's TTL has passed at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
