/**
 * @description
 * This file contains the USSD orchestration service. It owns the
 * lock / load-session / step-machine / apply-effects / write-session cycle
 * for every inbound USSD webhook and turns step results into the CON/END
 * replies the telco gateway expects.
 *
 * The menu state machine itself stays pure; this service pre-fetches the data
 * the current state may need and executes the side effects the machine asks
 * for (subscription creation and cancellation).
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rigzlion8/ussd-credit/internal/domain"
	"github.com/rigzlion8/ussd-credit/internal/store"
	"github.com/rigzlion8/ussd-credit/internal/ussd"
	"github.com/rigzlion8/ussd-credit/pkg/msisdn"
)

const billingEventsExchange = "billing_events"

// SessionStore is the session persistence contract the USSD service needs.
type SessionStore interface {
	Lock(phone string)
	Unlock(phone string)
	GetOrCreate(ctx context.Context, phone, gatewaySessionID string) (*ussd.Session, bool, error)
	Update(ctx context.Context, sess *ussd.Session) error
	Expire(ctx context.Context, phone string) error
}

// EventPublisher publishes domain events for downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// NoopPublisher discards events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

// USSDService handles USSD webhook steps end to end.
type USSDService struct {
	sessions           SessionStore
	repo               store.Repository
	events             EventPublisher
	logger             *slog.Logger
	maxInvalidAttempts int
}

// NewUSSDService creates the USSD orchestration service.
func NewUSSDService(sessions SessionStore, repo store.Repository, events EventPublisher, logger *slog.Logger, maxInvalidAttempts int) *USSDService {
	return &USSDService{
		sessions:           sessions,
		repo:               repo,
		events:             events,
		logger:             logger,
		maxInvalidAttempts: maxInvalidAttempts,
	}
}

// HandleStep processes one USSD webhook delivery and returns the full reply
// body, already prefixed with CON (keep session open) or END (terminate).
func (s *USSDService) HandleStep(ctx context.Context, gatewaySessionID, serviceCode, phone, text string) (string, error) {
	phone = msisdn.Normalize(phone)
	if phone == "" {
		return "", errors.New("missing phone number")
	}

	// Gateway retries for the same phone serialize here so the
	// get-step-write cycle below never interleaves.
	s.sessions.Lock(phone)
	defer s.sessions.Unlock(phone)

	sess, _, err := s.sessions.GetOrCreate(ctx, phone, gatewaySessionID)
	if err != nil {
		return "", err
	}

	env, err := s.buildEnv(ctx, sess)
	if err != nil {
		return "", err
	}

	res := ussd.Step(sess, currentInput(text), env)

	if res.Create != nil {
		if err := s.createSubscription(ctx, phone, res.Create); err != nil {
			_ = s.sessions.Expire(ctx, phone)
			return "", err
		}
	}
	if res.Cancel != nil {
		if err := s.cancelSubscription(ctx, phone, res.Cancel); err != nil {
			_ = s.sessions.Expire(ctx, phone)
			return "", err
		}
	}

	if res.Terminal {
		if err := s.sessions.Expire(ctx, phone); err != nil {
			s.logger.Error("failed to expire session", "phone", phone, "error", err)
		}
		return "END " + res.Reply, nil
	}

	sess.State = res.State
	sess.Ctx = res.Ctx
	if err := s.sessions.Update(ctx, sess); err != nil {
		return "", err
	}
	return "CON " + res.Reply, nil
}

// currentInput extracts the digits typed in the latest step from the
// gateway's accumulated text field ("1*2*500" means "500" was just entered).
func currentInput(text string) string {
	if text == "" {
		return ""
	}
	parts := strings.Split(text, "*")
	return parts[len(parts)-1]
}

// buildEnv pre-fetches the data the machine may consult from the session's
// current state. Lookups are kept to what the state can actually reach.
func (s *USSDService) buildEnv(ctx context.Context, sess *ussd.Session) (ussd.Env, error) {
	env := ussd.Env{MaxInvalidAttempts: s.maxInvalidAttempts}

	switch sess.State {
	case ussd.StateWelcome, ussd.StateSelectInfluencer:
		influencers, err := s.repo.ListInfluencers(ctx)
		if err != nil {
			return env, fmt.Errorf("list influencers: %w", err)
		}
		env.Influencers = make([]ussd.InfluencerOption, len(influencers))
		for i, inf := range influencers {
			env.Influencers[i] = ussd.InfluencerOption{
				ID:        inf.ID,
				Name:      inf.Name,
				MinAmount: inf.MinAmount,
				MaxAmount: inf.MaxAmount,
			}
		}
	case ussd.StateConfirmPIN:
		user, err := s.repo.GetUserByPhone(ctx, sess.Phone)
		if err != nil && !errors.Is(err, store.ErrUserNotFound) {
			return env, fmt.Errorf("load user: %w", err)
		}
		if user != nil {
			env.PINHash = user.PINHash
		}
	}

	if sess.State == ussd.StateWelcome || sess.State == ussd.StateMySubscriptions {
		subs, err := s.repo.ListActiveSubscriptionsByPhone(ctx, sess.Phone)
		if err != nil {
			return env, fmt.Errorf("list subscriptions: %w", err)
		}
		env.Subscriptions = make([]ussd.SubscriptionOption, len(subs))
		for i, sub := range subs {
			name := sub.InfluencerID.String()
			if inf, err := s.repo.GetInfluencer(ctx, sub.InfluencerID); err == nil {
				name = inf.Name
			}
			env.Subscriptions[i] = ussd.SubscriptionOption{
				ID:             sub.ID,
				InfluencerName: name,
				Amount:         sub.Amount,
				Frequency:      sub.Frequency,
			}
		}
	}

	return env, nil
}

func (s *USSDService) createSubscription(ctx context.Context, phone string, req *ussd.CreateSubscriptionRequest) error {
	sub := &domain.Subscription{
		InfluencerID: req.InfluencerID,
		FanPhone:     phone,
		Amount:       req.Amount,
		Frequency:    req.Frequency,
		// Due immediately: the first charge goes out on the next scheduler tick.
		NextChargeAt: time.Now(),
	}
	created, err := s.repo.CreateSubscription(ctx, sub)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}

	s.logger.Info("subscription created",
		"subscription_id", created.ID, "influencer_id", created.InfluencerID,
		"amount", created.Amount, "frequency", created.Frequency)

	if err := s.events.Publish(ctx, billingEventsExchange, "subscription.created", domain.SubscriptionCreatedEvent{
		SubscriptionID: created.ID,
		InfluencerID:   created.InfluencerID,
		FanPhone:       created.FanPhone,
		Amount:         created.Amount,
		Frequency:      created.Frequency,
		NextChargeAt:   created.NextChargeAt,
	}); err != nil {
		s.logger.Error("failed to publish subscription.created", "subscription_id", created.ID, "error", err)
	}
	return nil
}

func (s *USSDService) cancelSubscription(ctx context.Context, phone string, req *ussd.CancelSubscriptionRequest) error {
	if err := s.repo.DeactivateSubscription(ctx, req.SubscriptionID); err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}

	s.logger.Info("subscription cancelled", "subscription_id", req.SubscriptionID)

	if err := s.events.Publish(ctx, billingEventsExchange, "subscription.cancelled", domain.SubscriptionCancelledEvent{
		SubscriptionID: req.SubscriptionID,
		FanPhone:       phone,
	}); err != nil {
		s.logger.Error("failed to publish subscription.cancelled", "subscription_id", req.SubscriptionID, "error", err)
	}
	return nil
}
