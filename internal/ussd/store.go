/**
 * @description
 * Redis-backed session store for USSD sessions. Sessions live under a
 * per-phone key with a TTL that is renewed on every menu step, so normal
 * think-time is absorbed but abandoned sessions age out on their own.
 *
 * Concurrent webhook deliveries for the same phone (gateway retries) are
 * serialized through a striped in-process mutex: callers hold Lock(phone)
 * around the whole get-step-write cycle. The stripe keeps the scope per-phone
 * rather than a blanket lock across all sessions.
 */
package ussd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "ussd:session:"

const lockStripes = 64

// Store persists USSD sessions in Redis with a TTL.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
	locks  [lockStripes]sync.Mutex
}

// NewStore creates a session store. ttl bounds how long an idle session
// survives between menu steps.
func NewStore(client redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Lock serializes session access for a phone. Unlock must be called with the
// same phone once the step is written back.
func (s *Store) Lock(phone string) {
	s.locks[stripe(phone)].Lock()
}

// Unlock releases the per-phone serialization lock.
func (s *Store) Unlock(phone string) {
	s.locks[stripe(phone)].Unlock()
}

// GetOrCreate returns the active session for the phone, or a fresh one in the
// initial state when none exists, the stored one has expired, or the gateway
// opened a new session id (the old session is superseded and discarded).
// The boolean result reports whether a fresh session was created.
func (s *Store) GetOrCreate(ctx context.Context, phone, gatewaySessionID string) (*Session, bool, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+phone).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("load session for %s: %w", phone, err)
	}

	now := time.Now()
	if err == nil {
		var sess Session
		if unmarshalErr := json.Unmarshal(raw, &sess); unmarshalErr == nil {
			if !sess.Expired(now) && sess.ID == gatewaySessionID {
				return &sess, false, nil
			}
		}
		// Corrupt, expired or superseded: fall through and start over.
	}

	sess := &Session{
		ID:        gatewaySessionID,
		Phone:     phone,
		State:     StateWelcome,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.write(ctx, sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// Update persists the session and renews its TTL.
func (s *Store) Update(ctx context.Context, sess *Session) error {
	sess.ExpiresAt = time.Now().Add(s.ttl)
	return s.write(ctx, sess)
}

// Expire removes the session for the phone. Called on terminal menu states.
func (s *Store) Expire(ctx context.Context, phone string) error {
	return s.client.Del(ctx, sessionKeyPrefix+phone).Err()
}

func (s *Store) write(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session for %s: %w", sess.Phone, err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+sess.Phone, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("store session for %s: %w", sess.Phone, err)
	}
	return nil
}

func stripe(phone string) int {
	h := fnv.New32a()
	h.Write([]byte(phone))
	return int(h.Sum32() % lockStripes)
}
