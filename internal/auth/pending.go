package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/techtrendlabs/techtrend/internal/cache"
	"github.com/techtrendlabs/techtrend/pkg/crypto"
)

// Purpose tags why a challenge is open. Modelled as an explicit type so the
// state machine cannot be driven by arbitrary strings.
type Purpose string

const (
	PurposeRegistering Purpose = "registering"
	PurposeLoggingIn   Purpose = "logging_in"
)

func (p Purpose) valid() bool {
	return p == PurposeRegistering || p == PurposeLoggingIn
}

// PendingAuth records that a user passed the primary credential check and now
// owes an OTP. It lives only in the challenge store, never in durable tables.
type PendingAuth struct {
	AccountID string    `json:"account_id"`
	Purpose   Purpose   `json:"purpose"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	// DefaultChallengeTTL bounds how long a stolen cookie plus a known
	// password is useful without the OTP.
	DefaultChallengeTTL = 5 * time.Minute

	// DefaultMaxOTPAttempts caps failed OTP submissions before the
	// challenge is discarded and the flow must restart.
	DefaultMaxOTPAttempts = 5

	challengeTokenBytes = 24
	pendingKeyPrefix    = "pending:"
)

var (
	// ErrNoPendingAuth signals that no open challenge matches the token.
	// Callers redirect to the flow entry point rather than surfacing it.
	ErrNoPendingAuth = errors.New("auth: no pending challenge")

	// ErrTooManyAttempts signals the failed-OTP cap was reached; the
	// challenge has been discarded.
	ErrTooManyAttempts = errors.New("auth: too many failed attempts")
)

// PendingStoreConfig tunes challenge lifetime and the attempt cap.
type PendingStoreConfig struct {
	TTL         time.Duration
	MaxAttempts int
	Clock       func() time.Time
}

// PendingStore keeps at most one PendingAuth per challenge token in the
// shared cache, under its own key namespace. Fully independent of the news
// cache and the session cache.
type PendingStore struct {
	store       cache.Store
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewPendingStore builds a PendingStore over the supplied cache backend.
func NewPendingStore(store cache.Store, cfg PendingStoreConfig) (*PendingStore, error) {
	if store == nil {
		return nil, errors.New("pending store: cache store is required")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxOTPAttempts
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &PendingStore{
		store:       store,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		now:         clock,
	}, nil
}

// Begin opens a challenge for the account and returns the opaque token the
// client presents at the OTP step. Re-posting primary credentials issues a
// fresh token; the caller-visible effect is overwrite, never stacking.
func (s *PendingStore) Begin(ctx context.Context, accountID string, purpose Purpose) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", errors.New("pending store: account id is required")
	}
	if !purpose.valid() {
		return "", fmt.Errorf("pending store: invalid purpose %q", purpose)
	}

	token, err := crypto.GenerateToken(challengeTokenBytes)
	if err != nil {
		return "", fmt.Errorf("pending store: generate token: %w", err)
	}

	pending := PendingAuth{
		AccountID: accountID,
		Purpose:   purpose,
		CreatedAt: s.now(),
	}

	if err := s.put(ctx, token, pending); err != nil {
		return "", err
	}

	return token, nil
}

// Peek reads the challenge without consuming it. Used to gate direct
// navigation to the OTP step.
func (s *PendingStore) Peek(ctx context.Context, token string) (*PendingAuth, error) {
	return s.get(ctx, token)
}

// Resolve consumes the challenge and returns it. Called only after a
// successful OTP verification.
func (s *PendingStore) Resolve(ctx context.Context, token string) (*PendingAuth, error) {
	pending, err := s.get(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, pendingKeyPrefix+token); err != nil {
		return nil, fmt.Errorf("pending store: delete: %w", err)
	}

	return pending, nil
}

// Abandon discards the challenge, if any.
func (s *PendingStore) Abandon(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return s.store.Delete(ctx, pendingKeyPrefix+token)
}

// RecordFailure bumps the failed-attempt counter. Once the cap is reached the
// challenge is abandoned and ErrTooManyAttempts returned; the remaining TTL
// is preserved for earlier failures so retries cannot extend the window.
func (s *PendingStore) RecordFailure(ctx context.Context, token string) error {
	pending, err := s.get(ctx, token)
	if err != nil {
		return err
	}

	pending.Attempts++
	if pending.Attempts >= s.maxAttempts {
		if err := s.Abandon(ctx, token); err != nil {
			return err
		}
		return ErrTooManyAttempts
	}

	remaining := s.ttl - s.now().Sub(pending.CreatedAt)
	if remaining <= 0 {
		return s.Abandon(ctx, token)
	}

	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("pending store: marshal: %w", err)
	}
	return s.store.Set(ctx, pendingKeyPrefix+token, payload, remaining)
}

func (s *PendingStore) put(ctx context.Context, token string, pending PendingAuth) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("pending store: marshal: %w", err)
	}
	if err := s.store.Set(ctx, pendingKeyPrefix+token, payload, s.ttl); err != nil {
		return fmt.Errorf("pending store: set: %w", err)
	}
	return nil
}

func (s *PendingStore) get(ctx context.Context, token string) (*PendingAuth, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoPendingAuth
	}

	payload, ok, err := s.store.Get(ctx, pendingKeyPrefix+token)
	if err != nil {
		return nil, fmt.Errorf("pending store: get: %w", err)
	}
	if !ok {
		return nil, ErrNoPendingAuth
	}

	var pending PendingAuth
	if err := json.Unmarshal(payload, &pending); err != nil {
		return nil, fmt.Errorf("pending store: unmarshal: %w", err)
	}

	return &pending, nil
}
