package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChallengeTTL bounds how long an issued payment challenge stays payable.
const ChallengeTTL = 15 * time.Minute

// Challenge statuses reported to clients
const (
	ChallengeValid    = "valid"
	ChallengeUsed     = "used"
	ChallengeExpired  = "expired"
	ChallengeNotFound = "not_found"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrChallengeUsed     = errors.New("challenge already used")
)

// PaymentChallenge binds one expected on-chain payment (amount, recipient,
// memo=nonce) to one question unlock. Consumable at most once.
type PaymentChallenge struct {
	Nonce       string    `json:"nonce"`
	AmountMicro int64     `json:"amount_micro"`
	Recipient   string    `json:"recipient"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ChallengeStore is the anti-replay guard for per-question payments: a
// paid transaction carries a nonce in its memo, and consuming the nonce is
// atomic, so one payment can never unlock two questions.
type ChallengeStore struct {
	kv        KV
	recipient string
}

func NewChallengeStore(kv KV, recipient string) *ChallengeStore {
	return &ChallengeStore{kv: kv, recipient: recipient}
}

func challengeKey(nonce string) string { return "challenge:" + nonce }
func usedKey(nonce string) string      { return "challenge_used:" + nonce }

// Issue creates a challenge priced at the question cost for the level.
func (s *ChallengeStore) Issue(ctx context.Context, level int) (*PaymentChallenge, error) {
	ch := &PaymentChallenge{
		Nonce:       uuid.NewString(),
		AmountMicro: CostMicro(level),
		Recipient:   s.recipient,
		ExpiresAt:   time.Now().Add(ChallengeTTL),
	}
	raw, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.kv.Set(ctx, challengeKey(ch.Nonce), raw, ChallengeTTL); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}
	return ch, nil
}

// Get returns the challenge without consuming it, for pre-verification of
// the paid transaction. Expiry is re-checked against the clock here, not
// just left to the backend TTL.
func (s *ChallengeStore) Get(ctx context.Context, nonce string) (*PaymentChallenge, error) {
	raw, ok, err := s.kv.Get(ctx, challengeKey(nonce))
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	if !ok {
		// Distinguish consumed from never-issued for the caller's error message
		if _, used, _ := s.kv.Get(ctx, usedKey(nonce)); used {
			return nil, ErrChallengeUsed
		}
		return nil, ErrChallengeNotFound
	}
	var ch PaymentChallenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	if time.Now().After(ch.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	return &ch, nil
}

// Status reports valid | used | expired | not_found.
func (s *ChallengeStore) Status(ctx context.Context, nonce string) string {
	switch _, err := s.Get(ctx, nonce); {
	case err == nil:
		return ChallengeValid
	case errors.Is(err, ErrChallengeUsed):
		return ChallengeUsed
	case errors.Is(err, ErrChallengeExpired):
		return ChallengeExpired
	default:
		return ChallengeNotFound
	}
}

// Consume atomically takes the challenge out of circulation. Under two
// concurrent calls for the same nonce at most one succeeds: the KV GetDel
// is the single point of arbitration. The used tombstone written after is
// informational only (Status reporting); correctness never depends on it.
func (s *ChallengeStore) Consume(ctx context.Context, nonce string) (*PaymentChallenge, error) {
	raw, ok, err := s.kv.GetDel(ctx, challengeKey(nonce))
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	if !ok {
		if _, used, _ := s.kv.Get(ctx, usedKey(nonce)); used {
			return nil, ErrChallengeUsed
		}
		return nil, ErrChallengeNotFound
	}
	var ch PaymentChallenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	if time.Now().After(ch.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	_ = s.kv.Set(ctx, usedKey(nonce), []byte("1"), ChallengeTTL)
	return &ch, nil
}
