// Package otp manages the lifecycle of one-time code sessions: creation,
// verification with bounded attempts, and resending.
//
// A session moves from pending to exactly one terminal state: verified
// (the correct code was submitted once), locked (MaxAttempts wrong codes)
// or expired (ExpiresAt passed). Every state check and the write that
// follows it run inside a single atomic store update, so concurrent
// verifications of one session can't both succeed or overshoot the
// attempt limit.
package otp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/officedir/phoneauth/internal/store"
	"github.com/officedir/phoneauth/pkg/models"
)

var (
	ErrNotFound        = errors.New("otp session not found or expired")
	ErrPhoneMismatch   = errors.New("otp session belongs to another phone")
	ErrLocked          = errors.New("otp attempts exceeded")
	ErrAlreadyVerified = errors.New("otp session already verified")
	ErrMismatch        = errors.New("incorrect otp")
)

// Config holds the session limits.
type Config struct {
	Length      int           `json:"length"`
	TTL         time.Duration `json:"ttl"`
	MaxAttempts int           `json:"max_attempts"`
	HashCost    int           `json:"hash_cost"`
}

// Guard is an extra precondition checked atomically with a resend.
type Guard func(s models.Session, now time.Time) error

// Manager creates, verifies and resends OTP sessions against a store.
type Manager struct {
	st     store.Store
	cfg    Config
	hasher Hasher
	now    func() time.Time
}

// NewManager returns a Manager. Zero values in cfg take the defaults:
// 6 digits, 5 minutes, 5 attempts. now is the clock; nil means time.Now.
func NewManager(st store.Store, cfg Config, now func() time.Time) *Manager {
	if cfg.Length < 1 {
		cfg.Length = 6
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if now == nil {
		now = time.Now
	}

	return &Manager{
		st:     st,
		cfg:    cfg,
		hasher: NewHasher(cfg.HashCost),
		now:    now,
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Create starts a new session for phone and returns it along with the
// plaintext code, which is not stored anywhere.
func (m *Manager) Create(ctx context.Context, phone string) (models.Session, string, error) {
	code, hash, err := m.newCode()
	if err != nil {
		return models.Session{}, "", err
	}

	now := m.now()
	s := models.Session{
		ID:         uuid.NewString(),
		Phone:      phone,
		CodeHash:   hash,
		ExpiresAt:  now.Add(m.cfg.TTL),
		CreatedAt:  now,
		LastSentAt: now,
	}
	if _, err := m.st.Create(ctx, s); err != nil {
		return models.Session{}, "", err
	}

	return s, code, nil
}

// Get returns a live session.
func (m *Manager) Get(ctx context.Context, id string) (models.Session, error) {
	s, err := m.st.Get(ctx, id)
	if err != nil {
		return s, mapErr(err)
	}
	return s, nil
}

// Discard deletes a session, for instance when its code could not be
// delivered.
func (m *Manager) Discard(ctx context.Context, id string) error {
	return m.st.Delete(ctx, id)
}

// Verify checks code against the session. A wrong code consumes an
// attempt even though the call fails. A correct code marks the session
// verified, after which it can never be verified again.
func (m *Manager) Verify(ctx context.Context, phone, code, id string) error {
	var (
		now      = m.now()
		mismatch bool
	)

	_, err := m.st.Update(ctx, id, func(s *models.Session) error {
		mismatch = false
		if err := m.check(*s, phone, now); err != nil {
			return err
		}

		if !m.hasher.Compare(s.CodeHash, code) {
			s.Attempts++
			mismatch = true
			return nil
		}

		s.Verified = true
		return nil
	})
	if err != nil {
		return mapErr(err)
	}
	if mismatch {
		return ErrMismatch
	}

	return nil
}

// Resend replaces the session's code and restarts its expiry window.
// Attempts are left untouched. guard, if non-nil, is evaluated inside
// the same atomic update.
func (m *Manager) Resend(ctx context.Context, phone, id string, guard Guard) (models.Session, string, error) {
	code, hash, err := m.newCode()
	if err != nil {
		return models.Session{}, "", err
	}

	now := m.now()
	s, err := m.st.Update(ctx, id, func(s *models.Session) error {
		if err := m.check(*s, phone, now); err != nil {
			return err
		}
		if guard != nil {
			if err := guard(*s, now); err != nil {
				return err
			}
		}

		s.CodeHash = hash
		s.ExpiresAt = now.Add(m.cfg.TTL)
		s.LastSentAt = now
		return nil
	})
	if err != nil {
		return s, "", mapErr(err)
	}

	return s, code, nil
}

// check fails if a session can't take a code anymore.
func (m *Manager) check(s models.Session, phone string, now time.Time) error {
	if s.Phone != phone {
		return ErrPhoneMismatch
	}
	if !now.Before(s.ExpiresAt) {
		return ErrNotFound
	}
	if s.Attempts >= m.cfg.MaxAttempts {
		return ErrLocked
	}
	if s.Verified {
		return ErrAlreadyVerified
	}
	return nil
}

func (m *Manager) newCode() (string, string, error) {
	code, err := GenerateCode(m.cfg.Length)
	if err != nil {
		return "", "", err
	}
	hash, err := m.hasher.Hash(code)
	if err != nil {
		return "", "", err
	}
	return code, hash, nil
}

func mapErr(err error) error {
	if errors.Is(err, store.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
