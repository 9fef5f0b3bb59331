// Package auth exchanges a verified phone number for a pair of session
// tokens. It ties together the OTP manager, the code notifier, the user
// directory and the token issuer, and collapses their errors into the
// small set of outward errors defined here.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/officedir/phoneauth/internal/otp"
	"github.com/officedir/phoneauth/internal/token"
	"github.com/officedir/phoneauth/internal/users"
	"github.com/officedir/phoneauth/pkg/models"
	"github.com/zerodha/logf"
)

const (
	DefaultCountryCode    = "+966"
	DefaultResendCooldown = 60 * time.Second
)

var (
	// ErrValidation is returned when a required field is missing or
	// malformed.
	ErrValidation = errors.New("missing or invalid field")

	// ErrInvalidOrExpired covers every code verification failure: no such
	// session, expired, locked, already used, wrong phone or wrong code.
	ErrInvalidOrExpired = errors.New("invalid or expired OTP")

	// ErrCooldown is returned when a resend is requested too early.
	ErrCooldown = errors.New("please wait before requesting a new OTP")

	// ErrInvalidToken covers every token failure, including tokens of
	// users that no longer exist or were deactivated.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrInactive is returned when a deactivated user verifies a code.
	ErrInactive = errors.New("account is deactivated")
)

// CooldownError is an ErrCooldown carrying the remaining wait.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", ErrCooldown.Error(), e.RetryAfter)
}

func (e *CooldownError) Unwrap() error {
	return ErrCooldown
}

// Notifier delivers codes to phones.
type Notifier interface {
	ValidateAddress(phone string) error
	Send(ctx context.Context, s models.Session, code string) error
}

// Config holds the orchestration settings.
type Config struct {
	ResendCooldown     time.Duration `json:"resend_cooldown"`
	DevMode            bool          `json:"dev_mode"`
	DefaultCountryCode string        `json:"default_country_code"`
}

// RequestResult is returned by RequestCode. Code is only set in dev mode.
type RequestResult struct {
	SessionID string
	Code      string
}

// ResendResult is returned by Resend.
type ResendResult struct {
	RetryAfter time.Duration
}

// UserSummary is the identity summary returned on login.
type UserSummary struct {
	ID                string      `json:"id"`
	Phone             string      `json:"phone"`
	Role              models.Role `json:"role"`
	IsProfileComplete bool        `json:"isProfileComplete"`
}

// LoginResult is returned by SubmitCode.
type LoginResult struct {
	User   UserSummary
	Tokens models.TokenPair
}

// Service is the authentication orchestrator.
type Service struct {
	cfg    Config
	otp    *otp.Manager
	tokens *token.Issuer
	dir    users.Directory
	notify Notifier
	lo     logf.Logger
}

// New returns a Service. Zero values in cfg take the defaults.
func New(cfg Config, m *otp.Manager, tokens *token.Issuer, dir users.Directory, n Notifier, lo logf.Logger) *Service {
	if cfg.ResendCooldown <= 0 {
		cfg.ResendCooldown = DefaultResendCooldown
	}
	if cfg.DefaultCountryCode == "" {
		cfg.DefaultCountryCode = DefaultCountryCode
	}

	return &Service{
		cfg:    cfg,
		otp:    m,
		tokens: tokens,
		dir:    dir,
		notify: n,
		lo:     lo,
	}
}

// NormalizePhone joins a country code and a local number. An empty
// country code takes the configured default. A phone that already
// carries a leading + is returned as is.
func (s *Service) NormalizePhone(countryCode, phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.HasPrefix(phone, "+") {
		return phone
	}

	countryCode = strings.TrimSpace(countryCode)
	if countryCode == "" {
		countryCode = s.cfg.DefaultCountryCode
	}
	if !strings.HasPrefix(countryCode, "+") {
		countryCode = "+" + countryCode
	}
	return countryCode + phone
}

// RequestCode starts a session for phone and delivers its code. If the
// code can't be delivered the session is discarded.
func (s *Service) RequestCode(ctx context.Context, phone string) (RequestResult, error) {
	if phone == "" {
		return RequestResult{}, fmt.Errorf("%w: phone", ErrValidation)
	}
	if err := s.notify.ValidateAddress(phone); err != nil {
		return RequestResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	ses, code, err := s.otp.Create(ctx, phone)
	if err != nil {
		s.lo.Error("error creating otp session", "error", err, "phone", phone)
		return RequestResult{}, err
	}

	if err := s.notify.Send(ctx, ses, code); err != nil {
		s.lo.Error("error sending otp", "error", err, "phone", phone, "session", ses.ID)
		if err := s.otp.Discard(context.WithoutCancel(ctx), ses.ID); err != nil {
			s.lo.Error("error discarding otp session", "error", err, "session", ses.ID)
		}
		return RequestResult{}, fmt.Errorf("error sending otp: %w", err)
	}

	out := RequestResult{SessionID: ses.ID}
	if s.cfg.DevMode {
		out.Code = code
	}
	return out, nil
}

// SubmitCode verifies a code and, on success, logs the phone's user in,
// creating the user on first login.
func (s *Service) SubmitCode(ctx context.Context, phone, code, sessionID string) (LoginResult, error) {
	if err := required("phone", phone, "otp", code, "sessionId", sessionID); err != nil {
		return LoginResult{}, err
	}

	if err := s.otp.Verify(ctx, phone, code, sessionID); err != nil {
		if isVerifyFailure(err) {
			s.lo.Debug("otp verification failed", "error", err, "phone", phone, "session", sessionID)
			return LoginResult{}, ErrInvalidOrExpired
		}
		s.lo.Error("error verifying otp", "error", err, "session", sessionID)
		return LoginResult{}, err
	}

	u, err := s.findOrCreate(ctx, phone)
	if err != nil {
		s.lo.Error("error loading user", "error", err, "phone", phone)
		return LoginResult{}, err
	}
	if !u.IsActive {
		s.lo.Info("login refused for inactive user", "user", u.ID)
		return LoginResult{}, ErrInactive
	}

	pair, err := s.tokens.IssuePair(u.Identity())
	if err != nil {
		s.lo.Error("error issuing tokens", "error", err, "user", u.ID)
		return LoginResult{}, err
	}

	return LoginResult{
		User: UserSummary{
			ID:                u.ID,
			Phone:             u.Phone,
			Role:              u.Role,
			IsProfileComplete: u.ProfileComplete,
		},
		Tokens: pair,
	}, nil
}

// Resend sends a fresh code for an existing session, at most once per
// cooldown. The previous code stops working.
func (s *Service) Resend(ctx context.Context, phone, sessionID string) (ResendResult, error) {
	if err := required("phone", phone, "sessionId", sessionID); err != nil {
		return ResendResult{}, err
	}

	guard := func(ses models.Session, now time.Time) error {
		if wait := ses.LastSentAt.Add(s.cfg.ResendCooldown).Sub(now); wait > 0 {
			return &CooldownError{RetryAfter: wait}
		}
		return nil
	}

	ses, code, err := s.otp.Resend(ctx, phone, sessionID, guard)
	if err != nil {
		if errors.Is(err, ErrCooldown) {
			return ResendResult{}, err
		}
		if isVerifyFailure(err) {
			return ResendResult{}, ErrInvalidOrExpired
		}
		s.lo.Error("error resending otp", "error", err, "session", sessionID)
		return ResendResult{}, err
	}

	if err := s.notify.Send(ctx, ses, code); err != nil {
		s.lo.Error("error sending otp", "error", err, "phone", phone, "session", ses.ID)
		return ResendResult{}, fmt.Errorf("error sending otp: %w", err)
	}

	return ResendResult{RetryAfter: s.cfg.ResendCooldown}, nil
}

// Refresh exchanges a refresh token for a new pair. The user is reloaded
// so role and permission changes take effect and deactivated users are
// refused.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	if refreshToken == "" {
		return models.TokenPair{}, ErrInvalidToken
	}

	id, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		s.lo.Debug("refresh token rejected", "error", err)
		return models.TokenPair{}, ErrInvalidToken
	}

	u, err := s.dir.FindByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			return models.TokenPair{}, ErrInvalidToken
		}
		s.lo.Error("error loading user", "error", err, "user", id.UserID)
		return models.TokenPair{}, err
	}
	if !u.IsActive {
		return models.TokenPair{}, ErrInvalidToken
	}

	pair, err := s.tokens.IssuePair(u.Identity())
	if err != nil {
		s.lo.Error("error issuing tokens", "error", err, "user", u.ID)
		return models.TokenPair{}, err
	}
	return pair, nil
}

// Authenticate verifies an access token.
func (s *Service) Authenticate(accessToken string) (models.Identity, error) {
	id, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return models.Identity{}, ErrInvalidToken
	}
	return id, nil
}

// Logout does not change any state: tokens are self-contained and stay
// valid until they expire.
func (s *Service) Logout(ctx context.Context, id models.Identity) error {
	s.lo.Info("logout", "user", id.UserID)
	return nil
}

func (s *Service) findOrCreate(ctx context.Context, phone string) (models.User, error) {
	u, err := s.dir.FindByPhone(ctx, phone)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, users.ErrNotFound) {
		return models.User{}, err
	}

	u, err = s.dir.Create(ctx, models.User{
		Phone:       phone,
		Role:        models.RoleIndividual,
		Permissions: []string{},
		IsVerified:  true,
		IsActive:    true,
	})
	if errors.Is(err, users.ErrExists) {
		// Lost a race with a concurrent first login.
		return s.dir.FindByPhone(ctx, phone)
	}
	if err != nil {
		return models.User{}, err
	}

	s.lo.Info("created user", "user", u.ID, "phone", phone)
	return u, nil
}

// required takes name, value pairs and fails on the first empty value.
func required(kv ...string) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if strings.TrimSpace(kv[i+1]) == "" {
			return fmt.Errorf("%w: %s", ErrValidation, kv[i])
		}
	}
	return nil
}

func isVerifyFailure(err error) bool {
	return errors.Is(err, otp.ErrNotFound) ||
		errors.Is(err, otp.ErrPhoneMismatch) ||
		errors.Is(err, otp.ErrLocked) ||
		errors.Is(err, otp.ErrAlreadyVerified) ||
		errors.Is(err, otp.ErrMismatch)
}
