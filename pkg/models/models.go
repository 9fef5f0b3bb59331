package models

import (
	"context"
	"time"
)

// State is the verification state of a Session. It is computed from
// the stored fields and is never persisted.
type State string

const (
	StatePending  State = "pending"
	StateVerified State = "verified"
	StateLocked   State = "locked"
	StateExpired  State = "expired"
)

// Role is the role of an identity.
type Role string

const (
	RoleIndividual Role = "individual"
	RoleCompany    Role = "company"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
)

// Session is an outstanding phone verification. The plaintext code is
// never stored, only its hash.
type Session struct {
	ID         string    `json:"id"`
	Phone      string    `json:"phone"`
	CodeHash   string    `json:"-"`
	Attempts   int       `json:"-"`
	Verified   bool      `json:"verified"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	LastSentAt time.Time `json:"last_sent_at"`
}

// State returns the state of the session at the given instant.
// Expiry wins over everything else.
func (s Session) State(now time.Time, maxAttempts int) State {
	switch {
	case !now.Before(s.ExpiresAt):
		return StateExpired
	case s.Verified:
		return StateVerified
	case s.Attempts >= maxAttempts:
		return StateLocked
	}
	return StatePending
}

// Identity is the fixed claim set carried by access and refresh tokens.
type Identity struct {
	UserID      string   `json:"user_id"`
	Phone       string   `json:"phone"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions"`
}

// TokenPair is an access token and a refresh token issued together.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// User is the slice of a user record that authentication needs.
type User struct {
	ID              string    `json:"id"`
	Phone           string    `json:"phone"`
	Role            Role      `json:"role"`
	Permissions     []string  `json:"permissions"`
	IsVerified      bool      `json:"is_verified"`
	IsActive        bool      `json:"is_active"`
	ProfileComplete bool      `json:"is_profile_complete"`
	CreatedAt       time.Time `json:"created_at"`
}

// Identity returns the token claims for the user.
func (u User) Identity() Identity {
	perms := u.Permissions
	if perms == nil {
		perms = []string{}
	}
	return Identity{
		UserID:      u.ID,
		Phone:       u.Phone,
		Role:        u.Role,
		Permissions: perms,
	}
}

// Message is a rendered one-time code message handed to a CodeSender.
type Message struct {
	To        string        `json:"to"`
	Code      string        `json:"code"`
	SessionID string        `json:"session_id"`
	Subject   string        `json:"subject"`
	Body      string        `json:"body"`
	TTL       time.Duration `json:"-"`
}

// ProviderConfig represents the common configuration types for a CodeSender.
type ProviderConfig struct {
	Template string `json:"template"`
	Subject  string `json:"subject"`
}

// CodeSender is an interface for a messaging backend that delivers
// one-time codes to phones, for instance SMS or WhatsApp.
type CodeSender interface {
	// ID returns the name of the sender.
	ID() string

	// ChannelName returns the name of the channel the sender delivers
	// over, for example "SMS" or "WhatsApp".
	ChannelName() string

	// ValidateAddress validates the phone number the sender is supposed
	// to deliver to.
	ValidateAddress(to string) error

	// Push delivers a message. A nil error means the message was
	// accepted by the upstream gateway.
	Push(ctx context.Context, m Message) error
}
