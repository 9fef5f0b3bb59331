// Package token issues and verifies the signed, stateless access and
// refresh tokens handed out after a phone is verified.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/officedir/phoneauth/pkg/models"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"

	// claimsVersion is bumped whenever the claim layout changes.
	claimsVersion = 1
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token has expired")
)

// Config holds the signing secrets and lifetimes. The access and
// refresh secrets must differ.
type Config struct {
	Issuer        string        `json:"issuer"`
	AccessSecret  string        `json:"access_secret"`
	RefreshSecret string        `json:"refresh_secret"`
	AccessTTL     time.Duration `json:"access_ttl"`
	RefreshTTL    time.Duration `json:"refresh_ttl"`
}

// claims is the JWT payload.
type claims struct {
	UserID      string      `json:"uid"`
	Phone       string      `json:"phone"`
	Role        models.Role `json:"role"`
	Permissions []string    `json:"perms"`
	Type        string      `json:"typ"`
	Version     int         `json:"ver"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens. It holds no mutable state and is
// safe for concurrent use.
type Issuer struct {
	cfg        Config
	accessKey  []byte
	refreshKey []byte
	now        func() time.Time
}

// New returns an Issuer. Zero TTLs take the defaults of 15 minutes and
// 7 days. now is the clock; nil means time.Now.
func New(cfg Config, now func() time.Time) (*Issuer, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh secrets must be different")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "phoneauth"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}

	return &Issuer{
		cfg:        cfg,
		accessKey:  []byte(cfg.AccessSecret),
		refreshKey: []byte(cfg.RefreshSecret),
		now:        now,
	}, nil
}

// IssueAccess issues a short-lived access token.
func (i *Issuer) IssueAccess(id models.Identity) (string, error) {
	return i.sign(id, typeAccess, i.accessKey, i.cfg.AccessTTL)
}

// IssueRefresh issues a long-lived refresh token.
func (i *Issuer) IssueRefresh(id models.Identity) (string, error) {
	return i.sign(id, typeRefresh, i.refreshKey, i.cfg.RefreshTTL)
}

// IssuePair issues an access and a refresh token with identical claims.
func (i *Issuer) IssuePair(id models.Identity) (models.TokenPair, error) {
	a, err := i.IssueAccess(id)
	if err != nil {
		return models.TokenPair{}, err
	}
	r, err := i.IssueRefresh(id)
	if err != nil {
		return models.TokenPair{}, err
	}
	return models.TokenPair{AccessToken: a, RefreshToken: r}, nil
}

// VerifyAccess verifies an access token and returns its claims.
func (i *Issuer) VerifyAccess(tok string) (models.Identity, error) {
	return i.verify(tok, typeAccess, i.accessKey)
}

// VerifyRefresh verifies a refresh token and returns its claims.
func (i *Issuer) VerifyRefresh(tok string) (models.Identity, error) {
	return i.verify(tok, typeRefresh, i.refreshKey)
}

// AccessTTL returns the access token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.cfg.AccessTTL
}

func (i *Issuer) sign(id models.Identity, typ string, key []byte, ttl time.Duration) (string, error) {
	jti, err := newJTI()
	if err != nil {
		return "", err
	}

	perms := id.Permissions
	if perms == nil {
		perms = []string{}
	}

	now := i.now()
	c := claims{
		UserID:      id.UserID,
		Phone:       id.Phone,
		Role:        id.Role,
		Permissions: perms,
		Type:        typ,
		Version:     claimsVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(key)
}

func (i *Issuer) verify(tok, typ string, key []byte) (models.Identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tok, &c, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.Identity{}, ErrExpired
		}
		return models.Identity{}, ErrInvalid
	}

	// The type claim is checked in addition to the key so that a token
	// can't be accepted as the other kind.
	if c.Type != typ || c.Version != claimsVersion || c.UserID == "" {
		return models.Identity{}, ErrInvalid
	}

	return models.Identity{
		UserID:      c.UserID,
		Phone:       c.Phone,
		Role:        c.Role,
		Permissions: c.Permissions,
	}, nil
}

// newJTI creates a unique token ID.
func newJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
