package store

import (
	"context"
	"errors"

	"github.com/officedir/phoneauth/pkg/models"
)

var (
	// ErrNotExist is thrown when a session does not exist or has expired.
	ErrNotExist = errors.New("the session does not exist")

	// ErrExists is thrown when creating a session whose ID is taken.
	ErrExists = errors.New("the session already exists")
)

// UpdateFunc mutates a session inside an atomic read-modify-write.
// Returning an error aborts the write.
type UpdateFunc func(s *models.Session) error

// Store represents a storage backend where OTP sessions are stored.
// Sessions at or past their ExpiresAt are treated as absent by every
// read path, whether or not they have been physically removed.
type Store interface {
	// Create persists a new session and returns its ID. It is
	// all-or-nothing: a failed Create leaves nothing readable.
	Create(ctx context.Context, s models.Session) (string, error)

	// Get returns the live session against an ID.
	Get(ctx context.Context, id string) (models.Session, error)

	// Update atomically applies fn to the live session against an ID.
	// The write commits only if the session did not change between the
	// read and the write. If fn returns an error, nothing is written and
	// the observed session is returned with the error.
	Update(ctx context.Context, id string, fn UpdateFunc) (models.Session, error)

	// Delete deletes the session saved against a given ID.
	Delete(ctx context.Context, id string) error

	// DeleteExpired physically removes expired sessions and returns
	// the number removed.
	DeleteExpired(ctx context.Context) (int, error)

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}
