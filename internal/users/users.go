package users

import (
	"context"
	"errors"

	"github.com/officedir/phoneauth/pkg/models"
)

var (
	// ErrNotFound is returned when no user matches a lookup.
	ErrNotFound = errors.New("user not found")

	// ErrExists is returned when creating a user whose phone is taken.
	ErrExists = errors.New("user already exists")
)

// Directory is the user store consulted after a phone is verified.
type Directory interface {
	FindByPhone(ctx context.Context, phone string) (models.User, error)
	FindByID(ctx context.Context, id string) (models.User, error)

	// Create creates a user and returns it with its ID set.
	Create(ctx context.Context, u models.User) (models.User, error)
}
