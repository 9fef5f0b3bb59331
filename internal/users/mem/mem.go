package mem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/officedir/phoneauth/internal/users"
	"github.com/officedir/phoneauth/pkg/models"
)

// Mem is an in-memory user directory.
type Mem struct {
	mu      sync.RWMutex
	byID    map[string]models.User
	byPhone map[string]string
}

// New returns an empty directory.
func New() *Mem {
	return &Mem{
		byID:    make(map[string]models.User),
		byPhone: make(map[string]string),
	}
}

// FindByPhone returns the user registered with phone, or
// users.ErrNotFound.
func (m *Mem) FindByPhone(ctx context.Context, phone string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPhone[phone]
	if !ok {
		return models.User{}, users.ErrNotFound
	}
	return m.byID[id], nil
}

// FindByID returns the user with the given ID, or users.ErrNotFound.
func (m *Mem) FindByID(ctx context.Context, id string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.byID[id]
	if !ok {
		return models.User{}, users.ErrNotFound
	}
	return u, nil
}

// Create registers u, assigning an ID and creation time if they are
// unset. It returns users.ErrExists if the phone is already taken.
func (m *Mem) Create(ctx context.Context, u models.User) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byPhone[u.Phone]; ok {
		return models.User{}, users.ErrExists
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	m.byID[u.ID] = u
	m.byPhone[u.Phone] = u.ID
	return u, nil
}

// Put inserts or replaces a user. It is meant for seeding and for
// changing a user's status in tests.
func (m *Mem) Put(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byID[u.ID]; ok {
		delete(m.byPhone, old.Phone)
	}
	m.byID[u.ID] = u
	m.byPhone[u.Phone] = u.ID
}

// Len returns the number of users.
func (m *Mem) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
