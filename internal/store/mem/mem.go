// Package mem is an in-process session store. It is meant for tests
// and single-instance development setups; sessions are lost on restart.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/officedir/phoneauth/internal/store"
	"github.com/officedir/phoneauth/pkg/models"
)

type entry struct {
	s   models.Session
	ver uint64
}

// Mem implements an in-memory Store.
type Mem struct {
	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time
}

// New returns an in-memory store. now is the clock used for passive
// expiry; nil means time.Now.
func New(now func() time.Time) *Mem {
	if now == nil {
		now = time.Now
	}
	return &Mem{
		sessions: make(map[string]*entry),
		now:      now,
	}
}

// Ping always succeeds.
func (m *Mem) Ping(ctx context.Context) error {
	return nil
}

// Create persists a new session.
func (m *Mem) Create(ctx context.Context, s models.Session) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return "", store.ErrExists
	}
	m.sessions[s.ID] = &entry{s: s}
	return s.ID, nil
}

// Get retrieves a live session.
func (m *Mem) Get(ctx context.Context, id string) (models.Session, error) {
	s, _, err := m.get(id)
	return s, err
}

// Update applies fn outside the lock and commits only if the entry's
// version is unchanged, retrying otherwise. fn may be slow (it usually
// runs a bcrypt comparison), so it must not block other sessions.
func (m *Mem) Update(ctx context.Context, id string, fn store.UpdateFunc) (models.Session, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.Session{}, err
		}

		s, ver, err := m.get(id)
		if err != nil {
			return s, err
		}

		next := s
		if err := fn(&next); err != nil {
			return s, err
		}

		m.mu.Lock()
		e, ok := m.sessions[id]
		if !ok {
			m.mu.Unlock()
			return s, store.ErrNotExist
		}
		if e.ver != ver {
			m.mu.Unlock()
			continue
		}
		e.s = next
		e.ver++
		m.mu.Unlock()

		return next, nil
	}
}

// Delete deletes the session saved against a given ID.
func (m *Mem) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// DeleteExpired removes every expired session.
func (m *Mem) DeleteExpired(ctx context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.sessions {
		if !now.Before(e.s.ExpiresAt) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of physically stored sessions, expired or not.
func (m *Mem) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Mem) get(id string) (models.Session, uint64, error) {
	now := m.now()

	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return models.Session{}, 0, store.ErrNotExist
	}
	s, ver := e.s, e.ver
	m.mu.Unlock()

	if !now.Before(s.ExpiresAt) {
		return models.Session{}, 0, store.ErrNotExist
	}
	return s, ver, nil
}
