package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/officedir/phoneauth/internal/users"
	"github.com/officedir/phoneauth/pkg/models"
)

// uniqueViolation is the Postgres error code for unique constraint
// violations.
const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id               TEXT PRIMARY KEY,
	phone            TEXT NOT NULL UNIQUE,
	role             TEXT NOT NULL DEFAULT 'individual',
	permissions      TEXT[] NOT NULL DEFAULT '{}',
	is_verified      BOOLEAN NOT NULL DEFAULT FALSE,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE,
	profile_complete BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const selectUser = `
	SELECT id, phone, role, permissions, is_verified, is_active, profile_complete, created_at
	FROM users`

// Conf contains the Postgres configuration fields.
type Conf struct {
	DSN         string        `json:"dsn"`
	MaxOpen     int           `json:"max_open"`
	MaxIdle     int           `json:"max_idle"`
	MaxLifetime time.Duration `json:"max_lifetime"`
	AutoMigrate bool          `json:"auto_migrate"`
}

// Postgres is a user directory backed by a Postgres users table.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres and optionally creates the users table.
func Open(ctx context.Context, c Conf) (*Postgres, error) {
	db, err := sql.Open("postgres", c.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(c.MaxOpen)
	db.SetMaxIdleConns(c.MaxIdle)
	db.SetConnMaxLifetime(c.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	p := New(db)
	if c.AutoMigrate {
		if err := p.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return p, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the users table if it doesn't exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// FindByPhone returns the user registered with phone, or
// users.ErrNotFound.
func (p *Postgres) FindByPhone(ctx context.Context, phone string) (models.User, error) {
	return p.scan(p.db.QueryRowContext(ctx, selectUser+` WHERE phone = $1`, phone))
}

// FindByID returns the user with the given ID, or users.ErrNotFound.
func (p *Postgres) FindByID(ctx context.Context, id string) (models.User, error) {
	return p.scan(p.db.QueryRowContext(ctx, selectUser+` WHERE id = $1`, id))
}

// Create inserts u, assigning an ID if it is unset. created_at comes
// from the database. A duplicate phone returns users.ErrExists.
func (p *Postgres) Create(ctx context.Context, u models.User) (models.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Permissions == nil {
		u.Permissions = []string{}
	}

	const q = `
		INSERT INTO users (id, phone, role, permissions, is_verified, is_active, profile_complete)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err := p.db.QueryRowContext(ctx, q,
		u.ID,
		u.Phone,
		string(u.Role),
		pq.StringArray(u.Permissions),
		u.IsVerified,
		u.IsActive,
		u.ProfileComplete,
	).Scan(&u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return models.User{}, users.ErrExists
		}
		return models.User{}, err
	}

	return u, nil
}

func (p *Postgres) scan(row *sql.Row) (models.User, error) {
	var (
		u     models.User
		role  string
		perms pq.StringArray
	)
	err := row.Scan(&u.ID, &u.Phone, &role, &perms, &u.IsVerified, &u.IsActive, &u.ProfileComplete, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, users.ErrNotFound
		}
		return models.User{}, err
	}

	u.Role = models.Role(role)
	u.Permissions = []string(perms)
	if u.Permissions == nil {
		u.Permissions = []string{}
	}
	return u, nil
}
