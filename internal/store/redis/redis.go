package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/officedir/phoneauth/internal/store"
	"github.com/officedir/phoneauth/pkg/models"
	"github.com/redis/go-redis/v9"
)

// ErrContention is returned when an update loses the optimistic lock
// race more than MaxRetries times in a row.
var ErrContention = errors.New("too many concurrent updates on the session")

// Redis implements a Redis Store.
type Redis struct {
	client *redis.Client
	conf   Conf
	now    func() time.Time
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	MaxActive int           `json:"max_active"`
	MaxIdle   int           `json:"max_idle"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`

	// Grace is added to every key's TTL so that Redis evicts a session
	// some time after it has logically expired.
	Grace time.Duration `json:"grace"`

	// MaxRetries is the number of times an update is retried when the
	// watched key changes underneath it.
	MaxRetries int `json:"max_retries"`

	// If this is set, 'create' and 'update' events will be PUBLISHed
	// to this Redis key (Redis PubSub).
	PublishKey string `json:"publish_key"`
}

// record is the Redis hash representation of a session.
// Timestamps are stored as Unix milliseconds.
type record struct {
	ID         string `redis:"id"`
	Phone      string `redis:"phone"`
	CodeHash   string `redis:"code_hash"`
	Attempts   int    `redis:"attempts"`
	Verified   bool   `redis:"verified"`
	ExpiresAt  int64  `redis:"expires_at"`
	CreatedAt  int64  `redis:"created_at"`
	LastSentAt int64  `redis:"last_sent_at"`
}

type event struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// New returns a Redis implementation of store. now is the clock used
// for passive expiry; nil means time.Now.
func New(c Conf, now func() time.Time) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "PHONEAUTH"
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 10
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if now == nil {
		now = time.Now
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.MaxActive,
		MaxIdleConns: c.MaxIdle,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
		now:    now,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Create persists a new session. The existence check and the write run
// under WATCH so that two creates for the same ID can't both succeed.
func (r *Redis) Create(ctx context.Context, s models.Session) (string, error) {
	key := r.makeKey(s.ID)

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return store.ErrExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.write(ctx, pipe, key, s)
			return nil
		})
		return err
	}

	if err := r.client.Watch(ctx, txf, key); err != nil {
		if err == redis.TxFailedErr {
			return "", store.ErrExists
		}
		return "", err
	}

	r.publish(ctx, "create", s)
	return s.ID, nil
}

// Get retrieves a live session.
func (r *Redis) Get(ctx context.Context, id string) (models.Session, error) {
	return r.get(ctx, r.client, r.makeKey(id))
}

// Update applies fn to a session with optimistic locking. If the key
// is modified by someone else between the read and EXEC, the
// transaction is aborted and retried with a fresh read.
func (r *Redis) Update(ctx context.Context, id string, fn store.UpdateFunc) (models.Session, error) {
	var (
		key = r.makeKey(id)
		out models.Session
	)

	txf := func(tx *redis.Tx) error {
		s, err := r.get(ctx, tx, key)
		if err != nil {
			return err
		}
		out = s

		if err := fn(&s); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.write(ctx, pipe, key, s)
			return nil
		})
		if err != nil {
			return err
		}
		out = s
		return nil
	}

	for i := 0; i < r.conf.MaxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return out, err
		}

		r.publish(ctx, "update", out)
		return out, nil
	}

	return out, ErrContention
}

// Delete deletes the session saved against a given ID.
func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.makeKey(id)).Err(); err != nil {
		return err
	}
	return nil
}

// DeleteExpired removes sessions that are past their expiry but not yet
// evicted by Redis, which is the case when Grace is large.
func (r *Redis) DeleteExpired(ctx context.Context) (int, error) {
	var (
		n    = 0
		now  = r.now().UnixMilli()
		iter = r.client.Scan(ctx, 0, r.makeKey("*"), 100).Iterator()
	)
	for iter.Next(ctx) {
		key := iter.Val()

		exp, err := r.client.HGet(ctx, key, "expires_at").Int64()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return n, err
		}
		if now < exp {
			continue
		}

		if err := r.client.Del(ctx, key).Err(); err != nil {
			return n, err
		}
		n++
	}

	return n, iter.Err()
}

// write queues the commands that persist a session.
func (r *Redis) write(ctx context.Context, pipe redis.Pipeliner, key string, s models.Session) {
	pipe.HMSet(ctx, key,
		"id", s.ID,
		"phone", s.Phone,
		"code_hash", s.CodeHash,
		"attempts", s.Attempts,
		"verified", s.Verified,
		"expires_at", s.ExpiresAt.UnixMilli(),
		"created_at", s.CreatedAt.UnixMilli(),
		"last_sent_at", s.LastSentAt.UnixMilli())

	ttl := s.ExpiresAt.Sub(r.now()) + r.conf.Grace
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	pipe.PExpire(ctx, key, ttl)
}

// get retrieves a session and applies passive expiry.
func (r *Redis) get(ctx context.Context, c hashGetter, key string) (models.Session, error) {
	var rec record
	if err := c.HGetAll(ctx, key).Scan(&rec); err != nil {
		return models.Session{}, err
	}

	// Doesn't exist?
	if rec.ID == "" {
		return models.Session{}, store.ErrNotExist
	}

	s := models.Session{
		ID:         rec.ID,
		Phone:      rec.Phone,
		CodeHash:   rec.CodeHash,
		Attempts:   rec.Attempts,
		Verified:   rec.Verified,
		ExpiresAt:  time.UnixMilli(rec.ExpiresAt),
		CreatedAt:  time.UnixMilli(rec.CreatedAt),
		LastSentAt: time.UnixMilli(rec.LastSentAt),
	}

	// Expired but not yet evicted.
	if !r.now().Before(s.ExpiresAt) {
		return models.Session{}, store.ErrNotExist
	}

	return s, nil
}

// publish publishes a session event if a PublishKey is configured.
// It is best-effort: the write it reports has already committed.
func (r *Redis) publish(ctx context.Context, typ string, s models.Session) {
	if r.conf.PublishKey == "" {
		return
	}

	b, _ := json.Marshal(s)
	e, _ := json.Marshal(event{
		Type: typ,
		ID:   s.ID,
		Data: json.RawMessage(b),
	})
	r.client.Publish(ctx, r.conf.PublishKey, e)
}

// makeKey makes the Redis key for the session.
func (r *Redis) makeKey(id string) string {
	return fmt.Sprintf("%s:session:%s", r.conf.KeyPrefix, id)
}
