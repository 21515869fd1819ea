package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix        = "session:"
	maxUpdateRetries = 5
)

// ErrConflict is returned when an update keeps racing other writers.
var ErrConflict = errors.New("session update conflict")

// RedisStore keeps each session in a Redis hash under "session:<id>" with a
// TTL that ends at the token expiry.
type RedisStore struct {
	rdb    *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client, maxAge time.Duration) *RedisStore {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &RedisStore{rdb: rdb, maxAge: maxAge, now: time.Now}
}

func (s *RedisStore) Create(ctx context.Context, rec Record) (string, error) {
	ttl := ttlFor(rec, s.maxAge, s.now())
	if ttl <= 0 {
		return "", ErrExpired
	}

	id := newID()
	key := keyPrefix + id
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, toHash(rec))
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	return s.get(ctx, s.rdb, id)
}

// Update runs fn inside a WATCH/MULTI transaction, retrying when another
// writer touched the session in between.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*Record) error) error {
	key := keyPrefix + id
	txf := func(tx *redis.Tx) error {
		rec, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, toHash(rec))
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, keyPrefix+id).Err()
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) get(ctx context.Context, c hashReader, id string) (Record, error) {
	if id == "" {
		return Record{}, ErrNotFound
	}
	fields, err := c.HGetAll(ctx, keyPrefix+id).Result()
	if err != nil {
		return Record{}, err
	}
	if len(fields) == 0 {
		return Record{}, ErrNotFound
	}
	rec := fromHash(fields)
	if rec.Expired(s.now()) {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func toHash(rec Record) map[string]interface{} {
	var expires int64
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.Unix()
	}
	return map[string]interface{}{
		"token":        rec.Token,
		"subject_id":   rec.SubjectID,
		"display_name": rec.DisplayName,
		"role":         rec.Role,
		"expires_at":   expires,
		"flash":        rec.Flash,
	}
}

func fromHash(fields map[string]string) Record {
	rec := Record{
		Token:       fields["token"],
		SubjectID:   fields["subject_id"],
		DisplayName: fields["display_name"],
		Role:        fields["role"],
		Flash:       fields["flash"],
	}
	if unix, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil && unix > 0 {
		rec.ExpiresAt = time.Unix(unix, 0)
	}
	return rec
}
