// Package session keeps the web front-end's server-side session records.
//
// A record holds the bearer token obtained from the API together with the
// identity fields decoded from it. The browser only ever sees the opaque
// session id.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jjudge-oj/usermanagement/config"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned for unknown, expired or deleted sessions.
var ErrNotFound = errors.New("session not found or expired")

// ErrExpired is returned by Create for a record already past its expiry.
var ErrExpired = errors.New("session record already expired")

// Record is the server-side state of one browser session.
type Record struct {
	Token       string
	SubjectID   string
	DisplayName string
	Role        string
	ExpiresAt   time.Time
	// Flash is a one-shot message shown on the next rendered page.
	Flash string
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store is the session lifecycle: Create on login, Get on each request,
// Update for read-modify-write of a live record, Delete on logout.
// Implementations are safe for concurrent use.
type Store interface {
	Create(ctx context.Context, rec Record) (string, error)
	Get(ctx context.Context, id string) (Record, error)
	Update(ctx context.Context, id string, fn func(*Record) error) error
	Delete(ctx context.Context, id string) error
}

// Open builds the store selected by SESSION_BACKEND.
func Open(ctx context.Context, cfg config.WebConfig) (Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.SessionBackend)) {
	case "", "memory":
		return NewMemoryStore(cfg.MaxSessions, cfg.SessionMaxAge), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedisStore(client, cfg.SessionMaxAge), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
}

func newID() string {
	return uuid.NewString()
}

// ttlFor bounds the lifetime of a record by its token expiry and maxAge.
func ttlFor(rec Record, maxAge time.Duration, now time.Time) time.Duration {
	ttl := maxAge
	if !rec.ExpiresAt.IsZero() {
		if until := rec.ExpiresAt.Sub(now); ttl <= 0 || until < ttl {
			ttl = until
		}
	}
	return ttl
}
