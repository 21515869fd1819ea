package session

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMaxSessions = 10000
	defaultMaxAge      = time.Hour
)

// MemoryStore keeps sessions in a size-bounded LRU whose entries also expire
// after maxAge. The least recently used session is evicted when full.
type MemoryStore struct {
	mu     sync.Mutex
	cache  *lru.LRU[string, Record]
	maxAge time.Duration
	now    func() time.Time
}

// NewMemoryStore returns a store holding at most size sessions.
func NewMemoryStore(size int, maxAge time.Duration) *MemoryStore {
	if size <= 0 {
		size = defaultMaxSessions
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &MemoryStore{
		cache:  lru.NewLRU[string, Record](size, nil, maxAge),
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec Record) (string, error) {
	if ttlFor(rec, s.maxAge, s.now()) <= 0 {
		return "", ErrExpired
	}
	id := newID()
	s.mu.Lock()
	s.cache.Add(id, rec)
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

// Update applies fn under the store lock. The record is left unchanged when
// fn returns an error.
func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if err := fn(&rec); err != nil {
		return err
	}
	s.cache.Add(id, rec)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	s.cache.Remove(id)
	s.mu.Unlock()
	return nil
}

// Len reports the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

func (s *MemoryStore) getLocked(id string) (Record, error) {
	rec, ok := s.cache.Get(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Expired(s.now()) {
		s.cache.Remove(id)
		return Record{}, ErrNotFound
	}
	return rec, nil
}
