// Package memstore is an in-process store.Cache for single-node deployments and tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/suPer8Hu/widget-chat/internal/store"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type Store struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

func New() *Store {
	return &Store{data: make(map[string]entry), now: time.Now}
}

// NewWithClock lets tests move time forward.
func NewWithClock(now func() time.Time) *Store {
	return &Store{data: make(map[string]entry), now: now}
}

// live returns the entry for key, dropping it if it has expired. Caller holds mu.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) put(key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, store.ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

var _ store.Cache = (*Store)(nil)
