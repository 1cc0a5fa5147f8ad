package session

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// MemoryStore holds sessions in process. Sessions do not survive a restart.
type MemoryStore struct {
	cache  *cache.Cache
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewMemoryStore evicts sessions idle for ttl. The janitor runs every ttl/2.
func NewMemoryStore(ttl time.Duration, logger *zap.Logger) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &MemoryStore{cache: cache.New(ttl, ttl/2), ttl: ttl, now: time.Now, logger: logger}
	m.cache.OnEvicted(m.evicted)
	return m
}

// evicted also fires on Clear; only an idle session counts as expired.
func (m *MemoryStore) evicted(id string, v interface{}) {
	s, ok := v.(*Session)
	if !ok || m.now().Sub(s.LastInteractionAt) < m.ttl {
		return
	}
	m.logger.Debug("session expired", zap.String("recipient", id))
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	v, ok := m.cache.Get(id)
	if !ok {
		return nil, nil
	}
	s := v.(*Session)
	if s.Step == "" {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Set(ctx context.Context, id string, s *Session) error {
	stored := s.Clone()
	stored.LastInteractionAt = m.now()
	m.cache.Set(id, stored, m.ttl)
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context, id string) error {
	m.cache.Delete(id)
	return nil
}

func (m *MemoryStore) Len(ctx context.Context) (int, error) {
	return m.cache.ItemCount(), nil
}
