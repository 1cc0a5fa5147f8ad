// Package session keeps per-sender conversation state for the dispatcher.
// Sessions expire after a period of inactivity.
package session

import (
	"context"
	"maps"
	"time"
)

// DefaultTTL is the idle time after which a session is abandoned.
const DefaultTTL = 30 * time.Minute

// Session is the conversation state for one sender. A session with an
// empty Step is treated as absent.
type Session struct {
	Step              string            `json:"step"`
	Data              map[string]string `json:"data,omitempty"`
	LastInteractionAt time.Time         `json:"last_interaction_at"`
}

// Value returns Data[key], or "" when unset.
func (s *Session) Value(key string) string {
	if s == nil || s.Data == nil {
		return ""
	}
	return s.Data[key]
}

// Clone returns a deep copy so callers can stage changes without
// touching the stored session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Data = maps.Clone(s.Data)
	return &c
}

// Store is safe for concurrent use across identities.
type Store interface {
	// Get returns nil when there is no live session for id.
	Get(ctx context.Context, id string) (*Session, error)
	// Set stores s and refreshes its TTL.
	Set(ctx context.Context, id string, s *Session) error
	Clear(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}
