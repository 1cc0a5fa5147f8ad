package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL covers client retries of POST /v1/notifications.
	IdempotencyTTL = 24 * time.Hour

	// EventDedupeTTL is how long a business event key (e.g. a payment
	// id) blocks a second notification for the same event.
	EventDedupeTTL = 24 * time.Hour

	// processingTTL bounds the lock while a request is in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means the key is reserved by a request still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult is the cached response for an idempotent request.
type IdempotencyResult struct {
	EntryIDs   []string `json:"entry_ids"`
	StatusCode int      `json:"status_code"`
	CreatedAt  int64    `json:"created_at"`
}

type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	now    func() time.Time
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

func buildKey(scope, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, idempotencyKey)
}

// Check returns (nil, nil) for an unknown key, the cached result when one
// was stored, or ErrDuplicateRequest while the key is being processed.
func (s *IdempotencyService) Check(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, buildKey(scope, idempotencyKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("scope", scope),
		zap.Strings("entry_ids", result.EntryIDs),
	)

	return &result, nil
}

// Store saves the result of a processed request, replacing the reservation.
func (s *IdempotencyService) Store(ctx context.Context, scope, idempotencyKey string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = s.now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, buildKey(scope, idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve takes the in-flight lock with SET NX. It reports false when the
// key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, idempotencyKey string) (bool, error) {
	return reserve(ctx, s.client, buildKey(scope, idempotencyKey), processingTTL)
}

// Release drops a reservation after a failed request so the client may retry.
func (s *IdempotencyService) Release(ctx context.Context, scope, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, buildKey(scope, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a cached result if one exists, otherwise reserves
// the key and returns (nil, nil).
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, scope, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}

// EventDedupe marks business events as notified. Unlike request
// reservations a mark is never replaced by a result; it simply expires.
type EventDedupe struct {
	client *Client
	ttl    time.Duration
}

func NewEventDedupe(client *Client, ttl time.Duration) *EventDedupe {
	if ttl <= 0 {
		ttl = EventDedupeTTL
	}
	return &EventDedupe{client: client, ttl: ttl}
}

// Reserve reports true the first time scope/key is seen within the TTL.
func (d *EventDedupe) Reserve(ctx context.Context, scope, key string) (bool, error) {
	return reserve(ctx, d.client, eventKey(scope, key), d.ttl)
}

// Release forgets a mark whose event could not be queued.
func (d *EventDedupe) Release(ctx context.Context, scope, key string) error {
	if err := d.client.rdb.Del(ctx, eventKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func eventKey(scope, key string) string {
	return fmt.Sprintf("event:%s:%s", scope, key)
}

func reserve(ctx context.Context, client *Client, key string, ttl time.Duration) (bool, error) {
	set, err := client.rdb.SetNX(ctx, key, processingMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}
