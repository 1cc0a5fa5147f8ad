package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := Wrap(rdb, zap.NewNop())

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "notifications", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateRequest(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "notifications", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	if _, err := svc.CheckOrReserve(ctx, "notifications", "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReserveThenStore(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	reserved, err := svc.Reserve(ctx, "notifications", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}

	if err := svc.Store(ctx, "notifications", "key-1", &IdempotencyResult{
		EntryIDs:   []string{"a", "b"},
		StatusCode: 201,
	}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "notifications", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || len(cached.EntryIDs) != 2 || cached.StatusCode != 201 {
		t.Fatalf("unexpected cached result: %+v", cached)
	}
	if cached.CreatedAt == 0 {
		t.Error("created_at should be stamped on store")
	}
}

func TestIdempotencyService_Release(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	svc.Reserve(ctx, "notifications", "key-1")
	if err := svc.Release(ctx, "notifications", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	reserved, err := svc.Reserve(ctx, "notifications", "key-1")
	if err != nil || !reserved {
		t.Fatalf("key should be reservable after release: %v %v", reserved, err)
	}
}

func TestIdempotencyService_ScopeIsolation(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "notifications", "same-key"); err != nil {
		t.Fatalf("first scope failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "messages", "same-key")
	if err != nil {
		t.Fatalf("second scope should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("second scope should get nil (new request)")
	}
}

func TestEventDedupe(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	dedupe := NewEventDedupe(Wrap(rdb, zap.NewNop()), time.Hour)
	ctx := context.Background()

	tests := []struct {
		name  string
		scope string
		key   string
		want  bool
	}{
		{"first_payment_event", "event", "payment_received:42", true},
		{"repeat_payment_event", "event", "payment_received:42", false},
		{"different_payment", "event", "payment_received:43", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dedupe.Reserve(ctx, tt.scope, tt.key)
			if err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if got != tt.want {
				t.Errorf("Reserve = %v, want %v", got, tt.want)
			}
		})
	}

	mr.FastForward(time.Hour + time.Second)
	if ok, _ := dedupe.Reserve(ctx, "event", "payment_received:42"); !ok {
		t.Error("mark should expire after the TTL")
	}

	if err := dedupe.Release(ctx, "event", "payment_received:42"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := dedupe.Reserve(ctx, "event", "payment_received:42"); !ok {
		t.Error("a released mark should be reservable again")
	}
}
