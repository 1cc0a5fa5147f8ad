package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return NewRedisStore(rdb, ttl), mr
}

func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t, time.Minute)
	return map[string]Store{
		"memory": NewMemoryStore(time.Minute, zap.NewNop()),
		"redis":  redisStore,
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "6281234567890@s.whatsapp.net"

			got, err := store.Get(ctx, id)
			if err != nil || got != nil {
				t.Fatalf("empty store: got %+v, %v", got, err)
			}

			in := &Session{Step: "register_address", Data: map[string]string{"name": "Budi Santoso"}}
			if err := store.Set(ctx, id, in); err != nil {
				t.Fatalf("Set: %v", err)
			}

			got, err = store.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Step != "register_address" || got.Value("name") != "Budi Santoso" {
				t.Errorf("unexpected session: %+v", got)
			}
			if got.LastInteractionAt.IsZero() {
				t.Error("LastInteractionAt should be stamped by Set")
			}

			if n, _ := store.Len(ctx); n != 1 {
				t.Errorf("Len = %d, want 1", n)
			}

			if err := store.Clear(ctx, id); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			if got, _ := store.Get(ctx, id); got != nil {
				t.Errorf("session should be gone, got %+v", got)
			}
		})
	}
}

func TestStore_EmptyStepIsAbsent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Set(ctx, "a", &Session{Data: map[string]string{"k": "v"}})
			if got, _ := store.Get(ctx, "a"); got != nil {
				t.Errorf("session without step should read as absent, got %+v", got)
			}
		})
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Set(ctx, "a", &Session{Step: "prepaid_select", Data: map[string]string{"pkg": "1"}})

			got, _ := store.Get(ctx, "a")
			got.Data["pkg"] = "3"
			got.Step = "waiting_payment"

			again, _ := store.Get(ctx, "a")
			if again.Step != "prepaid_select" || again.Value("pkg") != "1" {
				t.Errorf("stored session was mutated through a read: %+v", again)
			}
		})
	}
}

func TestMemoryStore_Expires(t *testing.T) {
	store := NewMemoryStore(50*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "a", &Session{Step: "register_name"})
	time.Sleep(80 * time.Millisecond)

	if got, _ := store.Get(ctx, "a"); got != nil {
		t.Errorf("idle session should expire, got %+v", got)
	}
}

func TestMemoryStore_LogsOnlyIdleExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("clear", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		store := NewMemoryStore(time.Hour, zap.New(core))

		store.Set(ctx, "a", &Session{Step: "register_name"})
		store.Clear(ctx, "a")

		if n := logs.FilterMessage("session expired").Len(); n != 0 {
			t.Errorf("clearing a session logged %d expiries", n)
		}
	})

	t.Run("idle", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		store := NewMemoryStore(30*time.Millisecond, zap.New(core))

		store.Set(ctx, "a", &Session{Step: "register_name"})
		time.Sleep(60 * time.Millisecond)
		store.cache.DeleteExpired()

		if n := logs.FilterMessage("session expired").Len(); n != 1 {
			t.Errorf("expiries logged = %d, want 1", n)
		}
	})
}

func TestMemoryStore_SetRefreshesTTL(t *testing.T) {
	store := NewMemoryStore(80*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	store.Set(ctx, "a", &Session{Step: "register_name"})
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		s, _ := store.Get(ctx, "a")
		if s == nil {
			t.Fatalf("session expired despite activity (iteration %d)", i)
		}
		store.Set(ctx, "a", s)
	}
}

func TestRedisStore_Expires(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	store.Set(ctx, "a", &Session{Step: "register_name"})
	if ttl := mr.TTL(keyPrefix + "a"); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if got, _ := store.Get(ctx, "a"); got != nil {
		t.Errorf("idle session should expire, got %+v", got)
	}
}

func TestMemoryStore_ConcurrentIdentities(t *testing.T) {
	store := NewMemoryStore(time.Minute, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("sender-%d", i)
			store.Set(ctx, id, &Session{Step: "register_name", Data: map[string]string{"i": fmt.Sprint(i)}})
			s, _ := store.Get(ctx, id)
			if s == nil || s.Value("i") != fmt.Sprint(i) {
				t.Errorf("sender %d: unexpected session %+v", i, s)
			}
		}(i)
	}
	wg.Wait()

	if n, _ := store.Len(ctx); n != 50 {
		t.Errorf("Len = %d, want 50", n)
	}
}
