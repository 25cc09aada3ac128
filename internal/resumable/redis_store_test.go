package resumable

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"polychat/internal/redis"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping redis integration test")
	}
	client, err := redis.Dial(&goredis.Options{Addr: addr})
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	defer client.Close()

	store := NewRedisStore(client, time.Minute)
	rc := New(store, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := uuid.NewString()
	defer store.Delete(ctx, id)
	p, err := rc.Produce(ctx, id)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if _, err := rc.Produce(ctx, id); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}
	_ = p.Write(ctx, []byte("one"))

	r, err := rc.Resume(ctx, id)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	defer r.Close()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.Write(ctx, []byte("two"))
		_ = p.Close(ctx)
	}()
	got := readAll(t, ctx, r)
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("unexpected chunks %v", got)
	}
	if _, err := rc.Resume(ctx, id); !errors.Is(err, ErrStreamDone) {
		t.Fatalf("expected ErrStreamDone, got %v", err)
	}
}
