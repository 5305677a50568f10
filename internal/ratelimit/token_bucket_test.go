package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, capacity int, refill float64) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, capacity, refill, time.Minute), mr
}

func TestAllowWithinCapacity(t *testing.T) {
	l, _ := newTestLimiter(t, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "client-a")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d within capacity was rejected", i)
		}
	}

	ok, err := l.Allow(ctx, "client-a")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Fatal("request beyond capacity was allowed")
	}
}

func TestClientsHaveIndependentBuckets(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 0)
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "client-a"); !ok {
		t.Fatal("first request for client-a rejected")
	}
	if ok, _ := l.Allow(ctx, "client-a"); ok {
		t.Fatal("client-a bucket should be drained")
	}
	if ok, _ := l.Allow(ctx, "client-b"); !ok {
		t.Fatal("client-b must not share client-a's bucket")
	}
}
