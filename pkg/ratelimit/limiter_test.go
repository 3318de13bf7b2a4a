package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryWindowResets(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	l := NewInMemory().WithClock(func() time.Time { return now })
	rule := Rule{Name: "target", Limit: 2, Window: 10 * time.Minute}

	for i := 1; i <= 2; i++ {
		d, _ := l.Allow(ctx, "host-1", rule)
		if !d.Allowed || d.Count != i {
			t.Fatalf("attempt %d: %+v", i, d)
		}
	}
	d, _ := l.Allow(ctx, "host-1", rule)
	if d.Allowed || d.Remaining != 0 || d.Rule != "target" {
		t.Fatalf("third attempt should be refused: %+v", d)
	}
	if other, _ := l.Allow(ctx, "host-2", rule); !other.Allowed {
		t.Fatal("keys must be independent")
	}
	now = now.Add(10 * time.Minute)
	if d, _ := l.Allow(ctx, "host-1", rule); !d.Allowed || d.Count != 1 {
		t.Fatalf("window should have reset: %+v", d)
	}
}

func TestInMemoryConcurrentCountsExactly(t *testing.T) {
	l := NewInMemory()
	rule := Rule{Name: "principal", Limit: 10, Window: time.Minute}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := l.Allow(context.Background(), "alice", rule)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("expected exactly 10 allowed, got %d", allowed)
	}
}

func TestAllowAllReturnsFirstRefusal(t *testing.T) {
	ctx := context.Background()
	l := NewInMemory()
	tight := Rule{Name: "target", Limit: 1, Window: time.Minute}
	checks := []Check{{Key: "alice", Rule: PerPrincipal}, {Key: "", Rule: PerIncident}, {Key: "host-1", Rule: tight}}
	if d, err := AllowAll(ctx, l, checks...); err != nil || !d.Allowed {
		t.Fatalf("first pass: %+v %v", d, err)
	}
	d, err := AllowAll(ctx, l, checks...)
	if err != nil || d.Allowed || d.Rule != "target" {
		t.Fatalf("expected target refusal, got %+v %v", d, err)
	}
}

func TestRedisLimiterSharesCountersAndExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()
	a, b := NewRedis(client), NewRedis(client)
	rule := Rule{Name: "incident", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		l := a
		if i%2 == 1 {
			l = b
		}
		if d, err := l.Allow(ctx, "incident:inc-9", rule); err != nil || !d.Allowed {
			t.Fatalf("attempt %d: %+v %v", i, d, err)
		}
	}
	d, err := b.Allow(ctx, "incident:inc-9", rule)
	if err != nil || d.Allowed || d.Count != 4 {
		t.Fatalf("expected shared counter refusal, got %+v %v", d, err)
	}
	if ttl := mr.TTL("rl:incident:inc-9"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}
	mr.FastForward(time.Minute)
	if d, _ := a.Allow(ctx, "incident:inc-9", rule); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fresh window, got %+v", d)
	}
}

func TestRedisLimiterFailsClosedWithoutFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	var logged []string
	l := NewRedis(client)
	l.Timeout = 50 * time.Millisecond
	l.Logf = func(format string, _ ...any) { logged = append(logged, format) }

	rule := Rule{Name: "principal", Limit: 1, Window: time.Minute}
	if d, err := l.Allow(context.Background(), "bob", rule); err != nil || !d.Allowed {
		t.Fatalf("fallback should answer first call: %+v %v", d, err)
	}
	if d, _ := l.Allow(context.Background(), "bob", rule); d.Allowed {
		t.Fatal("fallback must keep counting")
	}
	if len(logged) == 0 {
		t.Fatal("expected degraded-backend log")
	}

	l.Fallback = nil
	d, err := l.Allow(context.Background(), "bob", rule)
	if !errors.Is(err, ErrUnavailable) || d.Allowed {
		t.Fatalf("expected fail-closed error, got %+v %v", d, err)
	}
}
