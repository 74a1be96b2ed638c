package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache()
	c.now = clk.Now

	_ = c.Set(ctx, "k", "v", time.Minute)
	if v, ok, _ := c.Get(ctx, "k"); !ok || v != "v" {
		t.Fatalf("Get = %q %v", v, ok)
	}

	clk.Advance(time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Error("entry should expire at its deadline")
	}

	_ = c.Set(ctx, "zero", "v", 0)
	if _, ok, _ := c.Get(ctx, "zero"); ok {
		t.Error("zero TTL must not cache")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	_ = c.Set(ctx, "a", "1", time.Hour)
	_ = c.Set(ctx, "b", "2", time.Hour)

	_ = c.Delete(ctx, "a", "b", "missing")
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Error("a not deleted")
	}
	if _, ok, _ := c.Get(ctx, "b"); ok {
		t.Error("b not deleted")
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedisCache(client, "")

	if _, ok, err := c.Get(ctx, cacheKeyToken); ok || err != nil {
		t.Fatalf("empty Get = %v, %v", ok, err)
	}

	if err := c.Set(ctx, cacheKeyToken, "tok", time.Minute); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("escrowmart:settlement:token") {
		t.Error("expected default key prefix")
	}
	if v, ok, _ := c.Get(ctx, cacheKeyToken); !ok || v != "tok" {
		t.Errorf("Get = %q %v", v, ok)
	}

	mr.FastForward(61 * time.Second)
	if _, ok, _ := c.Get(ctx, cacheKeyToken); ok {
		t.Error("expected expiry")
	}

	_ = c.Set(ctx, cacheKeySnapshot, "{}", time.Minute)
	if err := c.Delete(ctx, cacheKeyToken, cacheKeySnapshot); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("escrowmart:settlement:snapshot") {
		t.Error("snapshot not deleted")
	}
}

func TestDispatcher_SharesTokenThroughRedis(t *testing.T) {
	_, client := newTestRedis(t)

	a := newHarness(t, 5)
	b := newHarness(t, 5)
	a.net.tokens = []string{"shared"}
	b.net.tokens = []string{"other"}
	a.d.WithCache(NewRedisCache(client, "test:"))
	b.d.WithCache(NewRedisCache(client, "test:"))

	ctx := context.Background()
	if _, err := a.d.Execute(ctx, depositRequest(1, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.d.Execute(ctx, depositRequest(2, 1)); err != nil {
		t.Fatal(err)
	}
	if b.net.tokenN != 0 {
		t.Errorf("second replica fetched its own token")
	}
	if b.net.tokensIn[0] != "shared" {
		t.Errorf("token used = %q", b.net.tokensIn[0])
	}
}
