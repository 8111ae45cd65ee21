package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, prefix string) (*Redis, *miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return NewRedis(rdb, prefix), mr, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	if _, found, err := kv.Get(ctx, "access-token"); err != nil || found {
		t.Fatalf("expected missing key, found=%v err=%v", found, err)
	}
	if err := kv.Set(ctx, "access-token", "a1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := kv.Set(ctx, "refresh-token", "r1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	v, found, err := kv.Get(ctx, "access-token")
	if err != nil || !found || v != "a1" {
		t.Fatalf("unexpected get result %q found=%v err=%v", v, found, err)
	}
	if err := kv.Delete(ctx, "access-token", "refresh-token", "never-set"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, found, _ := kv.Get(ctx, "refresh-token"); found {
		t.Fatal("expected refresh-token to be deleted")
	}
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemory())
}

func TestRedisKV(t *testing.T) {
	store, _, done := newRedisStore(t, "")
	defer done()
	exerciseKV(t, store)
}

func TestRedisKeysArePrefixed(t *testing.T) {
	store, mr, done := newRedisStore(t, "farm")
	defer done()

	if err := store.Set(context.Background(), "access-token", "tok"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := mr.Get("farm:access-token")
	if err != nil || got != "tok" {
		t.Fatalf("expected prefixed key in redis, got %q err=%v", got, err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	store, mr, done := newRedisStore(t, "")
	defer done()
	mr.Close()

	_, _, err := store.Get(context.Background(), "access-token")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
