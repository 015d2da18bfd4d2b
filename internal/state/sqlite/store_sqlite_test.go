package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSetGetOverwrite(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if _, ok, _ := store.Get(ctx, "missing"); ok {
		t.Fatalf("expected miss")
	}
	if err := store.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "a", "2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, ok, err := store.Get(ctx, "a")
	if err != nil || !ok || value != "2" {
		t.Fatalf("expected overwritten value 2, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestTTLExpiryDeletesLazily(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now()
	store.now = func() time.Time { return now }

	if err := store.SetTTL(ctx, "a", "1", time.Minute); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "a"); !ok {
		t.Fatalf("expected hit before expiry")
	}
	store.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, ok, _ := store.Get(ctx, "a"); ok {
		t.Fatalf("expected miss after expiry")
	}
}

func TestSetNXRespectsLiveKey(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now()
	store.now = func() time.Time { return now }

	acquired, err := store.SetNX(ctx, "lock", "1", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expected first acquire, got %v err=%v", acquired, err)
	}
	acquired, err = store.SetNX(ctx, "lock", "2", time.Minute)
	if err != nil || acquired {
		t.Fatalf("expected held lock to block acquire, got %v err=%v", acquired, err)
	}
	store.now = func() time.Time { return now.Add(2 * time.Minute) }
	acquired, err = store.SetNX(ctx, "lock", "3", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expected acquire after expiry, got %v err=%v", acquired, err)
	}
}

func TestListByPrefixSkipsExpired(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now()
	store.now = func() time.Time { return now }

	if err := store.Set(ctx, "policy:0xa", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetTTL(ctx, "policy:0xb", "x", time.Minute); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	if err := store.Set(ctx, "state:0xa", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}

	keys, err := store.List(ctx, "policy:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}

	store.now = func() time.Time { return now.Add(2 * time.Minute) }
	keys, err = store.List(ctx, "policy:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0] != "policy:0xa" {
		t.Fatalf("expected only the unexpired key, got %v", keys)
	}
}
