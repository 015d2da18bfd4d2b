package memory

import (
	"context"
	"testing"
	"time"
)

func TestSetGetDelete(t *testing.T) {
	kv := New()
	ctx := context.Background()

	if _, ok, _ := kv.Get(ctx, "missing"); ok {
		t.Fatalf("expected miss")
	}
	if err := kv.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := kv.Get(ctx, "a")
	if err != nil || !ok || value != "1" {
		t.Fatalf("expected hit with value 1, got %q ok=%v err=%v", value, ok, err)
	}
	if err := kv.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "a"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestTTLExpiry(t *testing.T) {
	kv := New()
	ctx := context.Background()
	now := time.Now()
	kv.SetClock(func() time.Time { return now })

	if err := kv.SetTTL(ctx, "a", "1", time.Minute); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "a"); !ok {
		t.Fatalf("expected hit before expiry")
	}
	kv.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	if _, ok, _ := kv.Get(ctx, "a"); ok {
		t.Fatalf("expected miss after expiry")
	}
}

func TestSetNX(t *testing.T) {
	kv := New()
	ctx := context.Background()
	now := time.Now()
	kv.SetClock(func() time.Time { return now })

	acquired, err := kv.SetNX(ctx, "lock", "1", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expected first acquire to succeed, got %v err=%v", acquired, err)
	}
	acquired, err = kv.SetNX(ctx, "lock", "2", time.Minute)
	if err != nil || acquired {
		t.Fatalf("expected second acquire to fail, got %v err=%v", acquired, err)
	}
	kv.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	acquired, err = kv.SetNX(ctx, "lock", "3", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expected acquire after expiry to succeed, got %v err=%v", acquired, err)
	}
}

func TestListByPrefix(t *testing.T) {
	kv := New()
	ctx := context.Background()
	for _, key := range []string{"policy:0xb", "policy:0xa", "state:0xa"} {
		if err := kv.Set(ctx, key, "x"); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	keys, err := kv.List(ctx, "policy:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "policy:0xa" || keys[1] != "policy:0xb" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
