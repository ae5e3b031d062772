package gateway

import (
	"context"
	"testing"
	"time"
)

func TestCacheStoreAndFind(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()

	if err := cache.Store(ctx, "some_key", map[string]string{"a": "b"}, 0); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	var out map[string]string
	found, err := cache.FindJSON(ctx, "some_key", &out)
	if err != nil || !found {
		t.Fatalf("FindJSON: found=%v err=%v", found, err)
	}
	if out["a"] != "b" {
		t.Errorf("unexpected value: %v", out)
	}
}

func TestCacheMissReturnsEmpty(t *testing.T) {
	_, cache := setupCache(t)
	value, err := cache.Find(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Find on miss must not error: %v", err)
	}
	if value != "" {
		t.Errorf("miss should yield empty string, got %q", value)
	}
}

func TestCacheDelete(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()
	_ = cache.Store(ctx, "k1", "v", 0)
	_ = cache.Store(ctx, "k2", "v", 0)
	if err := cache.Delete(ctx, "k1", "k2"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if value, _ := cache.Find(ctx, "k1"); value != "" {
		t.Error("k1 should be gone")
	}
}

func TestCacheFindWithPrefix(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()
	_ = cache.Store(ctx, "batch_one", map[string]interface{}{"id": "one"}, 0)
	_ = cache.Store(ctx, "batch_two", map[string]interface{}{"id": "two"}, 0)
	_ = cache.Store(ctx, "other", map[string]interface{}{"id": "three"}, 0)

	values, err := cache.FindWithPrefix(ctx, "batch_")
	if err != nil {
		t.Fatalf("FindWithPrefix failed: %v", err)
	}
	if len(values) != 2 {
		t.Errorf("want 2 descriptors, got %d", len(values))
	}
}

func TestAcquireAndReleaseLock(t *testing.T) {
	_, cache := setupCache(t)
	ctx := context.Background()

	acquired, err := cache.AcquireLock(ctx, "batch-1", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("first acquire should succeed: %v %v", acquired, err)
	}
	again, err := cache.AcquireLock(ctx, "batch-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if again {
		t.Error("second acquire must fail while the lock is held")
	}
	if err := cache.ReleaseLock(ctx, "batch-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	reacquired, _ := cache.AcquireLock(ctx, "batch-1", time.Minute)
	if !reacquired {
		t.Error("lock must be acquirable after release")
	}
}

func TestLockExpires(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()
	if acquired, _ := cache.AcquireLock(ctx, "stale", time.Minute); !acquired {
		t.Fatal("acquire failed")
	}
	mr.FastForward(2 * time.Minute)
	if acquired, _ := cache.AcquireLock(ctx, "stale", time.Minute); !acquired {
		t.Error("expired lock must be acquirable")
	}
}

func TestIncrSetsTTLOnFirstIncrement(t *testing.T) {
	mr, cache := setupCache(t)
	ctx := context.Background()
	count, err := cache.Incr(ctx, "counter", time.Minute)
	if err != nil || count != 1 {
		t.Fatalf("first incr: %d %v", count, err)
	}
	count, _ = cache.Incr(ctx, "counter", time.Minute)
	if count != 2 {
		t.Errorf("second incr should be 2, got %d", count)
	}
	mr.FastForward(2 * time.Minute)
	count, _ = cache.Incr(ctx, "counter", time.Minute)
	if count != 1 {
		t.Errorf("counter must reset after TTL, got %d", count)
	}
}
