package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := NewRedis("redis://"+s.Addr(), ttl)
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func TestRedisPutGetDelete(t *testing.T) {
	c, s := setupTestRedis(t, time.Hour)
	ctx := context.Background()

	if err := c.Put(ctx, "cmt_1", json.RawMessage(`{"temp":0.9}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !s.Exists("hydrate:cmt_1") {
		t.Fatal("expected key hydrate:cmt_1 to exist")
	}

	state, ok, err := c.Get(ctx, "cmt_1")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(state) != `{"temp":0.9}` {
		t.Fatalf("unexpected state %s", state)
	}

	if err := c.Delete(ctx, "cmt_1", "cmt_missing"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "cmt_1"); ok {
		t.Fatal("expected entry to be evicted")
	}
}

func TestRedisEntryExpires(t *testing.T) {
	c, s := setupTestRedis(t, time.Minute)
	ctx := context.Background()

	if err := c.Put(ctx, "cmt_ttl", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	if _, ok, err := c.Get(ctx, "cmt_ttl"); err != nil || ok {
		t.Fatalf("expected expired miss, got ok=%v err=%v", ok, err)
	}
}

func TestRedisMissIsNotAnError(t *testing.T) {
	c, _ := setupTestRedis(t, time.Hour)
	state, ok, err := c.Get(context.Background(), "nope")
	if err != nil || ok || state != nil {
		t.Fatalf("expected clean miss, got state=%s ok=%v err=%v", state, ok, err)
	}
}

func TestMemoryEvictsOldestFirst(t *testing.T) {
	m := NewMemory(2)
	ctx := context.Background()
	_ = m.Put(ctx, "a", json.RawMessage(`1`))
	_ = m.Put(ctx, "b", json.RawMessage(`2`))
	_ = m.Put(ctx, "c", json.RawMessage(`3`))

	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
	if _, ok, _ := m.Get(ctx, "c"); !ok {
		t.Fatal("expected newest entry to be present")
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", m.Len())
	}
}

func TestMemoryDeleteAndReturnsCopies(t *testing.T) {
	m := NewMemory(4)
	ctx := context.Background()
	_ = m.Put(ctx, "a", json.RawMessage(`{"x":1}`))

	state, _, _ := m.Get(ctx, "a")
	state[0] = '['
	again, _, _ := m.Get(ctx, "a")
	if string(again) != `{"x":1}` {
		t.Fatalf("cached state was mutated through returned slice: %s", again)
	}

	_ = m.Delete(ctx, "a")
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("expected deleted entry to be gone")
	}
	_ = m.Put(ctx, "b", json.RawMessage(`2`))
	if m.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", m.Len())
	}
}
