package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(4, 0)

	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("empty cache reported a hit")
	}
	if err := m.Set(ctx, "a", []byte("one")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := m.Get(ctx, "a")
	if err != nil || !ok || string(v) != "one" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}

	m.Set(ctx, "a", []byte("two"))
	if v, _, _ := m.Get(ctx, "a"); string(v) != "two" {
		t.Fatalf("overwrite: got %q", v)
	}

	m.Delete(ctx, "a")
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("deleted key still present")
	}

	st := m.Stats()
	if st.Hits != 2 || st.Misses != 2 || st.Entries != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, 0)
	m.Set(ctx, "a", []byte("a"))
	m.Set(ctx, "b", []byte("b"))
	m.Get(ctx, "a") // b is now least recently used
	m.Set(ctx, "c", []byte("c"))

	if _, ok, _ := m.Get(ctx, "b"); ok {
		t.Fatal("b should have been evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok, _ := m.Get(ctx, k); !ok {
			t.Fatalf("%s missing", k)
		}
	}
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(4, time.Minute)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	m.Set(ctx, "a", []byte("a"))
	now = now.Add(30 * time.Second)
	if _, ok, _ := m.Get(ctx, "a"); !ok {
		t.Fatal("entry expired early")
	}
	now = now.Add(31 * time.Second)
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Fatal("entry outlived its ttl")
	}
	if m.Stats().Entries != 0 {
		t.Fatal("expired entry not removed")
	}
}

// fakeRedis implements redisAPI with canned command results.
type fakeRedis struct {
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	switch v, ok := f.data[key]; {
	case f.getErr != nil:
		cmd.SetErr(f.getErr)
	case !ok:
		cmd.SetErr(redis.Nil)
	default:
		cmd.SetVal(string(v))
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.data[key] = value.([]byte)
	f.ttls[key] = expiration
	cmd := redis.NewStatusCmd(ctx, "set", key)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx, "del")
	cmd.SetVal(n)
	return cmd
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	r := newRedis(fake, "", 5*time.Minute)

	if _, ok, err := r.Get(ctx, "doc"); ok || err != nil {
		t.Fatalf("miss = %v, %v", ok, err)
	}
	if err := r.Set(ctx, "doc", []byte("chunks")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := fake.data["cipherrag:doc"]; !ok {
		t.Fatal("key not prefixed")
	}
	if fake.ttls["cipherrag:doc"] != 5*time.Minute {
		t.Fatalf("ttl = %v", fake.ttls["cipherrag:doc"])
	}
	v, ok, err := r.Get(ctx, "doc")
	if err != nil || !ok || string(v) != "chunks" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	if err := r.Delete(ctx, "doc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := r.Get(ctx, "doc"); ok {
		t.Fatal("deleted key still present")
	}
}

func TestRedisCacheError(t *testing.T) {
	fake := newFakeRedis()
	fake.getErr = errors.New("connection refused")
	r := newRedis(fake, "x:", 0)
	if _, _, err := r.Get(context.Background(), "doc"); err == nil {
		t.Fatal("expected error")
	}
}
