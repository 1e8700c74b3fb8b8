package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
)

func newTestRedis(t *testing.T, ns string) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	addr := s.Addr()
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
	t.Cleanup(func() { pool.Close() })
	return NewRedis(pool, ns), s
}

type payload struct {
	Count int      `json:"count"`
	Tags  []string `json:"tags"`
}

func TestSetGet(t *testing.T) {
	c, _ := newTestRedis(t, NamespaceDev)
	ctx := context.Background()

	want := payload{Count: 3, Tags: []string{"go", "redis"}}
	if err := c.Set(ctx, "k", want, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var got payload
	found, err := c.Get(ctx, "k", &got)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.Count != 3 || len(got.Tags) != 2 || got.Tags[1] != "redis" {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
}

func TestGet_Missing(t *testing.T) {
	c, _ := newTestRedis(t, NamespaceDev)

	var got payload
	found, err := c.Get(context.Background(), "absent", &got)
	if err != nil {
		t.Fatalf("Get on missing key returned error: %v", err)
	}
	if found {
		t.Error("Get on missing key reported found")
	}
}

func TestSet_Expires(t *testing.T) {
	c, s := newTestRedis(t, NamespaceDev)
	ctx := context.Background()

	if err := c.Set(ctx, "count:entry", 7, 300*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ttl := s.TTL("dev:count:entry"); ttl != 300*time.Second {
		t.Errorf("TTL = %v, want 300s", ttl)
	}

	s.FastForward(299 * time.Second)
	var n int
	if found, _ := c.Get(ctx, "count:entry", &n); !found || n != 7 {
		t.Fatalf("before expiry: found=%v n=%d", found, n)
	}

	s.FastForward(2 * time.Second)
	found, err := c.Get(ctx, "count:entry", &n)
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if found {
		t.Error("key still present after TTL elapsed")
	}
}

func TestSet_SubSecondTTLRoundsUp(t *testing.T) {
	c, s := newTestRedis(t, NamespaceDev)

	if err := c.Set(context.Background(), "k", 1, 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ttl := s.TTL("dev:k"); ttl != time.Second {
		t.Errorf("TTL = %v, want 1s", ttl)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	dev, s := newTestRedis(t, NamespaceDev)
	prod := dev.WithNamespace(NamespaceProd)
	ctx := context.Background()

	if err := dev.Set(ctx, "u1:projects", "dev-value", time.Minute); err != nil {
		t.Fatalf("Set dev: %v", err)
	}
	var v string
	found, err := prod.Get(ctx, "u1:projects", &v)
	if err != nil {
		t.Fatalf("Get prod: %v", err)
	}
	if found {
		t.Error("prod namespace saw a dev key")
	}

	if err := prod.Set(ctx, "u1:projects", "prod-value", time.Minute); err != nil {
		t.Fatalf("Set prod: %v", err)
	}
	if _, err := dev.Get(ctx, "u1:projects", &v); err != nil || v != "dev-value" {
		t.Errorf("dev value = %q (err %v), want dev-value", v, err)
	}
	if !s.Exists("dev:u1:projects") || !s.Exists("prod:u1:projects") {
		t.Error("expected both physical keys to exist")
	}
	if prod.Namespace() != NamespaceProd {
		t.Errorf("Namespace() = %q", prod.Namespace())
	}
}

func TestDelete(t *testing.T) {
	c, s := newTestRedis(t, NamespaceDev)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if err := c.Set(ctx, k, k, time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := c.Delete(ctx, "a", "b", "missing"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("dev:a") || s.Exists("dev:b") {
		t.Error("deleted keys still present")
	}
	if !s.Exists("dev:c") {
		t.Error("untouched key was deleted")
	}
	if err := c.Delete(ctx); err != nil {
		t.Errorf("Delete with no keys: %v", err)
	}
}

func TestScanAndDelete(t *testing.T) {
	c, s := newTestRedis(t, NamespaceDev)
	prod := c.WithNamespace(NamespaceProd)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		s.Set("dev:u1:dashboard:"+time.Duration(i).String(), "x")
	}
	c.Set(ctx, "u1:projects", "keep", time.Minute)
	c.Set(ctx, "u2:dashboard:week", "keep", time.Minute)
	prod.Set(ctx, "u1:dashboard:week", "keep", time.Minute)

	n, err := c.ScanAndDelete(ctx, "u1:dashboard:*")
	if err != nil {
		t.Fatalf("ScanAndDelete: %v", err)
	}
	if n != 250 {
		t.Errorf("deleted %d keys, want 250", n)
	}
	for _, k := range []string{"dev:u1:projects", "dev:u2:dashboard:week", "prod:u1:dashboard:week"} {
		if !s.Exists(k) {
			t.Errorf("%s was deleted", k)
		}
	}
}

func TestUnavailable(t *testing.T) {
	c, s := newTestRedis(t, NamespaceDev)
	s.Close()
	ctx := context.Background()

	var v int
	if _, err := c.Get(ctx, "k", &v); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get error = %v, want ErrUnavailable", err)
	}
	if err := c.Set(ctx, "k", 1, time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Set error = %v, want ErrUnavailable", err)
	}
	if _, err := c.ScanAndDelete(ctx, "*"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("ScanAndDelete error = %v, want ErrUnavailable", err)
	}
}

func TestDisabled(t *testing.T) {
	var c Cache = Disabled{NS: NamespaceDev}
	ctx := context.Background()

	var v int
	if found, err := c.Get(ctx, "k", &v); found || !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Get = %v, %v", found, err)
	}
	if err := c.Set(ctx, "k", 1, time.Minute); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Set error = %v", err)
	}
	if c.WithNamespace(NamespaceProd).Namespace() != NamespaceProd {
		t.Error("WithNamespace did not switch namespace")
	}
}

func TestNamespaceFor(t *testing.T) {
	if NamespaceFor("production") != "prod" {
		t.Error("production should map to prod")
	}
	for _, env := range []string{"", "development", "staging"} {
		if NamespaceFor(env) != "dev" {
			t.Errorf("NamespaceFor(%q) != dev", env)
		}
	}
}

func TestKeys(t *testing.T) {
	cases := []struct{ got, want string }{
		{CountKey("entry"), "count:entry"},
		{UserCountKey("u1", "skill"), "u1:count:skill"},
		{UserKey("u1", "projects"), "u1:projects"},
		{DashboardKey("u1", "week"), "u1:dashboard:week"},
		{EntriesKey("u1", ""), "u1:entries:recent"},
		{EntriesKey("u1", "2025-01-02"), "u1:entries:2025-01-02"},
		{InsightsKey("u1", "month"), "insights:u1:month"},
		{JobKey("j1"), "job:j1"},
		{EscapeGlob("a*b?[c]"), `a\*b\?\[c\]`},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("key = %q, want %q", tc.got, tc.want)
		}
	}

	k1, k2 := ExtractionKey("same text"), ExtractionKey("same text")
	if k1 != k2 || len(k1) != len("extraction:")+64 {
		t.Errorf("ExtractionKey not stable or wrong length: %q", k1)
	}
	if ExtractionKey("other text") == k1 {
		t.Error("different content produced the same extraction key")
	}
}
