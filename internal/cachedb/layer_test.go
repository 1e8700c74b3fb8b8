package cachedb

import (
	"context"
	"errors"
	"path"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"

	"github.com/kalambet/worklog/internal/cache"
	"github.com/kalambet/worklog/internal/dbconn"
	"github.com/kalambet/worklog/internal/storage"
)

type testEnv struct {
	layer *Layer
	store *storage.Store
	redis *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
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

	return newTestEnvWithCache(t, cache.NewRedis(pool, cache.NamespaceDev), s)
}

func newTestEnvWithCache(t *testing.T, c cache.Cache, s *miniredis.Miniredis) *testEnv {
	t.Helper()
	mgr := dbconn.New(func(ctx context.Context) (*storage.Store, error) {
		return storage.Open(storage.Options{DataDir: ":memory:"})
	}, dbconn.Options{RetryDelay: time.Millisecond, ExecRetryDelay: time.Millisecond})
	t.Cleanup(func() { mgr.Close(context.Background()) })

	store, err := mgr.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return &testEnv{layer: New(mgr, c, nil), store: store, redis: s}
}

func (e *testEnv) addEntry(t *testing.T, userID, date string) {
	t.Helper()
	_, err := e.store.Create(context.Background(), storage.ModelEntry, storage.Record{
		"user_id": userID, "date": date, "content": "worked on " + date,
	})
	if err != nil {
		t.Fatalf("Create entry: %v", err)
	}
}

// cancelOnDelete cancels the request context as invalidation starts, the
// way a client disconnecting right after its write commits would.
type cancelOnDelete struct {
	cache.Cache
	cancel context.CancelFunc
}

func (c cancelOnDelete) ScanAndDelete(ctx context.Context, pattern string) (int, error) {
	c.cancel()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.Cache.ScanAndDelete(ctx, pattern)
}

func TestCount_ColdThenCached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addEntry(t, "u1", "2025-01-01")
	env.addEntry(t, "u2", "2025-01-01")

	n, err := env.layer.Count(ctx, storage.ModelEntry, nil)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
	if ttl := env.redis.TTL("dev:count:entry"); ttl != CountTTL {
		t.Errorf("count key TTL = %v, want %v", ttl, CountTTL)
	}

	// A write that bypasses the layer is invisible until the key expires,
	// which shows the second read did not reach the store.
	env.addEntry(t, "u3", "2025-01-01")
	if n, _ = env.layer.Count(ctx, storage.ModelEntry, nil); n != 2 {
		t.Errorf("cached Count = %d, want 2", n)
	}

	env.redis.FastForward(CountTTL + time.Second)
	if n, _ = env.layer.Count(ctx, storage.ModelEntry, nil); n != 3 {
		t.Errorf("Count after expiry = %d, want 3", n)
	}
}

func TestCount_KeyShapes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addEntry(t, "u1", "2025-01-01")
	env.addEntry(t, "u1", "2025-01-02")

	n, err := env.layer.Count(ctx, storage.ModelEntry, storage.Filter{"user_id": "u1"})
	if err != nil || n != 2 {
		t.Fatalf("per-user Count = %d, %v", n, err)
	}
	if !env.redis.Exists("dev:u1:count:entry") {
		t.Error("per-user count was not cached under u1:count:entry")
	}

	before := len(env.redis.Keys())
	n, err = env.layer.Count(ctx, storage.ModelEntry, storage.Filter{"user_id": "u1", "date": "2025-01-02"})
	if err != nil || n != 1 {
		t.Fatalf("filtered Count = %d, %v", n, err)
	}
	if after := len(env.redis.Keys()); after != before {
		t.Errorf("filtered Count wrote %d cache keys, want none", after-before)
	}
}

func TestUserEntries_InvalidatedOnWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var loads atomic.Int32
	loader := func(ctx context.Context) ([]storage.Record, error) {
		loads.Add(1)
		return env.store.FindMany(ctx, storage.ModelEntry, storage.Query{Where: storage.Filter{"user_id": "u1"}})
	}

	if _, err := env.layer.UserEntries(ctx, "u1", "", loader); err != nil {
		t.Fatalf("UserEntries: %v", err)
	}
	if _, err := env.layer.UserEntries(ctx, "u1", "", loader); err != nil {
		t.Fatalf("UserEntries: %v", err)
	}
	if loads.Load() != 1 {
		t.Fatalf("loader ran %d times before write, want 1", loads.Load())
	}

	_, err := env.layer.CreateAndInvalidate(ctx, storage.ModelEntry, Params{
		Data: storage.Record{"user_id": "u1", "date": "2025-02-01", "content": "new"},
	}, CacheEntries)
	if err != nil {
		t.Fatalf("CreateAndInvalidate: %v", err)
	}
	recs, err := env.layer.UserEntries(ctx, "u1", "", loader)
	if err != nil {
		t.Fatalf("UserEntries: %v", err)
	}
	if loads.Load() != 2 {
		t.Errorf("loader ran %d times after create, want 2", loads.Load())
	}
	if len(recs) != 1 {
		t.Errorf("got %d entries, want 1", len(recs))
	}

	_, err = env.layer.UpdateAndInvalidate(ctx, storage.ModelEntry, Params{
		Where: storage.Filter{"user_id": "u1", "date": "2025-02-01"},
		Data:  storage.Record{"content": "edited"},
	}, CacheEntries)
	if err != nil {
		t.Fatalf("UpdateAndInvalidate: %v", err)
	}
	recs, _ = env.layer.UserEntries(ctx, "u1", "", loader)
	if loads.Load() != 3 {
		t.Errorf("loader ran %d times after update, want 3", loads.Load())
	}
	if len(recs) != 1 || recs[0].String("content") != "edited" {
		t.Errorf("entries after update = %v", recs)
	}
}

func TestUserEntries_OtherUserUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var loads atomic.Int32
	loader := func(ctx context.Context) ([]storage.Record, error) {
		loads.Add(1)
		return nil, nil
	}
	env.layer.UserEntries(ctx, "u2", "", loader)

	_, err := env.layer.CreateAndInvalidate(ctx, storage.ModelEntry, Params{
		Data: storage.Record{"user_id": "u1", "date": "2025-02-01", "content": "x"},
	}, CacheEntries)
	if err != nil {
		t.Fatalf("CreateAndInvalidate: %v", err)
	}
	env.layer.UserEntries(ctx, "u2", "", loader)
	if loads.Load() != 1 {
		t.Errorf("u1 write invalidated u2's entries (loads=%d)", loads.Load())
	}
}

func TestUserData_CachedRecordsMatchStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.Create(ctx, storage.ModelProject, storage.Record{
		"user_id": "u1", "name": "Atlas", "mentions": 4, "status": "active",
	})
	if err != nil {
		t.Fatalf("Create project: %v", err)
	}

	q := storage.Query{Where: storage.Filter{"user_id": "u1"}, OrderBy: "name"}
	fresh, err := env.layer.UserData(ctx, storage.ModelProject, q, SuffixProjects)
	if err != nil {
		t.Fatalf("UserData: %v", err)
	}
	hit, err := env.layer.UserData(ctx, storage.ModelProject, q, SuffixProjects)
	if err != nil {
		t.Fatalf("UserData: %v", err)
	}
	if !env.redis.Exists("dev:u1:projects") {
		t.Fatal("projects were not cached")
	}
	if !reflect.DeepEqual(fresh, hit) {
		t.Errorf("cached records differ from store records:\nstore: %#v\ncache: %#v", fresh, hit)
	}
	if _, ok := hit[0]["mentions"].(int64); !ok {
		t.Errorf("mentions decoded as %T, want int64", hit[0]["mentions"])
	}
}

func TestUserData_BypassWithoutUser(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.layer.UserData(context.Background(), storage.ModelSkill, storage.Query{}, "all-skills")
	if err != nil {
		t.Fatalf("UserData: %v", err)
	}
	if n := len(env.redis.Keys()); n != 0 {
		t.Errorf("query without user_id wrote %d cache keys", n)
	}
}

func TestCounts_InvalidatedInEveryNamespace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.redis.Set("prod:count:entry", "9")
	if _, err := env.layer.Count(ctx, storage.ModelEntry, nil); err != nil {
		t.Fatalf("Count: %v", err)
	}
	if _, err := env.layer.Count(ctx, storage.ModelEntry, storage.Filter{"user_id": "u1"}); err != nil {
		t.Fatalf("Count: %v", err)
	}

	_, err := env.layer.CreateAndInvalidate(ctx, storage.ModelEntry, Params{
		Data: storage.Record{"user_id": "u1", "date": "2025-01-01", "content": "x"},
	}, CacheEntries, CacheCounts)
	if err != nil {
		t.Fatalf("CreateAndInvalidate: %v", err)
	}
	for _, k := range []string{"dev:count:entry", "prod:count:entry", "dev:u1:count:entry"} {
		if env.redis.Exists(k) {
			t.Errorf("%s survived a counts invalidation", k)
		}
	}
	n, _ := env.layer.Count(ctx, storage.ModelEntry, nil)
	if n != 1 {
		t.Errorf("Count after invalidation = %d, want 1", n)
	}
}

func TestUpsertAndDelete_Invalidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	q := storage.Query{Where: storage.Filter{"user_id": "u1"}}

	where := storage.Filter{"user_id": "u1", "name": "Go"}
	if _, err := env.layer.UpsertAndInvalidate(ctx, storage.ModelSkill, Params{
		Where: where, Data: storage.Record{"mentions": 1}, Update: storage.Record{"mentions": 1},
	}, CacheSkills); err != nil {
		t.Fatalf("UpsertAndInvalidate: %v", err)
	}
	skills, _ := env.layer.UserData(ctx, storage.ModelSkill, q, SuffixSkills)
	if len(skills) != 1 {
		t.Fatalf("got %d skills, want 1", len(skills))
	}

	if _, err := env.layer.DeleteAndInvalidate(ctx, storage.ModelSkill, Params{Where: where}, CacheSkills); err != nil {
		t.Fatalf("DeleteAndInvalidate: %v", err)
	}
	skills, _ = env.layer.UserData(ctx, storage.ModelSkill, q, SuffixSkills)
	if len(skills) != 0 {
		t.Errorf("got %d skills after delete, want 0", len(skills))
	}
}

func TestWriteError_NoInvalidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.layer.UserEntries(ctx, "u1", "", func(ctx context.Context) ([]storage.Record, error) { return nil, nil })
	_, err := env.layer.UpdateAndInvalidate(ctx, storage.ModelEntry, Params{
		Where: storage.Filter{"user_id": "u1", "date": "1999-01-01"},
		Data:  storage.Record{"content": "x"},
	}, CacheEntries)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if !env.redis.Exists("dev:u1:entries:recent") {
		t.Error("failed write still invalidated the cache")
	}
}

func TestDashboard_Typed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	type summary struct {
		Entries int      `json:"entries"`
		Top     []string `json:"top"`
	}
	var loads int
	loader := func(ctx context.Context) (summary, error) {
		loads++
		return summary{Entries: 5, Top: []string{"Atlas"}}, nil
	}

	first, err := Dashboard(ctx, env.layer, "u1", "week", loader)
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	second, err := Dashboard(ctx, env.layer, "u1", "week", loader)
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if loads != 1 {
		t.Errorf("loader ran %d times, want 1", loads)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("cached dashboard %+v != loaded %+v", second, first)
	}
	if ttl := env.redis.TTL("dev:u1:dashboard:week"); ttl != DashboardTTL {
		t.Errorf("dashboard TTL = %v, want %v", ttl, DashboardTTL)
	}

	if _, err := Dashboard(ctx, env.layer, "u1", "month", loader); err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if loads != 2 {
		t.Error("different timeframe shared a cache slot")
	}
}

func TestInsights_TTL(t *testing.T) {
	env := newTestEnv(t)

	_, err := Insights(context.Background(), env.layer, "u1", "month", func(ctx context.Context) (map[string]int, error) {
		return map[string]int{"entries": 3}, nil
	})
	if err != nil {
		t.Fatalf("Insights: %v", err)
	}
	if ttl := env.redis.TTL("dev:insights:u1:month"); ttl != InsightsTTL {
		t.Errorf("insights TTL = %v, want %v", ttl, InsightsTTL)
	}
}

func TestLoaderError_NotCached(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("boom")

	_, err := Dashboard(context.Background(), env.layer, "u1", "week", func(ctx context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	if env.redis.Exists("dev:u1:dashboard:week") {
		t.Error("failed load was cached")
	}
}

func TestCacheDown_FallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addEntry(t, "u1", "2025-01-01")
	env.redis.Close()

	n, err := env.layer.Count(ctx, storage.ModelEntry, nil)
	if err != nil {
		t.Fatalf("Count with cache down: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	_, err = env.layer.CreateAndInvalidate(ctx, storage.ModelEntry, Params{
		Data: storage.Record{"user_id": "u1", "date": "2025-01-02", "content": "x"},
	}, AllCacheTypes()...)
	if err != nil {
		t.Errorf("write failed because the cache is down: %v", err)
	}
}

func TestDisabledCache_AlwaysLoads(t *testing.T) {
	env := newTestEnvWithCache(t, cache.Disabled{NS: cache.NamespaceDev}, nil)
	ctx := context.Background()

	var loads int
	loader := func(ctx context.Context) ([]storage.Record, error) {
		loads++
		return nil, nil
	}
	env.layer.UserEntries(ctx, "u1", "", loader)
	env.layer.UserEntries(ctx, "u1", "", loader)
	if loads != 2 {
		t.Errorf("loader ran %d times with cache disabled, want 2", loads)
	}
}

// readKeys lists every cache key the read paths produce for userID.
func readKeys(userID string) map[string]CacheType {
	keys := map[string]CacheType{
		cache.EntriesKey(userID, ""):              CacheEntries,
		cache.EntriesKey(userID, "2025-01-01"):    CacheEntries,
		cache.UserKey(userID, SuffixProjects):     CacheProjects,
		cache.UserKey(userID, SuffixSkills):       CacheSkills,
		cache.UserKey(userID, SuffixCompetencies): CacheCompetencies,
		cache.InsightsKey(userID, "month"):        CacheInsights,
	}
	for _, tf := range []string{"week", "month", "quarter", "year"} {
		keys[cache.DashboardKey(userID, tf)] = CacheDashboard
	}
	for _, m := range storage.Models() {
		keys[cache.UserCountKey(userID, m)] = CacheCounts
	}
	return keys
}

// The tags passed at each write site are chosen by hand; nothing tracks
// which cached aggregates a write affects. This test pins the two lists
// together: every per-user read key must be dropped by its own CacheType
// and by no other user's invalidation.
func TestInvalidationPatterns_CoverReadKeys(t *testing.T) {
	for key, want := range readKeys("u1") {
		var matchedBy []CacheType
		for _, ct := range AllCacheTypes() {
			for _, p := range InvalidationPatterns("u1", ct) {
				if ok, _ := path.Match(p, key); ok {
					matchedBy = append(matchedBy, ct)
				}
			}
		}
		if len(matchedBy) != 1 || matchedBy[0] != want {
			t.Errorf("key %q matched by %v, want only %s", key, matchedBy, want)
		}
	}

	for key := range readKeys("u10") {
		for _, ct := range AllCacheTypes() {
			for _, p := range InvalidationPatterns("u1", ct) {
				if ok, _ := path.Match(p, key); ok {
					t.Errorf("u1 pattern %q matches u10 key %q", p, key)
				}
			}
		}
	}
}

func TestInvalidationPatterns_EmptyUser(t *testing.T) {
	for _, ct := range AllCacheTypes() {
		if p := InvalidationPatterns("", ct); p != nil {
			t.Errorf("InvalidationPatterns(\"\", %s) = %v, want nil", ct, p)
		}
	}
}

// Invalidation is only as complete as the tags the caller passes: a write
// tagged entries-only leaves the dashboard slot cached.
func TestInvalidation_UntaggedFamilyStaysCached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var loads int
	loader := func(ctx context.Context) (int, error) {
		loads++
		return loads, nil
	}
	Dashboard(ctx, env.layer, "u1", "week", loader)

	_, err := env.layer.CreateAndInvalidate(ctx, storage.ModelEntry, Params{
		Data: storage.Record{"user_id": "u1", "date": "2025-01-01", "content": "x"},
	}, CacheEntries)
	if err != nil {
		t.Fatalf("CreateAndInvalidate: %v", err)
	}
	v, _ := Dashboard(ctx, env.layer, "u1", "week", loader)
	if v != 1 || loads != 1 {
		t.Errorf("dashboard reloaded (v=%d loads=%d); untagged families are expected to stay cached", v, loads)
	}
}

func TestCreateAndInvalidate_SurvivesCancelledRequest(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	pool := &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	}
	t.Cleanup(func() { pool.Close() })

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnvWithCache(t, cancelOnDelete{Cache: cache.NewRedis(pool, cache.NamespaceDev), cancel: cancel}, s)
	ctx := context.Background()

	var loads atomic.Int32
	loader := func(ctx context.Context) ([]storage.Record, error) {
		loads.Add(1)
		return env.store.FindMany(ctx, storage.ModelEntry, storage.Query{Where: storage.Filter{"user_id": "u1"}})
	}
	if _, err := env.layer.UserEntries(ctx, "u1", "", loader); err != nil {
		t.Fatalf("UserEntries: %v", err)
	}

	_, err = env.layer.CreateAndInvalidate(reqCtx, storage.ModelEntry, Params{
		Data: storage.Record{"user_id": "u1", "date": "2025-03-01", "content": "late"},
	}, CacheEntries)
	if err != nil {
		t.Fatalf("CreateAndInvalidate: %v", err)
	}
	if reqCtx.Err() == nil {
		t.Fatal("request context was not cancelled during invalidation")
	}

	recs, err := env.layer.UserEntries(ctx, "u1", "", loader)
	if err != nil {
		t.Fatalf("UserEntries: %v", err)
	}
	if loads.Load() != 2 {
		t.Errorf("loader ran %d times, want 2 (stale entries served after write)", loads.Load())
	}
	if len(recs) != 1 {
		t.Errorf("got %d entries, want 1", len(recs))
	}
}
