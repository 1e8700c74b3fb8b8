// Package cachedb puts the key-value cache in front of the store: reads go
// through the cache, writes go to the store and then drop the cache keys
// the caller tags as affected.
package cachedb

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/worklog/internal/cache"
	"github.com/kalambet/worklog/internal/dbconn"
	"github.com/kalambet/worklog/internal/metrics"
	"github.com/kalambet/worklog/internal/storage"
)

const (
	CountTTL     = 300 * time.Second
	UserDataTTL  = 600 * time.Second
	DashboardTTL = 600 * time.Second
	EntriesTTL   = 300 * time.Second
	InsightsTTL  = 1800 * time.Second
)

// Layer is the cached access path to the store.
type Layer struct {
	db     *dbconn.Manager
	cache  cache.Cache
	logger *slog.Logger
}

// New returns a Layer. A nil logger means slog.Default().
func New(db *dbconn.Manager, c cache.Cache, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{db: db, cache: c, logger: logger}
}

// DB exposes the connection manager for uncached operations.
func (l *Layer) DB() *dbconn.Manager { return l.db }

// Cache exposes the underlying cache.
func (l *Layer) Cache() cache.Cache { return l.cache }

// Count returns the number of model rows matching filter. An empty filter
// and a filter of exactly {user_id} are cached; any other shape goes
// straight to the store.
func (l *Layer) Count(ctx context.Context, model string, filter storage.Filter) (int64, error) {
	load := func(ctx context.Context) (int64, error) {
		return dbconn.Do(ctx, l.db, dbconn.Short, "count "+model, func(ctx context.Context, s *storage.Store) (int64, error) {
			return s.Count(ctx, model, filter)
		})
	}

	var key string
	switch userID, ok := filter.UserID(); {
	case len(filter) == 0:
		key = cache.CountKey(model)
	case len(filter) == 1 && ok:
		key = cache.UserCountKey(userID, model)
	default:
		metrics.CacheLookup("count", "bypass")
		return load(ctx)
	}
	return cached(ctx, l, "count", key, CountTTL, load)
}

// UserData returns the records matching q, cached under <user>:<suffix>.
// Queries without a user_id condition are not cached.
func (l *Layer) UserData(ctx context.Context, model string, q storage.Query, suffix string) ([]storage.Record, error) {
	m, err := storage.LookupModel(model)
	if err != nil {
		return nil, err
	}
	load := func(ctx context.Context) ([]storage.Record, error) {
		return dbconn.Do(ctx, l.db, dbconn.Short, "find "+model, func(ctx context.Context, s *storage.Store) ([]storage.Record, error) {
			return s.FindMany(ctx, model, q)
		})
	}

	userID, ok := q.Where.UserID()
	if !ok {
		metrics.CacheLookup("user_data", "bypass")
		return load(ctx)
	}
	recs, err := cached(ctx, l, "user_data", cache.UserKey(userID, suffix), UserDataTTL, load)
	if err != nil {
		return nil, err
	}
	return normalizeAll(m, recs), nil
}

// UserEntries returns a user's entries for date, or the recent list when
// date is "", running loader on a miss.
func (l *Layer) UserEntries(ctx context.Context, userID, date string, loader func(ctx context.Context) ([]storage.Record, error)) ([]storage.Record, error) {
	m, err := storage.LookupModel(storage.ModelEntry)
	if err != nil {
		return nil, err
	}
	recs, err := cached(ctx, l, "entries", cache.EntriesKey(userID, date), EntriesTTL, loader)
	if err != nil {
		return nil, err
	}
	return normalizeAll(m, recs), nil
}

// Dashboard returns the aggregate for (userID, timeframe), running loader
// on a miss.
func Dashboard[T any](ctx context.Context, l *Layer, userID, timeframe string, loader func(ctx context.Context) (T, error)) (T, error) {
	return cached(ctx, l, "dashboard", cache.DashboardKey(userID, timeframe), DashboardTTL, loader)
}

// Insights returns the insight report for (userID, period), running loader
// on a miss.
func Insights[T any](ctx context.Context, l *Layer, userID, period string, loader func(ctx context.Context) (T, error)) (T, error) {
	return cached(ctx, l, "insights", cache.InsightsKey(userID, period), InsightsTTL, loader)
}

// cached is the read-through path. Cache failures are logged and the value
// is loaded from the source instead.
func cached[T any](ctx context.Context, l *Layer, family, key string, ttl time.Duration, loader func(ctx context.Context) (T, error)) (T, error) {
	var v T
	found, err := l.cache.Get(ctx, key, &v)
	switch {
	case err != nil:
		l.logCacheErr("cache read failed", key, err)
		metrics.CacheLookup(family, "error")
	case found:
		metrics.CacheLookup(family, "hit")
		return v, nil
	default:
		metrics.CacheLookup(family, "miss")
	}

	v, err = loader(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := l.cache.Set(ctx, key, v, ttl); err != nil {
		l.logCacheErr("cache write failed", key, err)
	}
	return v, nil
}

func (l *Layer) logCacheErr(msg, key string, err error) {
	if errors.Is(err, cache.ErrNotConfigured) {
		return
	}
	l.logger.Warn(msg, "key", key, "error", err)
}

func normalizeAll(m *storage.Model, recs []storage.Record) []storage.Record {
	for _, r := range recs {
		m.Normalize(r)
	}
	return recs
}
