package cachedb

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/worklog/internal/cache"
	"github.com/kalambet/worklog/internal/dbconn"
	"github.com/kalambet/worklog/internal/metrics"
	"github.com/kalambet/worklog/internal/storage"
)

// CacheType tags a family of cached reads that a write can make stale.
type CacheType string

const (
	CacheEntries      CacheType = "entries"
	CacheDashboard    CacheType = "dashboard"
	CacheProjects     CacheType = "projects"
	CacheSkills       CacheType = "skills"
	CacheCompetencies CacheType = "competencies"
	CacheInsights     CacheType = "insights"
	CacheCounts       CacheType = "counts"
)

// AllCacheTypes lists every CacheType.
func AllCacheTypes() []CacheType {
	return []CacheType{
		CacheEntries, CacheDashboard, CacheProjects, CacheSkills,
		CacheCompetencies, CacheInsights, CacheCounts,
	}
}

// Suffixes passed to UserData for the per-user lists.
const (
	SuffixProjects     = "projects"
	SuffixSkills       = "skills"
	SuffixCompetencies = "competencies"
)

// InvalidationPatterns returns the SCAN patterns dropped for userID when a
// write is tagged with t. Global count keys are handled separately.
func InvalidationPatterns(userID string, t CacheType) []string {
	if userID == "" {
		return nil
	}
	u := cache.EscapeGlob(userID)
	switch t {
	case CacheEntries:
		return []string{u + ":entries:*"}
	case CacheDashboard:
		return []string{u + ":dashboard:*"}
	case CacheProjects:
		return []string{u + ":" + SuffixProjects + "*"}
	case CacheSkills:
		return []string{u + ":" + SuffixSkills + "*"}
	case CacheCompetencies:
		return []string{u + ":" + SuffixCompetencies + "*"}
	case CacheInsights:
		return []string{"insights:" + u + ":*"}
	case CacheCounts:
		return []string{u + ":count:*"}
	}
	return nil
}

// Params carries the arguments of a write. Update is read by
// UpsertAndInvalidate only; Data is the create payload there.
type Params struct {
	Where  storage.Filter
	Data   storage.Record
	Update storage.Record
}

func (p Params) userID(rec storage.Record) string {
	if id, ok := p.Data["user_id"].(string); ok && id != "" {
		return id
	}
	if id, ok := p.Where.UserID(); ok {
		return id
	}
	return rec.String("user_id")
}

// CreateAndInvalidate creates a record and then drops the cache keys tagged by types.
func (l *Layer) CreateAndInvalidate(ctx context.Context, model string, p Params, types ...CacheType) (storage.Record, error) {
	rec, err := dbconn.Do(ctx, l.db, dbconn.Short, "create "+model, func(ctx context.Context, s *storage.Store) (storage.Record, error) {
		return s.Create(ctx, model, p.Data)
	})
	if err != nil {
		return nil, err
	}
	l.invalidateAfterWrite(ctx, p.userID(rec), model, types...)
	return rec, nil
}

// UpdateAndInvalidate updates the record matching p.Where with p.Data.
func (l *Layer) UpdateAndInvalidate(ctx context.Context, model string, p Params, types ...CacheType) (storage.Record, error) {
	rec, err := dbconn.Do(ctx, l.db, dbconn.Short, "update "+model, func(ctx context.Context, s *storage.Store) (storage.Record, error) {
		return s.Update(ctx, model, p.Where, p.Data)
	})
	if err != nil {
		return nil, err
	}
	l.invalidateAfterWrite(ctx, p.userID(rec), model, types...)
	return rec, nil
}

// UpsertAndInvalidate creates p.Data or applies p.Update to the row keyed by p.Where.
func (l *Layer) UpsertAndInvalidate(ctx context.Context, model string, p Params, types ...CacheType) (storage.Record, error) {
	rec, err := dbconn.Do(ctx, l.db, dbconn.Short, "upsert "+model, func(ctx context.Context, s *storage.Store) (storage.Record, error) {
		return s.Upsert(ctx, model, p.Where, p.Data, p.Update)
	})
	if err != nil {
		return nil, err
	}
	l.invalidateAfterWrite(ctx, p.userID(rec), model, types...)
	return rec, nil
}

// DeleteAndInvalidate deletes the row matching p.Where and returns it.
func (l *Layer) DeleteAndInvalidate(ctx context.Context, model string, p Params, types ...CacheType) (storage.Record, error) {
	rec, err := dbconn.Do(ctx, l.db, dbconn.Short, "delete "+model, func(ctx context.Context, s *storage.Store) (storage.Record, error) {
		return s.Delete(ctx, model, p.Where)
	})
	if err != nil {
		return nil, err
	}
	l.invalidateAfterWrite(ctx, p.userID(rec), model, types...)
	return rec, nil
}

// invalidateTimeout bounds invalidation that runs after a committed write.
const invalidateTimeout = 5 * time.Second

// invalidateAfterWrite runs Invalidate for a write that has already
// committed. The caller's cancellation no longer applies: a client that
// goes away after the commit must not leave stale keys behind.
func (l *Layer) invalidateAfterWrite(ctx context.Context, userID, model string, types ...CacheType) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	defer cancel()
	l.Invalidate(ctx, userID, model, types...)
}

// Invalidate drops every key tagged by types for userID. CacheCounts also
// drops the global count key of model in every namespace. Keys are removed
// one pattern at a time; a concurrent reader can see some families already
// dropped and others not yet. Failures are logged and swallowed.
func (l *Layer) Invalidate(ctx context.Context, userID, model string, types ...CacheType) {
	for _, t := range types {
		var failed error
		for _, pattern := range InvalidationPatterns(userID, t) {
			if _, err := l.cache.ScanAndDelete(ctx, pattern); err != nil {
				l.logCacheErr("cache invalidation failed", pattern, err)
				failed = notConfiguredOK(err)
			}
		}
		if t == CacheCounts && model != "" {
			key := cache.CountKey(model)
			for _, ns := range cache.Namespaces() {
				if err := l.cache.WithNamespace(ns).Delete(ctx, key); err != nil {
					l.logCacheErr("cache invalidation failed", ns+":"+key, err)
					failed = notConfiguredOK(err)
				}
			}
		}
		metrics.CacheInvalidation(string(t), failed)
	}
}

func notConfiguredOK(err error) error {
	if errors.Is(err, cache.ErrNotConfigured) {
		return nil
	}
	return err
}
