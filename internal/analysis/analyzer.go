// Package analysis extracts structured career data from journal entries
// with an LLM and writes it back through the cached store layer.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/worklog/internal/cache"
	"github.com/kalambet/worklog/internal/cachedb"
	"github.com/kalambet/worklog/internal/dbconn"
	"github.com/kalambet/worklog/internal/jobs"
	"github.com/kalambet/worklog/internal/metrics"
	"github.com/kalambet/worklog/internal/storage"
)

// ExtractionTTL is how long a model extraction is reused for identical
// entry text.
const ExtractionTTL = 24 * time.Hour

// Output is the Data payload of a successful analysis result.
type Output struct {
	EntryID    string     `json:"entry_id"`
	Extraction Extraction `json:"extraction"`
	Cached     bool       `json:"cached"`
}

// Analyzer implements jobs.Analyzer.
type Analyzer struct {
	layer     *cachedb.Layer
	completer Completer
	logger    *slog.Logger
	now       func() time.Time

	// writeMu serializes write-back so counter read-modify-writes from
	// concurrent batch items do not lose increments.
	writeMu sync.Mutex
}

var _ jobs.Analyzer = (*Analyzer)(nil)

// New creates an Analyzer. A nil logger means slog.Default().
func New(layer *cachedb.Layer, completer Completer, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{layer: layer, completer: completer, logger: logger, now: time.Now}
}

// Analyze extracts career data from the entry and stores it. Model output
// that fails validation is reported as an unsuccessful Result, not an error.
func (a *Analyzer) Analyze(ctx context.Context, entryID string, opts jobs.AnalyzeOptions) (jobs.Result, error) {
	entry, err := dbconn.Do(ctx, a.layer.DB(), dbconn.Short, "find entry", func(ctx context.Context, s *storage.Store) (storage.Record, error) {
		return s.FindUnique(ctx, storage.ModelEntry, storage.Filter{"id": entryID})
	})
	if err != nil {
		return jobs.Result{}, fmt.Errorf("loading entry %s: %w", entryID, err)
	}

	ext, usage, cached, err := a.extract(ctx, entry, opts.Force)
	if err != nil {
		var invalid *invalidOutputError
		if errors.As(err, &invalid) {
			a.logger.Warn("discarding invalid model output", "entry_id", entryID, "error", invalid.err)
			return jobs.Result{Success: false, Error: invalid.Error(), Usage: usage}, nil
		}
		return jobs.Result{}, err
	}

	if err := a.writeBack(ctx, entry, ext); err != nil {
		return jobs.Result{}, fmt.Errorf("storing analysis of %s: %w", entryID, err)
	}

	data, err := json.Marshal(Output{EntryID: entryID, Extraction: ext, Cached: cached})
	if err != nil {
		return jobs.Result{}, fmt.Errorf("encoding analysis: %w", err)
	}
	a.logger.Info("entry analyzed",
		"entry_id", entryID,
		"cached", cached,
		"projects", len(ext.Projects),
		"skills", len(ext.Skills),
		"competencies", len(ext.Competencies),
	)
	return jobs.Result{Success: true, Data: data, Usage: usage}, nil
}

type invalidOutputError struct{ err error }

func (e *invalidOutputError) Error() string { return e.err.Error() }
func (e *invalidOutputError) Unwrap() error { return e.err }

// extract returns the entry's extraction from the cache or the model.
func (a *Analyzer) extract(ctx context.Context, entry storage.Record, force bool) (Extraction, *jobs.Usage, bool, error) {
	content := entry.String("content")
	key := cache.ExtractionKey(content)
	c := a.layer.Cache()

	if !force {
		var ext Extraction
		found, err := c.Get(ctx, key, &ext)
		switch {
		case err != nil && !errors.Is(err, cache.ErrNotConfigured):
			a.logger.Warn("extraction cache read failed", "key", key, "error", err)
		case found:
			return ext, nil, true, nil
		}
	}

	reply, err := a.completer.Complete(ctx, BuildPrompt(entry.String("date"), content))
	if err != nil {
		return Extraction{}, nil, false, err
	}
	usage := reply.Usage
	metrics.LLMUsage(usage.PromptTokens, usage.CompletionTokens)

	ext, err := ParseExtraction([]byte(reply.Content))
	if err != nil {
		return Extraction{}, &usage, false, &invalidOutputError{err: err}
	}
	if err := c.Set(ctx, key, ext, ExtractionTTL); err != nil && !errors.Is(err, cache.ErrNotConfigured) {
		a.logger.Warn("extraction cache write failed", "key", key, "error", err)
	}
	return ext, &usage, false, nil
}

// writeBack upserts the extracted items and then stores the analysis on the
// entry. Items already present in the entry's previous analysis keep their
// counters so re-analysis does not count the same entry twice.
func (a *Analyzer) writeBack(ctx context.Context, entry storage.Record, ext Extraction) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	userID := entry.String("user_id")
	date := entry.String("date")
	var prev Extraction
	if raw := entry.String("analysis"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &prev); err != nil {
			a.logger.Warn("ignoring unreadable previous analysis", "entry_id", entry.String("id"), "error", err)
		}
	}

	seen := names(prev)
	for _, p := range dedupe(ext.Projects, func(p Project) string { return p.Name }) {
		fields := storage.Record{}
		setIf(fields, "description", p.Description)
		setIf(fields, "status", p.Status)
		if err := a.bump(ctx, storage.ModelProject, cachedb.CacheProjects, userID, p.Name, "mentions", date, fields, !seen[kindProject+p.Name]); err != nil {
			return err
		}
	}
	for _, s := range dedupe(ext.Skills, func(s Skill) string { return s.Name }) {
		fields := storage.Record{}
		setIf(fields, "category", s.Category)
		if err := a.bump(ctx, storage.ModelSkill, cachedb.CacheSkills, userID, s.Name, "mentions", date, fields, !seen[kindSkill+s.Name]); err != nil {
			return err
		}
	}
	for _, c := range dedupe(ext.Competencies, func(c Competency) string { return c.Name }) {
		fields := storage.Record{}
		setIf(fields, "level", c.Level)
		if err := a.bump(ctx, storage.ModelCompetency, cachedb.CacheCompetencies, userID, c.Name, "evidence_count", date, fields, !seen[kindCompetency+c.Name]); err != nil {
			return err
		}
	}

	analysis, err := json.Marshal(ext)
	if err != nil {
		return err
	}
	_, err = a.layer.UpdateAndInvalidate(ctx, storage.ModelEntry, cachedb.Params{
		Where: storage.Filter{"id": entry.String("id")},
		Data: storage.Record{
			"sentiment":   ext.Sentiment,
			"analysis":    string(analysis),
			"analyzed_at": a.now().UTC().Format(time.RFC3339),
		},
	}, cachedb.CacheEntries, cachedb.CacheDashboard, cachedb.CacheInsights)
	return err
}

// bump upserts one extracted item, incrementing its counter when increment
// is set and moving last_mentioned forward to date.
func (a *Analyzer) bump(ctx context.Context, model string, tag cachedb.CacheType, userID, name, counter, date string, fields storage.Record, increment bool) error {
	where := storage.Filter{"user_id": userID, "name": name}
	cur, err := dbconn.Do(ctx, a.layer.DB(), dbconn.Short, "find "+model, func(ctx context.Context, s *storage.Store) (storage.Record, error) {
		return s.FindUnique(ctx, model, where)
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	n := int64(1)
	last := date
	if cur != nil {
		n = cur.Int(counter)
		if increment {
			n++
		}
		if prev := cur.String("last_mentioned"); prev > last {
			last = prev
		}
	}

	create := storage.Record{counter: n, "last_mentioned": last}
	update := storage.Record{counter: n, "last_mentioned": last}
	for k, v := range fields {
		create[k] = v
		update[k] = v
	}
	_, err = a.layer.UpsertAndInvalidate(ctx, model, cachedb.Params{Where: where, Data: create, Update: update},
		tag, cachedb.CacheDashboard, cachedb.CacheCounts)
	return err
}

const (
	kindProject    = "p:"
	kindSkill      = "s:"
	kindCompetency = "c:"
)

func names(ext Extraction) map[string]bool {
	m := make(map[string]bool)
	for _, p := range ext.Projects {
		m[kindProject+p.Name] = true
	}
	for _, s := range ext.Skills {
		m[kindSkill+s.Name] = true
	}
	for _, c := range ext.Competencies {
		m[kindCompetency+c.Name] = true
	}
	return m
}

func dedupe[T any](items []T, name func(T) string) []T {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		n := name(it)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, it)
	}
	return out
}

func setIf(r storage.Record, col, v string) {
	if v != "" {
		r[col] = v
	}
}
