package journal

import (
	"context"
	"encoding/json"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/worklog/internal/analysis"
	"github.com/kalambet/worklog/internal/cachedb"
	"github.com/kalambet/worklog/internal/dbconn"
	"github.com/kalambet/worklog/internal/storage"
)

// windows maps a dashboard timeframe or insights period to its length in days.
var windows = map[string]int{
	"week":    7,
	"month":   30,
	"quarter": 90,
	"year":    365,
}

const (
	topLimit       = 5
	summariesLimit = 5
)

// Windows returns the accepted timeframe names, shortest first.
func Windows() []string {
	return []string{"week", "month", "quarter", "year"}
}

// windowStart returns the first date included in a window ending today.
func (s *Service) windowStart(name string) (string, error) {
	days, ok := windows[name]
	if !ok {
		return "", invalid("timeframe %q is not one of week, month, quarter, year", name)
	}
	return s.now().UTC().AddDate(0, 0, -(days - 1)).Format(DateLayout), nil
}

// Dashboard returns the user's aggregates for timeframe. The underlying
// queries run in parallel on a miss.
func (s *Service) Dashboard(ctx context.Context, userID, timeframe string) (Dashboard, error) {
	if timeframe == "" {
		timeframe = "month"
	}
	from, err := s.windowStart(timeframe)
	if err != nil {
		return Dashboard{}, err
	}
	return cachedb.Dashboard(ctx, s.layer, userID, timeframe, func(ctx context.Context) (Dashboard, error) {
		return s.loadDashboard(ctx, userID, timeframe, from)
	})
}

func (s *Service) loadDashboard(ctx context.Context, userID, timeframe, from string) (Dashboard, error) {
	db := s.layer.DB()
	inWindow := storage.Filter{"user_id": userID, "date": storage.Range{From: from}}
	d := Dashboard{Timeframe: timeframe, From: from, GeneratedAt: s.now().UTC()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.layer.Count(gctx, storage.ModelEntry, storage.Filter{"user_id": userID})
		d.TotalEntries = n
		return err
	})
	g.Go(func() error {
		n, err := dbconn.Do(gctx, db, dbconn.Medium, "dashboard entry count", func(ctx context.Context, st *storage.Store) (int64, error) {
			return st.Count(ctx, storage.ModelEntry, inWindow)
		})
		d.EntryCount = n
		return err
	})
	g.Go(func() error {
		avg, err := dbconn.Do(gctx, db, dbconn.Medium, "dashboard sentiment", func(ctx context.Context, st *storage.Store) (*float64, error) {
			v, ok, err := st.Average(ctx, storage.ModelEntry, "sentiment", inWindow)
			if err != nil || !ok {
				return nil, err
			}
			return &v, nil
		})
		d.AverageSentiment = avg
		return err
	})
	g.Go(func() error {
		recs, err := dbconn.Do(gctx, db, dbconn.Medium, "dashboard projects", top(storage.ModelProject, "mentions", userID, from))
		d.TopProjects = convert(recs, toProject)
		return err
	})
	g.Go(func() error {
		recs, err := dbconn.Do(gctx, db, dbconn.Medium, "dashboard skills", top(storage.ModelSkill, "mentions", userID, from))
		d.TopSkills = convert(recs, toSkill)
		return err
	})
	g.Go(func() error {
		recs, err := dbconn.Do(gctx, db, dbconn.Medium, "dashboard competencies", func(ctx context.Context, st *storage.Store) ([]storage.Record, error) {
			return st.FindMany(ctx, storage.ModelCompetency, storage.Query{
				Where: storage.Filter{"user_id": userID}, OrderBy: "evidence_count", Desc: true,
			})
		})
		d.Competencies = convert(recs, toCompetency)
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	return d, nil
}

// top finds the most mentioned items of model seen since from.
func top(model, counter, userID, from string) func(ctx context.Context, st *storage.Store) ([]storage.Record, error) {
	return func(ctx context.Context, st *storage.Store) ([]storage.Record, error) {
		return st.FindMany(ctx, model, storage.Query{
			Where:   storage.Filter{"user_id": userID, "last_mentioned": storage.Range{From: from}},
			OrderBy: counter,
			Desc:    true,
			Limit:   topLimit,
		})
	}
}

// Insights returns the sentiment trend and most mentioned items across the
// analyzed entries of period.
func (s *Service) Insights(ctx context.Context, userID, period string) (Insights, error) {
	if period == "" {
		period = "month"
	}
	from, err := s.windowStart(period)
	if err != nil {
		return Insights{}, err
	}
	return cachedb.Insights(ctx, s.layer, userID, period, func(ctx context.Context) (Insights, error) {
		recs, err := dbconn.Do(ctx, s.layer.DB(), dbconn.Medium, "insights entries", func(ctx context.Context, st *storage.Store) ([]storage.Record, error) {
			return st.FindMany(ctx, storage.ModelEntry, storage.Query{
				Where:   storage.Filter{"user_id": userID, "date": storage.Range{From: from}},
				OrderBy: "date",
			})
		})
		if err != nil {
			return Insights{}, err
		}
		out := buildInsights(recs)
		out.Period, out.From, out.GeneratedAt = period, from, s.now().UTC()
		return out, nil
	})
}

func buildInsights(recs []storage.Record) Insights {
	out := Insights{
		Entries:         len(recs),
		Trend:           []SentimentPoint{},
		TopProjects:     []Mention{},
		TopSkills:       []Mention{},
		TopCompetencies: []Mention{},
		Summaries:       []string{},
	}
	projects := map[string]int{}
	skills := map[string]int{}
	comps := map[string]int{}
	var sum float64

	for _, r := range recs {
		raw := r.String("analysis")
		if raw == "" {
			continue
		}
		var ext analysis.Extraction
		if err := json.Unmarshal([]byte(raw), &ext); err != nil {
			continue
		}
		out.Analyzed++
		sum += ext.Sentiment
		out.Trend = append(out.Trend, SentimentPoint{Date: r.String("date"), Sentiment: ext.Sentiment})
		if ext.Summary != "" {
			out.Summaries = append(out.Summaries, ext.Summary)
		}
		countNames(projects, ext.Projects, func(p analysis.Project) string { return p.Name })
		countNames(skills, ext.Skills, func(s analysis.Skill) string { return s.Name })
		countNames(comps, ext.Competencies, func(c analysis.Competency) string { return c.Name })
	}

	if out.Analyzed > 0 {
		avg := sum / float64(out.Analyzed)
		out.AverageSentiment = &avg
	}
	if n := len(out.Summaries); n > summariesLimit {
		out.Summaries = out.Summaries[n-summariesLimit:]
	}
	out.TopProjects = ranked(projects)
	out.TopSkills = ranked(skills)
	out.TopCompetencies = ranked(comps)
	return out
}

// countNames counts each distinct name once per entry.
func countNames[T any](counts map[string]int, items []T, name func(T) string) {
	seen := map[string]bool{}
	for _, it := range items {
		n := name(it)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		counts[n]++
	}
}

func ranked(counts map[string]int) []Mention {
	out := make([]Mention, 0, len(counts))
	for name, n := range counts {
		out = append(out, Mention{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > topLimit {
		out = out[:topLimit]
	}
	return out
}
