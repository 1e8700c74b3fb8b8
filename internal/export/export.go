// Package export builds career documents from a user's journal and renders
// them as JSON or XLSX.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/worklog/internal/analysis"
	"github.com/kalambet/worklog/internal/dbconn"
	"github.com/kalambet/worklog/internal/storage"
)

// ErrInvalid marks a bad export request.
var ErrInvalid = errors.New("invalid export request")

type Kind string

const (
	KindPerformanceReview Kind = "performance-review"
	KindResumeBullets     Kind = "resume-bullets"
)

// Kinds lists the supported document kinds.
func Kinds() []Kind {
	return []Kind{KindPerformanceReview, KindResumeBullets}
}

const dateLayout = "2006-01-02"

// Section is one titled table of a document. Bullet lists use a single column.
type Section struct {
	Title   string     `json:"title"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

type Document struct {
	Kind        Kind      `json:"kind"`
	UserID      string    `json:"user_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	GeneratedAt time.Time `json:"generated_at"`
	Sections    []Section `json:"sections"`
}

// Builder loads journal data and assembles documents.
type Builder struct {
	db     *dbconn.Manager
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Builder. A nil logger means slog.Default().
func New(db *dbconn.Manager, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{db: db, logger: logger, now: time.Now}
}

type source struct {
	entries      []storage.Record
	projects     []storage.Record
	skills       []storage.Record
	competencies []storage.Record
}

// Build assembles a document of kind for the user's entries dated from..to
// inclusive. An empty to means today; an empty from means one year before to.
func (b *Builder) Build(ctx context.Context, userID string, kind Kind, from, to string) (Document, error) {
	if kind != KindPerformanceReview && kind != KindResumeBullets {
		return Document{}, fmt.Errorf("%w: unknown document kind %q", ErrInvalid, kind)
	}
	start, end, err := b.window(from, to)
	if err != nil {
		return Document{}, err
	}
	from, to = start.Format(dateLayout), end.Format(dateLayout)
	upper := end.AddDate(0, 0, 1).Format(dateLayout)

	began := time.Now()
	src, err := dbconn.Do(ctx, b.db, dbconn.Long, "export "+string(kind), func(ctx context.Context, st *storage.Store) (source, error) {
		var (
			s   source
			err error
		)
		inRange := storage.Range{From: from, To: upper}
		if s.entries, err = st.FindMany(ctx, storage.ModelEntry, storage.Query{
			Where: storage.Filter{"user_id": userID, "date": inRange}, OrderBy: "date",
		}); err != nil {
			return s, err
		}
		mentioned := storage.Filter{"user_id": userID, "last_mentioned": inRange}
		if s.projects, err = st.FindMany(ctx, storage.ModelProject, storage.Query{Where: mentioned, OrderBy: "mentions", Desc: true}); err != nil {
			return s, err
		}
		if s.skills, err = st.FindMany(ctx, storage.ModelSkill, storage.Query{Where: mentioned, OrderBy: "mentions", Desc: true}); err != nil {
			return s, err
		}
		s.competencies, err = st.FindMany(ctx, storage.ModelCompetency, storage.Query{Where: mentioned, OrderBy: "evidence_count", Desc: true})
		return s, err
	})
	if err != nil {
		return Document{}, fmt.Errorf("loading export data: %w", err)
	}

	doc := Document{Kind: kind, UserID: userID, From: from, To: to, GeneratedAt: b.now().UTC()}
	switch kind {
	case KindPerformanceReview:
		doc.Sections = performanceReview(doc, src)
	case KindResumeBullets:
		doc.Sections = resumeBullets(src)
	}

	b.logger.Info("export built",
		"user_id", userID,
		"kind", kind,
		"entries", len(src.entries),
		"elapsed_ms", time.Since(began).Milliseconds(),
	)
	return doc, nil
}

func (b *Builder) window(from, to string) (time.Time, time.Time, error) {
	end := b.now().UTC().Truncate(24 * time.Hour)
	if to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: to %q is not YYYY-MM-DD", ErrInvalid, to)
		}
		end = t
	}
	start := end.AddDate(-1, 0, 0)
	if from != "" {
		f, err := time.Parse(dateLayout, from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: from %q is not YYYY-MM-DD", ErrInvalid, from)
		}
		start = f
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from %s is after to %s", ErrInvalid, start.Format(dateLayout), end.Format(dateLayout))
	}
	return start, end, nil
}

type highlight struct {
	date    string
	summary string
	score   float64
}

func highlights(entries []storage.Record) (analyzed int, sum float64, out []highlight) {
	for _, e := range entries {
		raw := e.String("analysis")
		if raw == "" {
			continue
		}
		var ext analysis.Extraction
		if json.Unmarshal([]byte(raw), &ext) != nil {
			continue
		}
		analyzed++
		sum += ext.Sentiment
		if ext.Summary != "" {
			out = append(out, highlight{date: e.String("date"), summary: ext.Summary, score: ext.Sentiment})
		}
	}
	return analyzed, sum, out
}

func performanceReview(doc Document, src source) []Section {
	analyzed, sum, hl := highlights(src.entries)
	avg := "n/a"
	if analyzed > 0 {
		avg = strconv.FormatFloat(sum/float64(analyzed), 'f', 2, 64)
	}

	summary := Section{
		Title:   "Summary",
		Headers: []string{"Metric", "Value"},
		Rows: [][]string{
			{"Period", doc.From + " to " + doc.To},
			{"Entries written", strconv.Itoa(len(src.entries))},
			{"Entries analyzed", strconv.Itoa(analyzed)},
			{"Average sentiment", avg},
			{"Projects", strconv.Itoa(len(src.projects))},
			{"Skills", strconv.Itoa(len(src.skills))},
		},
	}

	projects := Section{Title: "Projects", Headers: []string{"Project", "Status", "Mentions", "Last mentioned", "Description"}, Rows: [][]string{}}
	for _, p := range src.projects {
		projects.Rows = append(projects.Rows, []string{
			p.String("name"), p.String("status"), strconv.FormatInt(p.Int("mentions"), 10),
			p.String("last_mentioned"), p.String("description"),
		})
	}

	skills := Section{Title: "Skills", Headers: []string{"Skill", "Category", "Mentions"}, Rows: [][]string{}}
	for _, s := range src.skills {
		skills.Rows = append(skills.Rows, []string{s.String("name"), s.String("category"), strconv.FormatInt(s.Int("mentions"), 10)})
	}

	comps := Section{Title: "Competencies", Headers: []string{"Competency", "Level", "Evidence"}, Rows: [][]string{}}
	for _, c := range src.competencies {
		comps.Rows = append(comps.Rows, []string{c.String("name"), c.String("level"), strconv.FormatInt(c.Int("evidence_count"), 10)})
	}

	hls := Section{Title: "Highlights", Headers: []string{"Date", "Summary"}, Rows: [][]string{}}
	for _, h := range hl {
		hls.Rows = append(hls.Rows, []string{h.date, h.summary})
	}

	return []Section{summary, projects, skills, comps, hls}
}

// maxBullets caps each bullet list.
const maxBullets = 10

func resumeBullets(src source) []Section {
	bullets := Section{Title: "Resume bullets", Headers: []string{"Bullet"}, Rows: [][]string{}}
	add := func(s string) {
		if len(bullets.Rows) < maxBullets {
			bullets.Rows = append(bullets.Rows, []string{s})
		}
	}

	for _, p := range src.projects {
		line := "Drove " + p.String("name")
		if d := p.String("description"); d != "" {
			line += ": " + d
		}
		if p.String("status") == "completed" {
			line += ", delivered to completion"
		}
		add(line + ".")
	}

	byCategory := map[string][]string{}
	for _, s := range src.skills {
		cat := s.String("category")
		if cat == "" {
			cat = "other"
		}
		byCategory[cat] = append(byCategory[cat], s.String("name"))
	}
	cats := make([]string, 0, len(byCategory))
	for c := range byCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		add("Applied " + c + " skills: " + strings.Join(byCategory[c], ", ") + ".")
	}

	for _, c := range src.competencies {
		line := "Demonstrated " + c.String("name")
		if lvl := c.String("level"); lvl != "" {
			line += " (" + lvl + ")"
		}
		add(fmt.Sprintf("%s across %d documented occasions.", line, c.Int("evidence_count")))
	}

	_, _, hl := highlights(src.entries)
	sort.SliceStable(hl, func(i, j int) bool { return hl[i].score > hl[j].score })
	wins := Section{Title: "Top moments", Headers: []string{"Date", "Summary"}, Rows: [][]string{}}
	for i, h := range hl {
		if i == 3 {
			break
		}
		wins.Rows = append(wins.Rows, []string{h.date, h.summary})
	}
	return []Section{bullets, wins}
}
