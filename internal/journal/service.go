// Package journal is the domain service behind the HTTP and MCP surfaces:
// users, journal entries and the aggregates built from their analysis.
// Every write picks the cache families it makes stale.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/kalambet/worklog/internal/cachedb"
	"github.com/kalambet/worklog/internal/dbconn"
	"github.com/kalambet/worklog/internal/jobs"
	"github.com/kalambet/worklog/internal/storage"
)

// ErrInvalid marks a request the caller must fix.
var ErrInvalid = errors.New("invalid input")

// DateLayout is the format of entry dates.
const DateLayout = "2006-01-02"

// RecentLimit is the number of entries in the recent list.
const RecentLimit = 30

// Enqueuer queues analysis jobs. Implemented by jobs.Queue.
type Enqueuer interface {
	AddAnalysisJob(ctx context.Context, entryID string, opts jobs.Options) (string, error)
	AddBatchAnalysisJob(ctx context.Context, entryIDs []string, opts jobs.BatchOptions) (string, error)
}

// entryTags are the cache families an entry write makes stale.
var entryTags = []cachedb.CacheType{
	cachedb.CacheEntries, cachedb.CacheDashboard, cachedb.CacheCounts, cachedb.CacheInsights,
}

type Service struct {
	layer  *cachedb.Layer
	queue  Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Service. A nil logger means slog.Default().
func New(layer *cachedb.Layer, queue Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{layer: layer, queue: queue, logger: logger, now: time.Now}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func checkDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return invalid("date %q is not YYYY-MM-DD", date)
	}
	return nil
}

// CreateUser registers a user. The email must be unique.
func (s *Service) CreateUser(ctx context.Context, email, name, provider string) (User, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return User{}, invalid("email %q is not valid", email)
	}
	rec, err := s.layer.CreateAndInvalidate(ctx, storage.ModelUser, cachedb.Params{
		Data: storage.Record{"email": email, "name": strings.TrimSpace(name), "provider": provider},
	}, cachedb.CacheCounts)
	if err != nil {
		return User{}, fmt.Errorf("creating user: %w", err)
	}
	return toUser(rec), nil
}

func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	rec, err := dbconn.Do(ctx, s.layer.DB(), dbconn.Short, "find user", func(ctx context.Context, st *storage.Store) (storage.Record, error) {
		return st.FindUnique(ctx, storage.ModelUser, storage.Filter{"id": id})
	})
	if err != nil {
		return User{}, err
	}
	return toUser(rec), nil
}

// CreateEntry stores the user's entry for date and queues its analysis. A
// failure to queue is logged; the entry is still returned.
func (s *Service) CreateEntry(ctx context.Context, userID, date, content string) (EntryResult, error) {
	if err := checkDate(date); err != nil {
		return EntryResult{}, err
	}
	if strings.TrimSpace(content) == "" {
		return EntryResult{}, invalid("content is empty")
	}
	rec, err := s.layer.CreateAndInvalidate(ctx, storage.ModelEntry, cachedb.Params{
		Data: storage.Record{"user_id": userID, "date": date, "content": content},
	}, entryTags...)
	if err != nil {
		return EntryResult{}, fmt.Errorf("creating entry: %w", err)
	}
	entry := toEntry(rec)
	return EntryResult{Entry: entry, JobID: s.enqueue(ctx, entry.ID, jobs.PriorityNormal)}, nil
}

// UpdateEntry replaces the content of the user's entry for date and queues
// its re-analysis ahead of other work.
func (s *Service) UpdateEntry(ctx context.Context, userID, date, content string) (EntryResult, error) {
	if err := checkDate(date); err != nil {
		return EntryResult{}, err
	}
	if strings.TrimSpace(content) == "" {
		return EntryResult{}, invalid("content is empty")
	}
	rec, err := s.layer.UpdateAndInvalidate(ctx, storage.ModelEntry, cachedb.Params{
		Where: storage.Filter{"user_id": userID, "date": date},
		Data:  storage.Record{"content": content},
	}, entryTags...)
	if err != nil {
		return EntryResult{}, fmt.Errorf("updating entry: %w", err)
	}
	entry := toEntry(rec)
	return EntryResult{Entry: entry, JobID: s.enqueue(ctx, entry.ID, jobs.PriorityHigh)}, nil
}

func (s *Service) DeleteEntry(ctx context.Context, userID, date string) (Entry, error) {
	if err := checkDate(date); err != nil {
		return Entry{}, err
	}
	rec, err := s.layer.DeleteAndInvalidate(ctx, storage.ModelEntry, cachedb.Params{
		Where: storage.Filter{"user_id": userID, "date": date},
	}, entryTags...)
	if err != nil {
		return Entry{}, fmt.Errorf("deleting entry: %w", err)
	}
	return toEntry(rec), nil
}

func (s *Service) enqueue(ctx context.Context, entryID string, p jobs.Priority) string {
	id, err := s.queue.AddAnalysisJob(ctx, entryID, jobs.Options{Priority: p})
	if err != nil {
		s.logger.Warn("queueing entry analysis failed", "entry_id", entryID, "error", err)
		return ""
	}
	return id
}

// Entries returns the user's entry for date, or the most recent entries
// when date is "".
func (s *Service) Entries(ctx context.Context, userID, date string) ([]Entry, error) {
	q := storage.Query{Where: storage.Filter{"user_id": userID}}
	if date == "" {
		q.OrderBy, q.Desc, q.Limit = "date", true, RecentLimit
	} else {
		if err := checkDate(date); err != nil {
			return nil, err
		}
		q.Where["date"] = date
	}

	recs, err := s.layer.UserEntries(ctx, userID, date, func(ctx context.Context) ([]storage.Record, error) {
		return dbconn.Do(ctx, s.layer.DB(), dbconn.Short, "find entries", func(ctx context.Context, st *storage.Store) ([]storage.Record, error) {
			return st.FindMany(ctx, storage.ModelEntry, q)
		})
	})
	if err != nil {
		return nil, err
	}
	return convert(recs, toEntry), nil
}

// Entry returns the user's entry for date.
func (s *Service) Entry(ctx context.Context, userID, date string) (Entry, error) {
	if date == "" {
		return Entry{}, invalid("date is required")
	}
	entries, err := s.Entries(ctx, userID, date)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, storage.ErrNotFound
	}
	return entries[0], nil
}

// Projects returns the user's projects, most mentioned first.
func (s *Service) Projects(ctx context.Context, userID string) ([]Project, error) {
	recs, err := s.layer.UserData(ctx, storage.ModelProject, storage.Query{
		Where: storage.Filter{"user_id": userID}, OrderBy: "mentions", Desc: true,
	}, cachedb.SuffixProjects)
	if err != nil {
		return nil, err
	}
	return convert(recs, toProject), nil
}

// Skills returns the user's skills, most mentioned first.
func (s *Service) Skills(ctx context.Context, userID string) ([]Skill, error) {
	recs, err := s.layer.UserData(ctx, storage.ModelSkill, storage.Query{
		Where: storage.Filter{"user_id": userID}, OrderBy: "mentions", Desc: true,
	}, cachedb.SuffixSkills)
	if err != nil {
		return nil, err
	}
	return convert(recs, toSkill), nil
}

// Competencies returns the user's competencies, best evidenced first.
func (s *Service) Competencies(ctx context.Context, userID string) ([]Competency, error) {
	recs, err := s.layer.UserData(ctx, storage.ModelCompetency, storage.Query{
		Where: storage.Filter{"user_id": userID}, OrderBy: "evidence_count", Desc: true,
	}, cachedb.SuffixCompetencies)
	if err != nil {
		return nil, err
	}
	return convert(recs, toCompetency), nil
}

// ReanalyzeAll queues one batch job over every entry of the user, ignoring
// cached extractions.
func (s *Service) ReanalyzeAll(ctx context.Context, userID string) (string, int, error) {
	recs, err := dbconn.Do(ctx, s.layer.DB(), dbconn.Medium, "find entries for reanalysis", func(ctx context.Context, st *storage.Store) ([]storage.Record, error) {
		return st.FindMany(ctx, storage.ModelEntry, storage.Query{Where: storage.Filter{"user_id": userID}, OrderBy: "date"})
	})
	if err != nil {
		return "", 0, err
	}
	if len(recs) == 0 {
		return "", 0, invalid("user %s has no entries", userID)
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.String("id"))
	}
	jobID, err := s.queue.AddBatchAnalysisJob(ctx, ids, jobs.BatchOptions{Force: true})
	if err != nil {
		return "", 0, fmt.Errorf("queueing reanalysis: %w", err)
	}
	return jobID, len(ids), nil
}

// Totals counts the rows of every model across all users.
func (s *Service) Totals(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, m := range storage.Models() {
		n, err := s.layer.Count(ctx, m, nil)
		if err != nil {
			return nil, err
		}
		out[m] = n
	}
	return out, nil
}
