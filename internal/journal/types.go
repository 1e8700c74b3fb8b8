package journal

import (
	"encoding/json"
	"time"

	"github.com/kalambet/worklog/internal/storage"
)

type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Provider  string `json:"provider,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Entry is one day of a user's journal.
type Entry struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Date       string          `json:"date"`
	Content    string          `json:"content"`
	Sentiment  *float64        `json:"sentiment,omitempty"`
	Analysis   json.RawMessage `json:"analysis,omitempty"`
	AnalyzedAt string          `json:"analyzed_at,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

// EntryResult is returned by writes that queue an analysis job.
type EntryResult struct {
	Entry Entry  `json:"entry"`
	JobID string `json:"job_id,omitempty"`
}

type Project struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Status        string `json:"status"`
	Mentions      int64  `json:"mentions"`
	LastMentioned string `json:"last_mentioned,omitempty"`
}

type Skill struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Category      string `json:"category,omitempty"`
	Mentions      int64  `json:"mentions"`
	LastMentioned string `json:"last_mentioned,omitempty"`
}

type Competency struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Level         string `json:"level,omitempty"`
	EvidenceCount int64  `json:"evidence_count"`
	LastMentioned string `json:"last_mentioned,omitempty"`
}

// Dashboard aggregates a user's journal over a timeframe.
type Dashboard struct {
	Timeframe        string       `json:"timeframe"`
	From             string       `json:"from"`
	TotalEntries     int64        `json:"total_entries"`
	EntryCount       int64        `json:"entry_count"`
	AverageSentiment *float64     `json:"average_sentiment,omitempty"`
	TopProjects      []Project    `json:"top_projects"`
	TopSkills        []Skill      `json:"top_skills"`
	Competencies     []Competency `json:"competencies"`
	GeneratedAt      time.Time    `json:"generated_at"`
}

type SentimentPoint struct {
	Date      string  `json:"date"`
	Sentiment float64 `json:"sentiment"`
}

// Mention counts how many entries in a period named an item.
type Mention struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Insights summarizes the analyzed entries of a period.
type Insights struct {
	Period           string           `json:"period"`
	From             string           `json:"from"`
	Entries          int              `json:"entries"`
	Analyzed         int              `json:"analyzed"`
	AverageSentiment *float64         `json:"average_sentiment,omitempty"`
	Trend            []SentimentPoint `json:"trend"`
	TopProjects      []Mention        `json:"top_projects"`
	TopSkills        []Mention        `json:"top_skills"`
	TopCompetencies  []Mention        `json:"top_competencies"`
	Summaries        []string         `json:"summaries"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

func toUser(r storage.Record) User {
	return User{
		ID:        r.String("id"),
		Email:     r.String("email"),
		Name:      r.String("name"),
		Provider:  r.String("provider"),
		CreatedAt: r.String("created_at"),
		UpdatedAt: r.String("updated_at"),
	}
}

func toEntry(r storage.Record) Entry {
	e := Entry{
		ID:         r.String("id"),
		UserID:     r.String("user_id"),
		Date:       r.String("date"),
		Content:    r.String("content"),
		AnalyzedAt: r.String("analyzed_at"),
		CreatedAt:  r.String("created_at"),
		UpdatedAt:  r.String("updated_at"),
	}
	if r["sentiment"] != nil {
		s := r.Float("sentiment")
		e.Sentiment = &s
	}
	if a := r.String("analysis"); a != "" && json.Valid([]byte(a)) {
		e.Analysis = json.RawMessage(a)
	}
	return e
}

func toProject(r storage.Record) Project {
	return Project{
		ID:            r.String("id"),
		Name:          r.String("name"),
		Description:   r.String("description"),
		Status:        r.String("status"),
		Mentions:      r.Int("mentions"),
		LastMentioned: r.String("last_mentioned"),
	}
}

func toSkill(r storage.Record) Skill {
	return Skill{
		ID:            r.String("id"),
		Name:          r.String("name"),
		Category:      r.String("category"),
		Mentions:      r.Int("mentions"),
		LastMentioned: r.String("last_mentioned"),
	}
}

func toCompetency(r storage.Record) Competency {
	return Competency{
		ID:            r.String("id"),
		Name:          r.String("name"),
		Level:         r.String("level"),
		EvidenceCount: r.Int("evidence_count"),
		LastMentioned: r.String("last_mentioned"),
	}
}

func convert[T any](recs []storage.Record, f func(storage.Record) T) []T {
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		out = append(out, f(r))
	}
	return out
}
