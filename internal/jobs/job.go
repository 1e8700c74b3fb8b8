// Package jobs is the in-process queue that runs entry analysis in the
// background. Jobs run one at a time; each job's state is mirrored to the
// cache so clients can poll it.
package jobs

import (
	"context"
	"encoding/json"
	"time"
)

type Type string

const (
	TypeSingle Type = "single-entry-analysis"
	TypeBatch  Type = "batch-analysis"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
	// StatusNotFound is reported by Queue.Status when no mirror exists.
	StatusNotFound Status = "not_found"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Options controls a single-entry job. Zero fields take queue defaults.
type Options struct {
	Priority   Priority      `json:"priority"`
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`
	// Force makes the analyzer ignore cached extractions.
	Force bool `json:"force,omitempty"`
}

// BatchOptions controls a batch job. Zero fields take queue defaults.
type BatchOptions struct {
	BatchSize  int
	Priority   Priority
	MaxRetries int
	Timeout    time.Duration
	Force      bool
}

type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Job is one unit of analysis work. The queue owns the in-memory record;
// clients only ever see Snapshots read back from the cache.
type Job struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Status      Status          `json:"status"`
	EntryID     string          `json:"entry_id,omitempty"`
	EntryIDs    []string        `json:"entry_ids,omitempty"`
	BatchSize   int             `json:"batch_size,omitempty"`
	Options     Options         `json:"options"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Progress    *Progress       `json:"progress,omitempty"`
}

func (j *Job) clone() Job {
	c := *j
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	return c
}

// Snapshot is the cache-resident mirror of a job.
type Snapshot struct {
	Job
	MirroredAt time.Time `json:"mirrored_at"`
}

// Stats describes the in-memory queue.
type Stats struct {
	Total      int  `json:"total"`
	Pending    int  `json:"pending"`
	Processing int  `json:"processing"`
	IsActive   bool `json:"is_active"`
}

// AnalyzeOptions is passed through to the Analyzer.
type AnalyzeOptions struct {
	// Force skips the extraction cache.
	Force   bool
	Timeout time.Duration
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is what an Analyzer reports for one entry.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// Analyzer runs the LLM analysis of one entry.
type Analyzer interface {
	Analyze(ctx context.Context, entryID string, opts AnalyzeOptions) (Result, error)
}

// BatchResult is stored as the Result of a batch job.
type BatchResult struct {
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Results    []ItemResult `json:"results"`
	Errors     []ItemError  `json:"errors"`
}

type ItemResult struct {
	EntryID string `json:"entry_id"`
	Result  Result `json:"result"`
}

type ItemError struct {
	EntryID string `json:"entry_id"`
	Error   string `json:"error"`
}
