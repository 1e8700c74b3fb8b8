package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/worklog/internal/cache"
	"github.com/kalambet/worklog/internal/metrics"
)

var (
	// ErrQueueClosed is returned when adding to a queue after Shutdown.
	ErrQueueClosed = errors.New("job queue is shut down")
	// ErrNoEntries is returned for a job with nothing to analyze.
	ErrNoEntries = errors.New("no entries to analyze")
)

const (
	SingleMirrorTTL = 3600 * time.Second
	BatchMirrorTTL  = 7200 * time.Second

	mirrorTimeout = 5 * time.Second
)

// Config tunes the queue. Zero fields take the defaults noted.
type Config struct {
	PollInterval      time.Duration // 5s
	BackoffUnit       time.Duration // retry delay is 2^attempts units, 1s
	ChunkDelay        time.Duration // pause between batch chunks, 2s
	DefaultMaxRetries int           // 3
	DefaultTimeout    time.Duration // per analysis call, 30s
	DefaultBatchSize  int           // 5
	Logger            *slog.Logger
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.ChunkDelay <= 0 {
		c.ChunkDelay = 2 * time.Second
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type timer interface {
	Stop() bool
}

// Queue holds jobs in memory and runs them one at a time. Construct one per
// process with New and share it.
type Queue struct {
	analyzer Analyzer
	cache    cache.Cache
	cfg      Config
	logger   *slog.Logger

	now      func() time.Time
	schedule func(d time.Duration, f func()) timer

	// jobCtx is handed to running jobs; it is cancelled only when Shutdown
	// gives up waiting.
	jobCtx    context.Context
	jobCancel context.CancelFunc

	mu         sync.Mutex
	pending    []*Job
	jobs       map[string]*Job
	processing *Job
	active     bool
	closed     bool
	stop       chan struct{}
	loopDone   chan struct{}
	timers     map[string]timer
}

// New creates an idle Queue. The processing loop starts with the first job.
func New(analyzer Analyzer, c cache.Cache, cfg Config) *Queue {
	cfg.setDefaults()
	jobCtx, cancel := context.WithCancel(context.Background())
	return &Queue{
		analyzer:  analyzer,
		cache:     c,
		cfg:       cfg,
		logger:    cfg.Logger,
		now:       time.Now,
		schedule:  func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		jobCtx:    jobCtx,
		jobCancel: cancel,
		jobs:      make(map[string]*Job),
		timers:    make(map[string]timer),
	}
}

// AddAnalysisJob queues analysis of one entry and returns the job id.
func (q *Queue) AddAnalysisJob(ctx context.Context, entryID string, opts Options) (string, error) {
	if entryID == "" {
		return "", ErrNoEntries
	}
	return q.add(ctx, &Job{
		Type:    TypeSingle,
		EntryID: entryID,
		Options: q.options(opts),
	})
}

// AddBatchAnalysisJob queues analysis of several entries as one job.
func (q *Queue) AddBatchAnalysisJob(ctx context.Context, entryIDs []string, opts BatchOptions) (string, error) {
	if len(entryIDs) == 0 {
		return "", ErrNoEntries
	}
	size := opts.BatchSize
	if size <= 0 {
		size = q.cfg.DefaultBatchSize
	}
	return q.add(ctx, &Job{
		Type:      TypeBatch,
		EntryIDs:  append([]string(nil), entryIDs...),
		BatchSize: size,
		Options:   q.options(Options{Priority: opts.Priority, MaxRetries: opts.MaxRetries, Timeout: opts.Timeout, Force: opts.Force}),
		Progress:  &Progress{Total: len(entryIDs)},
	})
}

func (q *Queue) options(o Options) Options {
	if o.Priority == "" {
		o.Priority = PriorityNormal
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = q.cfg.DefaultMaxRetries
	}
	if o.Timeout <= 0 {
		o.Timeout = q.cfg.DefaultTimeout
	}
	return o
}

func (q *Queue) add(ctx context.Context, job *Job) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating job id: %w", err)
	}
	job.ID = id.String()
	job.Status = StatusPending
	job.CreatedAt = q.now().UTC()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	if job.Options.Priority == PriorityHigh {
		// Ahead of normal jobs, behind high jobs already waiting.
		at := 0
		for at < len(q.pending) && q.pending[at].Options.Priority == PriorityHigh {
			at++
		}
		q.pending = slices.Insert(q.pending, at, job)
	} else {
		q.pending = append(q.pending, job)
	}
	q.jobs[job.ID] = job
	snap := job.clone()
	depth := len(q.jobs)
	q.mu.Unlock()

	metrics.JobEnqueued(string(job.Type))
	metrics.SetQueueDepth(depth)
	// The job exists from here on, so its first mirror must land even if
	// the caller's context is already done.
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	q.mirror(mctx, snap)
	cancel()
	q.ensureRunning()

	q.logger.Debug("job queued", "job_id", job.ID, "type", job.Type, "priority", job.Options.Priority)
	return job.ID, nil
}

func (q *Queue) ensureRunning() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active || q.closed {
		return
	}
	q.active = true
	q.stop = make(chan struct{})
	q.loopDone = make(chan struct{})
	go q.loop(q.stop, q.loopDone)
}

// loop runs at most one job per tick until stop is closed.
func (q *Queue) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		q.RunOnce(q.jobCtx)
	}
}

// RunOnce runs the head job to completion, failure or retry. It returns
// false without doing anything if a job is already running or the queue is
// empty.
func (q *Queue) RunOnce(ctx context.Context) bool {
	q.mu.Lock()
	if q.processing != nil || len(q.pending) == 0 {
		q.mu.Unlock()
		return false
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	started := q.now().UTC()
	job.Status = StatusProcessing
	job.StartedAt = &started
	q.processing = job
	snap := job.clone()
	q.mu.Unlock()

	q.mirror(ctx, snap)
	q.logger.Info("job started", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1)

	var (
		result []byte
		err    error
	)
	switch job.Type {
	case TypeBatch:
		result, err = q.runBatch(ctx, job, snap)
	default:
		result, err = q.runSingle(ctx, snap)
	}
	q.finish(ctx, job, result, err)
	return true
}

// finish records the outcome of a run and schedules a retry when allowed.
func (q *Queue) finish(ctx context.Context, job *Job, result []byte, runErr error) {
	q.mu.Lock()
	now := q.now().UTC()
	var backoff time.Duration
	if runErr == nil {
		job.Status = StatusCompleted
		job.CompletedAt = &now
		job.Result = result
		job.LastError = ""
	} else {
		job.Attempts++
		job.LastError = runErr.Error()
		job.FailedAt = &now
		if result != nil {
			job.Result = result
		}
		if job.Attempts < job.Options.MaxRetries {
			job.Status = StatusRetry
			backoff = q.cfg.BackoffUnit << job.Attempts
		} else {
			job.Status = StatusFailed
		}
	}
	q.processing = nil
	snap := job.clone()
	_, tracked := q.jobs[job.ID]
	q.mu.Unlock()

	var took time.Duration
	if snap.StartedAt != nil {
		took = now.Sub(*snap.StartedAt)
	}
	metrics.JobFinished(string(snap.Type), string(snap.Status), took)
	q.mirror(ctx, snap)

	switch snap.Status {
	case StatusCompleted:
		q.logger.Info("job completed", "job_id", snap.ID, "duration", took)
	case StatusRetry:
		q.logger.Warn("job failed, will retry",
			"job_id", snap.ID, "attempts", snap.Attempts, "backoff", backoff, "error", runErr)
		if tracked {
			q.scheduleRetry(snap.ID, backoff)
		}
	case StatusFailed:
		q.logger.Error("job failed permanently", "job_id", snap.ID, "attempts", snap.Attempts, "error", runErr)
	}
}

func (q *Queue) scheduleRetry(id string, backoff time.Duration) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}
	t := q.schedule(backoff, func() { q.requeue(id) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[id]; ok && job.Status == StatusRetry {
		q.timers[id] = t
	}
}

// requeue puts a retrying job back at the front of the queue.
func (q *Queue) requeue(id string) {
	q.mu.Lock()
	delete(q.timers, id)
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusRetry {
		q.mu.Unlock()
		return
	}
	job.Status = StatusPending
	q.pending = append([]*Job{job}, q.pending...)
	snap := job.clone()
	q.mu.Unlock()

	q.mirror(q.jobCtx, snap)
}

// mirror writes the job snapshot to the cache. Failures are logged only.
func (q *Queue) mirror(ctx context.Context, job Job) {
	ttl := SingleMirrorTTL
	if job.Type == TypeBatch {
		ttl = BatchMirrorTTL
	}
	snap := Snapshot{Job: job, MirroredAt: q.now().UTC()}
	if err := q.cache.Set(ctx, cache.JobKey(job.ID), snap, ttl); err != nil && !errors.Is(err, cache.ErrNotConfigured) {
		q.logger.Warn("writing job mirror failed", "job_id", job.ID, "error", err)
	}
}

// Status reads the job's cache mirror. The in-memory queue is never
// consulted: a job whose mirror is missing or expired reports not_found.
func (q *Queue) Status(ctx context.Context, id string) (Snapshot, error) {
	var snap Snapshot
	found, err := q.cache.Get(ctx, cache.JobKey(id), &snap)
	switch {
	case errors.Is(err, cache.ErrUnavailable):
		q.logger.Warn("reading job mirror failed", "job_id", id, "error", err)
	case errors.Is(err, cache.ErrNotConfigured):
	case err != nil:
		return Snapshot{}, fmt.Errorf("reading job %s: %w", id, err)
	case found:
		return snap, nil
	}
	return Snapshot{Job: Job{ID: id, Status: StatusNotFound}}, nil
}

// Stats describes the in-memory queue only.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Total: len(q.jobs), Pending: len(q.pending), IsActive: q.active}
	if q.processing != nil {
		s.Processing = 1
	}
	return s
}

// ClearCompleted drops completed and permanently failed jobs from memory.
// Their cache mirrors are left to expire.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, job := range q.jobs {
		if job.Status.Terminal() {
			delete(q.jobs, id)
			n++
		}
	}
	metrics.SetQueueDepth(len(q.jobs))
	return n
}

// EmergencyStop halts the loop, cancels pending retries and discards every
// in-memory job. A job already running is not interrupted. Mirrors are not
// touched. Returns the number of jobs discarded.
func (q *Queue) EmergencyStop() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active {
		close(q.stop)
		q.active = false
	}
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	n := len(q.jobs)
	q.jobs = make(map[string]*Job)
	q.pending = nil
	metrics.SetQueueDepth(0)
	q.logger.Warn("job queue emergency stop", "discarded", n)
	return n
}

// Shutdown stops the loop and refuses new jobs, then waits for a running job
// to finish. If ctx ends first the running job's context is cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	var done chan struct{}
	if q.active {
		close(q.stop)
		q.active = false
		done = q.loopDone
	}
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.jobCancel()
		return ctx.Err()
	}
}
