package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func (q *Queue) analyze(ctx context.Context, entryID string, opts Options) (Result, error) {
	actx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	res, err := q.analyzer.Analyze(actx, entryID, AnalyzeOptions{Force: opts.Force, Timeout: opts.Timeout})
	if err != nil {
		return res, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "analysis reported failure"
		}
		return res, errors.New(msg)
	}
	return res, nil
}

func (q *Queue) runSingle(ctx context.Context, job Job) ([]byte, error) {
	res, err := q.analyze(ctx, job.EntryID, job.Options)
	if err != nil {
		return nil, fmt.Errorf("analyzing entry %s: %w", job.EntryID, err)
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return out, nil
}

// runBatch analyzes the job's entries chunk by chunk. Items within a chunk
// run concurrently and may fail individually without failing the batch.
// The queue pauses ChunkDelay after each chunk finishes before starting
// the next one.
func (q *Queue) runBatch(ctx context.Context, job *Job, snap Job) ([]byte, error) {
	var (
		mu  sync.Mutex
		out = BatchResult{Results: []ItemResult{}, Errors: []ItemError{}}
	)

	q.mu.Lock()
	job.Progress.Completed = 0
	q.mu.Unlock()

	ids := snap.EntryIDs
	for start := 0; start < len(ids); start += snap.BatchSize {
		end := min(start+snap.BatchSize, len(ids))
		if start > 0 {
			if err := pause(ctx, q.cfg.ChunkDelay); err != nil {
				return encodeBatch(out), fmt.Errorf("batch interrupted after %d of %d entries: %w", start, len(ids), err)
			}
		}

		var g errgroup.Group
		for _, id := range ids[start:end] {
			g.Go(func() error {
				res, err := q.analyze(ctx, id, snap.Options)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					out.Failed++
					out.Errors = append(out.Errors, ItemError{EntryID: id, Error: err.Error()})
					return nil
				}
				out.Successful++
				out.Results = append(out.Results, ItemResult{EntryID: id, Result: res})
				return nil
			})
		}
		g.Wait()

		q.mu.Lock()
		job.Progress.Completed = end
		progress := job.clone()
		q.mu.Unlock()
		q.mirror(ctx, progress)

		q.logger.Debug("batch chunk done", "job_id", snap.ID, "completed", end, "total", len(ids))
	}
	return encodeBatch(out), nil
}

// pause blocks for d or until ctx is done. A limiter whose only token is
// spent makes Wait cover the whole interval.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	l := rate.NewLimiter(rate.Every(d), 1)
	l.Allow()
	return l.Wait(ctx)
}

func encodeBatch(r BatchResult) []byte {
	b, _ := json.Marshal(r)
	return b
}
