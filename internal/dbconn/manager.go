// Package dbconn owns the process's single store handle: lazy connect with
// bounded retry, per-operation deadlines and a memoized health probe.
package dbconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/worklog/internal/metrics"
	"github.com/kalambet/worklog/internal/storage"
)

// OpClass selects the deadline applied to an operation.
type OpClass int

const (
	// Short covers point reads and writes.
	Short OpClass = iota
	// Medium covers dashboard aggregates.
	Medium
	// Long covers export and document generation.
	Long
)

func (c OpClass) String() string {
	switch c {
	case Short:
		return "short"
	case Medium:
		return "medium"
	case Long:
		return "long"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Opener opens a fresh store handle.
type Opener func(ctx context.Context) (*storage.Store, error)

// Options tunes the manager. Zero fields take the defaults noted.
type Options struct {
	MaxRetries     int           // connect attempts before giving up, 3
	RetryDelay     time.Duration // between connect attempts, 1s
	ConnectWait    time.Duration // wait budget for an in-flight attempt, 5s
	ConnectPoll    time.Duration // poll interval while waiting, 100ms
	ExecRetryDelay time.Duration // before the single connection-class retry, 1s
	HealthTTL      time.Duration // health probe memo window, 10s

	ShortTimeout  time.Duration // 5s
	MediumTimeout time.Duration // 15s
	LongTimeout   time.Duration // 30s

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.ConnectWait <= 0 {
		o.ConnectWait = 5 * time.Second
	}
	if o.ConnectPoll <= 0 {
		o.ConnectPoll = 100 * time.Millisecond
	}
	if o.ExecRetryDelay <= 0 {
		o.ExecRetryDelay = time.Second
	}
	if o.HealthTTL <= 0 {
		o.HealthTTL = 10 * time.Second
	}
	if o.ShortTimeout <= 0 {
		o.ShortTimeout = 5 * time.Second
	}
	if o.MediumTimeout <= 0 {
		o.MediumTimeout = 15 * time.Second
	}
	if o.LongTimeout <= 0 {
		o.LongTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Health is the result of a connectivity probe.
type Health struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Stats is a snapshot of the manager's connection state.
type Stats struct {
	Connected       bool   `json:"connected"`
	Connecting      bool   `json:"connecting"`
	RetryCount      int    `json:"retry_count"`
	LastHealthCheck Health `json:"last_health_check"`
}

// Manager hands out the shared store handle and runs operations against it.
// One Manager exists per process; construct it in main and pass it down.
type Manager struct {
	open   Opener
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	store      *storage.Store
	connected  bool
	connecting bool
	retryCount int
	health     Health
	closed     bool
	inflight   sync.WaitGroup
}

// New creates a Manager. No connection is made until first use.
func New(open Opener, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		open:   open,
		opts:   opts,
		logger: opts.Logger,
		now:    time.Now,
	}
}

// Connect returns the live store handle, establishing it if needed.
func (m *Manager) Connect(ctx context.Context) (*storage.Store, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.connected && m.store != nil {
		s := m.store
		m.mu.Unlock()
		return s, nil
	}
	if m.connecting {
		m.mu.Unlock()
		return m.waitForConnect(ctx)
	}
	m.connecting = true
	current := m.store
	m.mu.Unlock()

	store, err := m.dial(ctx, current)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connecting = false
	if err != nil {
		// Re-initialize wholesale: the next Connect opens a new handle.
		m.store = nil
		m.connected = false
		return nil, err
	}
	if m.closed {
		store.Close()
		return nil, ErrClosed
	}
	m.store = store
	m.connected = true
	m.retryCount = 0
	return store, nil
}

// dial pings current (if any) or opens a new handle, up to MaxRetries attempts.
func (m *Manager) dial(ctx context.Context, current *storage.Store) (*storage.Store, error) {
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		if current != nil {
			if lastErr = current.Ping(ctx); lastErr == nil {
				return current, nil
			}
			m.logger.Warn("store ping failed, reopening", "error", lastErr)
			current.Close()
			current = nil
		} else {
			s, err := m.open(ctx)
			if err == nil {
				if attempt > 1 {
					m.logger.Info("store connected", "attempt", attempt)
				}
				return s, nil
			}
			lastErr = err
		}

		metrics.StoreConnectFailure()
		m.mu.Lock()
		m.retryCount++
		m.mu.Unlock()
		m.logger.Warn("store connect attempt failed",
			"attempt", attempt, "max_retries", m.opts.MaxRetries, "error", lastErr)

		if attempt == m.opts.MaxRetries {
			break
		}
		if err := sleep(ctx, m.opts.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}
	if current != nil {
		current.Close()
	}
	return nil, &ConnectionError{Attempts: m.opts.MaxRetries, Err: lastErr}
}

func (m *Manager) waitForConnect(ctx context.Context) (*storage.Store, error) {
	ticker := time.NewTicker(m.opts.ConnectPoll)
	defer ticker.Stop()
	deadline := time.NewTimer(m.opts.ConnectWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrConnectTimeout
		case <-ticker.C:
		}

		m.mu.Lock()
		connected, connecting, s := m.connected, m.connecting, m.store
		m.mu.Unlock()
		if connected && s != nil {
			return s, nil
		}
		if !connecting {
			return nil, &ConnectionError{Attempts: m.opts.MaxRetries, Err: errors.New("concurrent connection attempt failed")}
		}
	}
}

// Execute runs op against the store under the deadline for class.
func (m *Manager) Execute(ctx context.Context, class OpClass, label string, op func(ctx context.Context, s *storage.Store) error) error {
	_, err := Do(ctx, m, class, label, func(ctx context.Context, s *storage.Store) (struct{}, error) {
		return struct{}{}, op(ctx, s)
	})
	return err
}

// Do runs op under the deadline for class and returns its value. A
// connection-class failure is retried once after marking the connection
// stale; any other failure is returned immediately. Errors are always
// *OperationError carrying label.
func Do[T any](ctx context.Context, m *Manager, class OpClass, label string, op func(ctx context.Context, s *storage.Store) (T, error)) (T, error) {
	var zero T
	if !m.acquire() {
		return zero, &OperationError{Label: label, Class: class, Err: ErrClosed}
	}
	defer m.inflight.Done()

	start := time.Now()
	v, err := attempt(ctx, m, class, op)
	if err != nil && IsConnectionError(err) && ctx.Err() == nil {
		m.logger.Warn("connection-class error, retrying once",
			"op", label, "class", class.String(), "error", err)
		metrics.StoreRetry()
		m.markStale()
		if serr := sleep(ctx, m.opts.ExecRetryDelay); serr == nil {
			v, err = attempt(ctx, m, class, op)
		}
	}
	metrics.ObserveStoreOp(class.String(), err, time.Since(start))
	if err != nil {
		return zero, &OperationError{Label: label, Class: class, Err: err}
	}
	return v, nil
}

type outcome[T any] struct {
	v   T
	err error
}

// attempt races op against its class deadline. On timeout the op goroutine
// is abandoned; it still sees the expired context.
func attempt[T any](ctx context.Context, m *Manager, class OpClass, op func(ctx context.Context, s *storage.Store) (T, error)) (T, error) {
	var zero T
	store, err := m.Connect(ctx)
	if err != nil {
		return zero, err
	}

	timeout := m.timeout(class)
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := op(opCtx, store)
		done <- outcome[T]{v: v, err: err}
	}()

	select {
	case out := <-done:
		return out.v, out.err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrOperationTimeout, timeout)
	}
}

func (m *Manager) timeout(class OpClass) time.Duration {
	switch class {
	case Medium:
		return m.opts.MediumTimeout
	case Long:
		return m.opts.LongTimeout
	default:
		return m.opts.ShortTimeout
	}
}

func (m *Manager) acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.inflight.Add(1)
	return true
}

func (m *Manager) markStale() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

// HealthCheck probes the store with SELECT 1. Results are memoized for
// HealthTTL.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	m.mu.Lock()
	if !m.health.Timestamp.IsZero() && m.now().Sub(m.health.Timestamp) < m.opts.HealthTTL {
		h := m.health
		m.mu.Unlock()
		return h
	}
	m.mu.Unlock()

	err := m.Execute(ctx, Short, "health check", func(ctx context.Context, s *storage.Store) error {
		var one int
		return s.DB().QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
	h := Health{Status: "healthy", Timestamp: m.now()}
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
	}

	m.mu.Lock()
	m.health = h
	m.mu.Unlock()
	return h
}

// Stats returns a snapshot of the connection state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Connected:       m.connected,
		Connecting:      m.connecting,
		RetryCount:      m.retryCount,
		LastHealthCheck: m.health,
	}
}

// Close stops accepting operations, waits for in-flight ones until ctx is
// done, then closes the store handle.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		m.logger.Warn("closing store with operations still in flight")
	}

	m.mu.Lock()
	s := m.store
	m.store = nil
	m.connected = false
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
