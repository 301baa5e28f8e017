package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrLimiterClosed is returned for tasks that were still queued when the limiter shut down
var ErrLimiterClosed = errors.New("rate limiter closed")

// DownstreamError wraps a failure returned by the task itself
type DownstreamError struct {
	Service string
	Err     error
}

func (e *DownstreamError) Error() string {
	return e.Service + ": " + e.Err.Error()
}

func (e *DownstreamError) Unwrap() error {
	return e.Err
}

// Config describes the limits for one downstream service
type Config struct {
	Service           string
	RequestsPerWindow int
	Window            time.Duration
	MaxConcurrent     int
}

// Validate checks that every limit is positive
func (c Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("service name is required")
	}
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("%s: requests_per_window must be greater than 0", c.Service)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%s: window must be greater than 0", c.Service)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("%s: max_concurrent must be greater than 0", c.Service)
	}
	return nil
}

// Status is a read-only view of a limiter
type Status struct {
	Service                 string    `json:"service"`
	QueueDepth              int       `json:"queue_depth"`
	InFlight                int       `json:"in_flight"`
	RequestsInCurrentWindow int       `json:"requests_in_current_window"`
	RequestsPerWindow       int       `json:"requests_per_window"`
	MaxConcurrent           int       `json:"max_concurrent"`
	NextAvailableSlotETA    time.Time `json:"next_available_slot_eta"`
}

// Task is a single downstream call
type Task func(ctx context.Context) error

type waiter struct {
	ready    chan struct{}
	admitted bool
	err      error
}

// RateLimiter admits tasks in FIFO order while keeping at most MaxConcurrent
// in flight and at most RequestsPerWindow admissions inside any window of
// length Window.
type RateLimiter struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	queue    []*waiter
	inFlight int
	// admissions holds the times of admissions still inside the window, oldest first
	admissions []time.Time
	timer      *time.Timer
	closed     bool
}

// New creates a limiter, replacing non-positive limits with 1
func New(cfg Config, logger *slog.Logger) *RateLimiter {
	if cfg.MaxConcurrent <= 0 {
		logger.Warn("Invalid max_concurrent for rate limiter, using default",
			slog.String("service", cfg.Service),
			slog.Int("specified", cfg.MaxConcurrent),
			slog.Int("default", 1),
		)
		cfg.MaxConcurrent = 1
	}
	if cfg.RequestsPerWindow <= 0 {
		logger.Warn("Invalid requests_per_window for rate limiter, using default",
			slog.String("service", cfg.Service),
			slog.Int("specified", cfg.RequestsPerWindow),
			slog.Int("default", 1),
		)
		cfg.RequestsPerWindow = 1
	}
	if cfg.Window <= 0 {
		logger.Warn("Invalid window for rate limiter, using default",
			slog.String("service", cfg.Service),
			slog.Duration("specified", cfg.Window),
			slog.Duration("default", time.Second),
		)
		cfg.Window = time.Second
	}

	return &RateLimiter{
		cfg:        cfg,
		logger:     logger.With(slog.String("service", cfg.Service)),
		now:        time.Now,
		admissions: make([]time.Time, 0, cfg.RequestsPerWindow),
	}
}

// Config returns the limits the limiter was built with
func (l *RateLimiter) Config() Config {
	return l.cfg
}

// Submit waits for admission and runs task.
//
// A task error is returned as *DownstreamError. If the limiter is closed
// before the task is admitted, ErrLimiterClosed is returned; if ctx ends
// first, ctx.Err() is returned. In both cases the task never runs.
func (l *RateLimiter) Submit(ctx context.Context, task Task) error {
	w := &waiter{ready: make(chan struct{})}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLimiterClosed
	}
	l.queue = append(l.queue, w)
	l.dispatchLocked()
	l.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		l.mu.Lock()
		switch {
		case w.err != nil:
		case w.admitted:
			// admitted while we were giving up; hand the slot back
			l.inFlight--
			l.dispatchLocked()
			l.mu.Unlock()
			return ctx.Err()
		default:
			l.removeLocked(w)
			l.mu.Unlock()
			return ctx.Err()
		}
		l.mu.Unlock()
	}

	if w.err != nil {
		return w.err
	}
	defer l.release()

	if err := task(ctx); err != nil {
		return &DownstreamError{Service: l.cfg.Service, Err: err}
	}
	return nil
}

func (l *RateLimiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inFlight--
	l.dispatchLocked()
}

// dispatchLocked admits queued tasks from the head while both budgets allow.
// When the window budget is the blocker, a timer is armed for the moment the
// oldest admission leaves the window.
func (l *RateLimiter) dispatchLocked() {
	if l.closed {
		return
	}

	now := l.now()
	l.pruneLocked(now)

	for len(l.queue) > 0 && l.inFlight < l.cfg.MaxConcurrent {
		if len(l.admissions) >= l.cfg.RequestsPerWindow {
			l.armTimerLocked(l.admissions[0].Add(l.cfg.Window).Sub(now))
			return
		}

		w := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]

		w.admitted = true
		l.inFlight++
		l.admissions = append(l.admissions, now)
		close(w.ready)
	}
}

func (l *RateLimiter) pruneLocked(now time.Time) {
	drop := 0
	for drop < len(l.admissions) && !now.Before(l.admissions[drop].Add(l.cfg.Window)) {
		drop++
	}
	if drop > 0 {
		l.admissions = append(l.admissions[:0], l.admissions[drop:]...)
	}
}

func (l *RateLimiter) armTimerLocked(d time.Duration) {
	if l.timer == nil {
		l.timer = time.AfterFunc(d, l.onWindowRoll)
		return
	}
	l.timer.Stop()
	l.timer.Reset(d)
}

func (l *RateLimiter) onWindowRoll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.Debug("Rate limit window rolled over",
		slog.Int("queue_depth", len(l.queue)),
	)
	l.dispatchLocked()
}

func (l *RateLimiter) removeLocked(w *waiter) {
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

// Status reports queue depth, in-flight count, window usage and when the head
// of the queue can next be admitted. It does not change limiter state.
func (l *RateLimiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var oldest time.Time
	inWindow := 0
	for _, at := range l.admissions {
		if now.Before(at.Add(l.cfg.Window)) {
			if inWindow == 0 {
				oldest = at
			}
			inWindow++
		}
	}

	eta := now
	if len(l.queue) > 0 && inWindow >= l.cfg.RequestsPerWindow {
		eta = oldest.Add(l.cfg.Window)
	}

	return Status{
		Service:                 l.cfg.Service,
		QueueDepth:              len(l.queue),
		InFlight:                l.inFlight,
		RequestsInCurrentWindow: inWindow,
		RequestsPerWindow:       l.cfg.RequestsPerWindow,
		MaxConcurrent:           l.cfg.MaxConcurrent,
		NextAvailableSlotETA:    eta,
	}
}

// Close fails every queued task with ErrLimiterClosed. Tasks already running
// are left to finish.
func (l *RateLimiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
	}

	for _, w := range l.queue {
		w.err = ErrLimiterClosed
		close(w.ready)
	}
	if len(l.queue) > 0 {
		l.logger.Info("Rate limiter closed with pending tasks",
			slog.Int("cancelled", len(l.queue)),
		)
	}
	l.queue = nil
}
