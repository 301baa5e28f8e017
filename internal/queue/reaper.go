package queue

import (
	"context"
	"log/slog"
	"time"
)

// Start launches the reaper that evicts expired terminal jobs. It returns
// immediately; the reaper runs until Stop is called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.reaperOnce.Do(func() {
		m.logger.Info("Starting job reaper",
			slog.Duration("retention", m.cfg.Retention),
			slog.Duration("interval", m.cfg.ReapInterval),
		)
		go m.reapLoop(ctx)
	})
}

func (m *Manager) reapLoop(ctx context.Context) {
	defer close(m.reaperDone)

	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reaperStop:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap removes every job that has been terminal for at least the retention window
func (m *Manager) reap() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, e := range m.jobs {
		completedAt, ok := e.job.CompletedAt()
		if !ok || now.Sub(completedAt) < m.cfg.Retention {
			continue
		}
		delete(m.jobs, id)
		evicted++
	}

	if evicted > 0 {
		m.logger.Debug("Evicted expired jobs",
			slog.Int("evicted", evicted),
			slog.Int("remaining", len(m.jobs)),
		)
	}
	return evicted
}

// Stop refuses new submissions, cancels queued jobs, asks processing jobs to
// stop at their next item boundary and waits for them until ctx ends. The
// rate limiter registry is closed afterwards either way.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true

	now := m.now()
	for _, e := range m.pending {
		_ = e.job.Cancel(now)
	}
	cancelledQueued := len(m.pending)
	m.pending = nil

	for _, e := range m.jobs {
		e.job.RequestCancel()
	}
	processing := m.processing
	m.mu.Unlock()

	m.logger.Info("Stopping queue manager",
		slog.Int("cancelled_queued", cancelledQueued),
		slog.Int("processing_jobs", processing),
	)

	m.baseCancel()
	m.stopReaper()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		m.logger.Info("Queue manager stopped")
	case <-ctx.Done():
		err = ctx.Err()
		m.logger.Warn("Timed out waiting for running jobs",
			slog.String("error", err.Error()),
		)
	}

	if m.limiters != nil {
		m.limiters.Close()
	}
	return err
}

func (m *Manager) stopReaper() {
	// a reaper that was never started has nothing to wait for
	m.reaperOnce.Do(func() { close(m.reaperDone) })
	close(m.reaperStop)
	<-m.reaperDone
}
