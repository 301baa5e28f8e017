package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/tab-importer/internal/domain"
	"github.com/cuongbtq/tab-importer/internal/ratelimit"
	"github.com/google/uuid"
)

const (
	DefaultMaxConcurrentJobs = 2
	DefaultRetention         = time.Hour
	DefaultReapInterval      = time.Minute
)

// ErrStopped is returned by Submit once the manager has begun shutting down
var ErrStopped = errors.New("queue manager stopped")

// JobRunner processes every item of a job that the manager has already
// moved to processing, and leaves it in a terminal phase. ctx is cancelled
// when the job is cancelled or the manager stops.
type JobRunner interface {
	Run(ctx context.Context, job *domain.Job)
}

// Config holds queue manager configuration
type Config struct {
	MaxConcurrentJobs int
	Retention         time.Duration
	ReapInterval      time.Duration
}

// Status is the queue-wide view returned by GetQueueStatus. ProcessingJobs
// counts jobs whose phase is processing; a job that has reached its final
// phase is not counted even while its worker slot is being released.
type Status struct {
	QueuedJobs        int                         `json:"queued_jobs"`
	ProcessingJobs    int                         `json:"processing_jobs"`
	MaxConcurrentJobs int                         `json:"max_concurrent_jobs"`
	RateLimits        map[string]ratelimit.Status `json:"rate_limits"`
}

type entry struct {
	job    *domain.Job
	seq    uint64
	cancel context.CancelFunc
}

// Manager owns every live job. It admits queued jobs in submission order
// while fewer than MaxConcurrentJobs are processing, and evicts terminal jobs
// once they have been kept for the retention window.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	runner   JobRunner
	limiters *ratelimit.Registry
	now      func() time.Time
	newID    func() string

	mu         sync.RWMutex
	jobs       map[string]*entry
	pending    []*entry
	processing int
	seq        uint64
	stopped    bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	reaperOnce sync.Once
	reaperStop chan struct{}
	reaperDone chan struct{}
}

// NewManager creates a manager. Non-positive settings fall back to defaults.
func NewManager(cfg Config, runner JobRunner, limiters *ratelimit.Registry, logger *slog.Logger) *Manager {
	if cfg.MaxConcurrentJobs <= 0 {
		logger.Warn("Invalid max_concurrent_jobs, using default",
			slog.Int("specified", cfg.MaxConcurrentJobs),
			slog.Int("default", DefaultMaxConcurrentJobs),
		)
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		runner:     runner,
		limiters:   limiters,
		now:        time.Now,
		newID:      uuid.NewString,
		jobs:       make(map[string]*entry),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
}

// Submit registers a new queued job and returns its id without waiting for
// it to run. Jobs are started right away while worker slots are free.
func (m *Manager) Submit(ownerID string, items []domain.Tab) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return "", ErrStopped
	}

	id := m.newID()
	job, err := domain.NewJob(id, ownerID, items, m.now())
	if err != nil {
		return "", err
	}

	m.seq++
	e := &entry{job: job, seq: m.seq}
	m.jobs[id] = e
	m.pending = append(m.pending, e)

	m.logger.Info("Job submitted",
		slog.String("job_id", id),
		slog.String("owner_id", ownerID),
		slog.Int("items", len(items)),
		slog.Int("queue_position", len(m.pending)),
	)

	m.admitLocked()
	return id, nil
}

// admitLocked starts queued jobs, oldest first, until every slot is taken
func (m *Manager) admitLocked() {
	for !m.stopped && m.processing < m.cfg.MaxConcurrentJobs && len(m.pending) > 0 {
		e := m.pending[0]
		m.pending[0] = nil
		m.pending = m.pending[1:]

		if err := e.job.Start(m.now()); err != nil {
			m.logger.Warn("Skipping job that cannot start",
				slog.String("job_id", e.job.ID()),
				slog.String("error", err.Error()),
			)
			continue
		}

		ctx, cancel := context.WithCancel(m.baseCtx)
		e.cancel = cancel
		m.processing++
		m.wg.Add(1)

		m.logger.Info("Job started",
			slog.String("job_id", e.job.ID()),
			slog.Int("processing_jobs", m.processing),
		)
		go m.runJob(ctx, e)
	}
}

func (m *Manager) runJob(ctx context.Context, e *entry) {
	defer m.wg.Done()
	defer e.cancel()

	m.runner.Run(ctx, e.job)

	if !e.job.Phase().IsTerminal() {
		m.logger.Warn("Runner returned before job finished, cancelling",
			slog.String("job_id", e.job.ID()),
		)
		_ = e.job.Cancel(m.now())
	}

	m.mu.Lock()
	m.processing--
	m.admitLocked()
	m.mu.Unlock()

	snap := e.job.Snapshot()
	m.logger.Info("Job finished",
		slog.String("job_id", snap.ID),
		slog.String("phase", string(snap.Phase)),
		slog.Int("processed", snap.ProcessedCount),
		slog.Int("failed", snap.FailedCount),
		slog.Int("total", snap.TotalCount),
	)
}

// GetJobStatus returns a snapshot of one job
func (m *Manager) GetJobStatus(jobID string) (domain.Snapshot, error) {
	m.mu.RLock()
	e, ok := m.jobs[jobID]
	m.mu.RUnlock()

	if !ok {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return e.job.Snapshot(), nil
}

// GetJobsForOwner returns snapshots of the owner's live jobs in submission order
func (m *Manager) GetJobsForOwner(ownerID string) []domain.Snapshot {
	m.mu.RLock()
	owned := make([]*entry, 0)
	for _, e := range m.jobs {
		if e.job.OwnerID() == ownerID {
			owned = append(owned, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool { return owned[i].seq < owned[j].seq })

	snaps := make([]domain.Snapshot, len(owned))
	for i, e := range owned {
		snaps[i] = e.job.Snapshot()
	}
	return snaps
}

// Cancel stops a job. A queued job is cancelled at once and never started;
// a processing job is asked to stop before its next item. It returns false
// for unknown or terminal jobs.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[jobID]
	if !ok {
		return false
	}

	switch e.job.Phase() {
	case domain.PhaseQueued:
		m.removePendingLocked(e)
		if err := e.job.Cancel(m.now()); err != nil {
			return false
		}
		m.logger.Info("Queued job cancelled",
			slog.String("job_id", jobID),
		)
		return true

	case domain.PhaseProcessing:
		if !e.job.RequestCancel() {
			return false
		}
		e.cancel()
		m.logger.Info("Cancellation requested for processing job",
			slog.String("job_id", jobID),
		)
		return true

	default:
		return false
	}
}

func (m *Manager) removePendingLocked(target *entry) {
	for i, e := range m.pending {
		if e == target {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// GetQueueStatus reports queue counts and the state of every rate limiter
func (m *Manager) GetQueueStatus() Status {
	m.mu.RLock()
	status := Status{
		QueuedJobs:        len(m.pending),
		MaxConcurrentJobs: m.cfg.MaxConcurrentJobs,
	}
	for _, e := range m.jobs {
		if e.job.Phase() == domain.PhaseProcessing {
			status.ProcessingJobs++
		}
	}
	m.mu.RUnlock()

	if m.limiters != nil {
		status.RateLimits = m.limiters.Statuses()
	} else {
		status.RateLimits = map[string]ratelimit.Status{}
	}
	return status
}
