package domain

import (
	"fmt"
	"sync"
	"time"
)

// ItemError records why a single item of a job failed
type ItemError struct {
	ItemIndex int    `json:"item_index"`
	Message   string `json:"message"`
}

// Job is one bulk-import request and its progress.
//
// All mutation goes through the methods below, which hold the job's lock for
// the whole update, so a Snapshot never observes half-applied counters.
type Job struct {
	id          string
	ownerID     string
	items       []Tab
	submittedAt time.Time

	mu              sync.RWMutex
	phase           Phase
	processedCount  int
	failedCount     int
	errors          []ItemError
	startedAt       time.Time
	completedAt     time.Time
	cancelRequested bool
}

// Snapshot is a point-in-time copy of a job, safe to hand to other goroutines
type Snapshot struct {
	ID              string      `json:"job_id"`
	OwnerID         string      `json:"owner_id"`
	Phase           Phase       `json:"phase"`
	TotalCount      int         `json:"total_count"`
	ProcessedCount  int         `json:"processed_count"`
	FailedCount     int         `json:"failed_count"`
	CurrentIndex    int         `json:"current_index"`
	Percent         int         `json:"percent"`
	Errors          []ItemError `json:"errors"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
	SubmittedAt     time.Time   `json:"submitted_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// NewJob creates a queued job. The items slice is copied.
func NewJob(id, ownerID string, items []Tab, submittedAt time.Time) (*Job, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: items must not be empty", ErrInvalidInput)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}

	owned := make([]Tab, len(items))
	copy(owned, items)

	return &Job{
		id:          id,
		ownerID:     ownerID,
		items:       owned,
		submittedAt: submittedAt,
		phase:       PhaseQueued,
		errors:      []ItemError{},
	}, nil
}

func (j *Job) ID() string             { return j.id }
func (j *Job) OwnerID() string        { return j.ownerID }
func (j *Job) SubmittedAt() time.Time { return j.submittedAt }
func (j *Job) TotalCount() int        { return len(j.items) }

// Items returns the job's input. The slice is shared and must not be modified.
func (j *Job) Items() []Tab {
	return j.items
}

// Phase returns the current phase
func (j *Job) Phase() Phase {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.phase
}

// CompletedAt returns when the job entered a terminal phase
func (j *Job) CompletedAt() (time.Time, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.completedAt, !j.completedAt.IsZero()
}

// Start moves a queued job to processing
func (j *Job) Start(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.phase != PhaseQueued {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, j.phase)
	}
	j.phase = PhaseProcessing
	j.startedAt = now
	return nil
}

// RecordSuccess counts one processed item. Counting the last item moves the
// job to its final phase under the same lock, so no snapshot shows every item
// counted while the job is still processing. The phase after the update is
// returned.
func (j *Job) RecordSuccess(now time.Time) (Phase, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkCountableLocked(); err != nil {
		return j.phase, err
	}
	j.processedCount++
	j.finishIfCountedLocked(now)
	return j.phase, nil
}

// RecordFailure counts one failed item and appends it to the error log. Like
// RecordSuccess it finishes the job when this was the last item.
func (j *Job) RecordFailure(itemIndex int, message string, now time.Time) (Phase, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.checkCountableLocked(); err != nil {
		return j.phase, err
	}
	j.failedCount++
	j.errors = append(j.errors, ItemError{ItemIndex: itemIndex, Message: message})
	j.finishIfCountedLocked(now)
	return j.phase, nil
}

func (j *Job) checkCountableLocked() error {
	if j.phase != PhaseProcessing {
		return fmt.Errorf("%w: record item in %s", ErrInvalidTransition, j.phase)
	}
	return nil
}

// finishIfCountedLocked ends the job once every item is counted: failed when
// every item failed, completed otherwise.
func (j *Job) finishIfCountedLocked(now time.Time) {
	if j.processedCount+j.failedCount != len(j.items) {
		return
	}
	if j.failedCount == len(j.items) {
		j.phase = PhaseFailed
	} else {
		j.phase = PhaseCompleted
	}
	j.completedAt = now
}

// RequestCancel flags a processing job for cooperative cancellation.
// It returns false when the job is not processing, which includes a job whose
// last item has already been counted.
func (j *Job) RequestCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.phase != PhaseProcessing {
		return false
	}
	j.cancelRequested = true
	return true
}

// Cancel moves a queued or processing job to cancelled
func (j *Job) Cancel(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.phase.IsTerminal() {
		return ErrJobTerminal
	}
	j.phase = PhaseCancelled
	j.completedAt = now
	return nil
}

// Snapshot returns a consistent copy of the job's state
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	total := len(j.items)
	done := j.processedCount + j.failedCount

	s := Snapshot{
		ID:              j.id,
		OwnerID:         j.ownerID,
		Phase:           j.phase,
		TotalCount:      total,
		ProcessedCount:  j.processedCount,
		FailedCount:     j.failedCount,
		CurrentIndex:    done,
		Percent:         done * 100 / total,
		Errors:          make([]ItemError, len(j.errors)),
		CancelRequested: j.cancelRequested,
		SubmittedAt:     j.submittedAt,
	}
	copy(s.Errors, j.errors)

	if !j.startedAt.IsZero() {
		startedAt := j.startedAt
		s.StartedAt = &startedAt
	}
	if !j.completedAt.IsZero() {
		completedAt := j.completedAt
		s.CompletedAt = &completedAt
	}
	return s
}
