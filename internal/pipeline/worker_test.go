package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/tab-importer/internal/domain"
	"github.com/cuongbtq/tab-importer/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeScreenshotter struct {
	mu       sync.Mutex
	captured []string
	onCall   func(pageURL string)
}

func (f *fakeScreenshotter) Capture(ctx context.Context, pageURL string) (string, error) {
	f.mu.Lock()
	f.captured = append(f.captured, pageURL)
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(pageURL)
	}
	if strings.Contains(pageURL, "broken") {
		return "", errors.New("page did not load")
	}
	return "https://cdn.example.com/shots/" + strings.TrimPrefix(pageURL, "https://"), nil
}

func (f *fakeScreenshotter) Captured() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.captured...)
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(ctx context.Context, tab domain.Tab) (string, error) {
	return "summary of " + tab.Title, nil
}

type fakeEmbedder struct {
	block bool
}

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeStore struct {
	mu    sync.Mutex
	saved []*domain.ProcessedTab
	err   error
}

func (f *fakeStore) SaveTab(ctx context.Context, tab *domain.ProcessedTab) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, tab)
	return nil
}

func testLimits() Limits {
	cfg := func(service string) ratelimit.Config {
		return ratelimit.Config{Service: service, RequestsPerWindow: 1000, Window: time.Second, MaxConcurrent: 4}
	}
	return Limits{
		Screenshot: cfg("screenshot"),
		Summarize:  cfg("ai"),
		Embedding:  cfg("embedding"),
	}
}

type testDeps struct {
	screenshots *fakeScreenshotter
	embedder    fakeEmbedder
	store       *fakeStore
	registry    *ratelimit.Registry
	itemTimeout time.Duration
}

func newTestWorker(deps testDeps) *Worker {
	if deps.screenshots == nil {
		deps.screenshots = &fakeScreenshotter{}
	}
	if deps.store == nil {
		deps.store = &fakeStore{}
	}
	if deps.registry == nil {
		deps.registry = ratelimit.NewRegistry(setupTestLogger())
	}
	return NewWorker(&Config{
		Logger:      setupTestLogger(),
		Limiters:    deps.registry,
		Screenshots: deps.screenshots,
		Summarizer:  fakeSummarizer{},
		Embedder:    deps.embedder,
		Store:       deps.store,
		Limits:      testLimits(),
		ItemTimeout: deps.itemTimeout,
	})
}

func startedJob(t *testing.T, tabs []domain.Tab) *domain.Job {
	t.Helper()
	job, err := domain.NewJob("job-1", "user-1", tabs, time.Now())
	require.NoError(t, err)
	require.NoError(t, job.Start(time.Now()))
	return job
}

func tabsWithBroken(total int, broken map[int]bool) []domain.Tab {
	tabs := make([]domain.Tab, total)
	for i := range tabs {
		host := "ok"
		if broken[i] {
			host = "broken"
		}
		tabs[i] = domain.Tab{
			URL:   fmt.Sprintf("https://%s.example.com/%d", host, i),
			Title: fmt.Sprintf("tab %d", i),
			Tags:  []string{"reading"},
		}
	}
	return tabs
}

func TestWorker_Run(t *testing.T) {
	tests := []struct {
		name          string
		total         int
		broken        map[int]bool
		wantPhase     domain.Phase
		wantProcessed int
		wantFailed    int
	}{
		{
			name:          "all items succeed",
			total:         4,
			wantPhase:     domain.PhaseCompleted,
			wantProcessed: 4,
		},
		{
			name:          "three of ten fail downstream",
			total:         10,
			broken:        map[int]bool{2: true, 5: true, 9: true},
			wantPhase:     domain.PhaseCompleted,
			wantProcessed: 7,
			wantFailed:    3,
		},
		{
			name:       "every item fails",
			total:      2,
			broken:     map[int]bool{0: true, 1: true},
			wantPhase:  domain.PhaseFailed,
			wantFailed: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			w := newTestWorker(testDeps{store: store})
			job := startedJob(t, tabsWithBroken(tt.total, tt.broken))

			w.Run(context.Background(), job)

			snap := job.Snapshot()
			assert.Equal(t, tt.wantPhase, snap.Phase)
			assert.Equal(t, tt.wantProcessed, snap.ProcessedCount)
			assert.Equal(t, tt.wantFailed, snap.FailedCount)
			assert.Len(t, snap.Errors, tt.wantFailed)
			assert.NotNil(t, snap.CompletedAt)
			assert.Len(t, store.saved, tt.wantProcessed)

			for _, itemErr := range snap.Errors {
				assert.True(t, tt.broken[itemErr.ItemIndex])
				assert.Contains(t, itemErr.Message, "capture screenshot")
			}
		})
	}
}

func TestWorker_SnapshotsStayConsistentWhileRunning(t *testing.T) {
	w := newTestWorker(testDeps{})

	var (
		current atomic.Pointer[domain.Job]
		stop    = make(chan struct{})
		bad     atomic.Int64
		seen    atomic.Int64
		wg      sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			job := current.Load()
			if job == nil {
				continue
			}
			snap := job.Snapshot()
			seen.Add(1)
			counted := snap.ProcessedCount + snap.FailedCount
			if counted > snap.TotalCount || (counted == snap.TotalCount) != snap.Phase.IsTerminal() {
				bad.Add(1)
			}
		}
	}()

	for i := 0; i < 300; i++ {
		job := startedJob(t, tabsWithBroken(1, map[int]bool{0: i%3 == 0}))
		current.Store(job)
		w.Run(context.Background(), job)
		require.True(t, job.Phase().IsTerminal())
	}
	close(stop)
	wg.Wait()

	assert.Positive(t, seen.Load())
	assert.Zero(t, bad.Load(), "snapshot showed every item counted outside a terminal phase, or the reverse")
}

func TestWorker_PersistsProcessedTab(t *testing.T) {
	store := &fakeStore{}
	w := newTestWorker(testDeps{store: store})
	job := startedJob(t, tabsWithBroken(1, nil))

	w.Run(context.Background(), job)

	require.Len(t, store.saved, 1)
	saved := store.saved[0]
	assert.Equal(t, "job-1", saved.JobID)
	assert.Equal(t, "user-1", saved.OwnerID)
	assert.Equal(t, 0, saved.ItemIndex)
	assert.Equal(t, "https://cdn.example.com/shots/ok.example.com/0", saved.ScreenshotURL)
	assert.Equal(t, "summary of tab 0", saved.Summary)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, saved.Embedding)
	assert.False(t, saved.ProcessedAt.IsZero())
}

func TestWorker_PersistenceFailureCountsAsFailed(t *testing.T) {
	store := &fakeStore{err: errors.New("connection reset")}
	w := newTestWorker(testDeps{store: store})
	job := startedJob(t, tabsWithBroken(3, nil))

	w.Run(context.Background(), job)

	snap := job.Snapshot()
	assert.Equal(t, domain.PhaseFailed, snap.Phase)
	assert.Zero(t, snap.ProcessedCount)
	assert.Equal(t, 3, snap.FailedCount)
	require.Len(t, snap.Errors, 3)
	assert.Contains(t, snap.Errors[0].Message, "persist tab")
}

func TestWorker_CancelStopsAtItemBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tabs := tabsWithBroken(5, nil)
	screenshots := &fakeScreenshotter{
		onCall: func(pageURL string) {
			// cancel while item 1 is in flight
			if pageURL == tabs[1].URL {
				cancel()
			}
		},
	}
	w := newTestWorker(testDeps{screenshots: screenshots})
	job := startedJob(t, tabs)

	w.Run(ctx, job)

	snap := job.Snapshot()
	assert.Equal(t, domain.PhaseCancelled, snap.Phase)
	assert.Equal(t, 2, snap.ProcessedCount, "the item in flight at cancellation finishes")
	assert.Less(t, snap.ProcessedCount+snap.FailedCount, snap.TotalCount)
	assert.Equal(t, []string{tabs[0].URL, tabs[1].URL}, screenshots.Captured())
}

func TestWorker_CancelledBeforeFirstItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	screenshots := &fakeScreenshotter{}
	w := newTestWorker(testDeps{screenshots: screenshots})
	job := startedJob(t, tabsWithBroken(3, nil))

	w.Run(ctx, job)

	snap := job.Snapshot()
	assert.Equal(t, domain.PhaseCancelled, snap.Phase)
	assert.Zero(t, snap.ProcessedCount)
	assert.Empty(t, screenshots.Captured())
}

func TestWorker_ItemTimeout(t *testing.T) {
	w := newTestWorker(testDeps{embedder: fakeEmbedder{block: true}, itemTimeout: 30 * time.Millisecond})
	job := startedJob(t, tabsWithBroken(2, nil))

	w.Run(context.Background(), job)

	snap := job.Snapshot()
	assert.Equal(t, domain.PhaseFailed, snap.Phase)
	require.Len(t, snap.Errors, 2)
	assert.Contains(t, snap.Errors[0].Message, "embed")
	assert.Contains(t, snap.Errors[0].Message, context.DeadlineExceeded.Error())
}

func TestWorker_CallsGoThroughRateLimiters(t *testing.T) {
	registry := ratelimit.NewRegistry(setupTestLogger())
	defer registry.Close()

	w := newTestWorker(testDeps{registry: registry})
	job := startedJob(t, tabsWithBroken(3, nil))

	w.Run(context.Background(), job)

	assert.Equal(t, []string{"ai", "embedding", "screenshot"}, registry.Services())
	for service, status := range registry.Statuses() {
		assert.Equal(t, 3, status.RequestsInCurrentWindow, service)
		assert.Zero(t, status.InFlight, service)
	}
}

func TestEmbeddingText(t *testing.T) {
	tab := domain.Tab{Title: "Go blog", Tags: []string{"go", "news"}}
	assert.Equal(t, "Go blog\nA post\ngo, news", embeddingText(tab, "A post"))
	assert.Equal(t, "Go blog\nA post", embeddingText(domain.Tab{Title: "Go blog"}, "A post"))
}
