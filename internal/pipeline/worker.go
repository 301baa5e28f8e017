package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/tab-importer/internal/domain"
	"github.com/cuongbtq/tab-importer/internal/ratelimit"
)

const DefaultItemTimeout = 2 * time.Minute

// Screenshotter captures a page and returns where the image was stored
type Screenshotter interface {
	Capture(ctx context.Context, pageURL string) (string, error)
}

// Summarizer produces a short description of a tab
type Summarizer interface {
	Summarize(ctx context.Context, tab domain.Tab) (string, error)
}

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TabStore persists processed tabs. SaveTab must be safe to retry.
type TabStore interface {
	SaveTab(ctx context.Context, tab *domain.ProcessedTab) error
}

// Limits names the rate limiter used for each downstream call
type Limits struct {
	Screenshot ratelimit.Config
	Summarize  ratelimit.Config
	Embedding  ratelimit.Config
}

// Config holds pipeline worker dependencies
type Config struct {
	Logger      *slog.Logger
	Limiters    *ratelimit.Registry
	Screenshots Screenshotter
	Summarizer  Summarizer
	Embedder    Embedder
	Store       TabStore
	Limits      Limits
	ItemTimeout time.Duration
}

// Worker runs one job's items through screenshot, summary, embedding and
// persistence. It is safe to share between jobs.
type Worker struct {
	logger      *slog.Logger
	limiters    *ratelimit.Registry
	screenshots Screenshotter
	summarizer  Summarizer
	embedder    Embedder
	store       TabStore
	limits      Limits
	itemTimeout time.Duration
	now         func() time.Time
}

// NewWorker creates a new pipeline worker
func NewWorker(cfg *Config) *Worker {
	itemTimeout := cfg.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = DefaultItemTimeout
	}

	return &Worker{
		logger:      cfg.Logger,
		limiters:    cfg.Limiters,
		screenshots: cfg.Screenshots,
		summarizer:  cfg.Summarizer,
		embedder:    cfg.Embedder,
		store:       cfg.Store,
		limits:      cfg.Limits,
		itemTimeout: itemTimeout,
		now:         time.Now,
	}
}

// Run processes the job's items in order. Cancellation of ctx is checked
// before each item; an item already under way is allowed to finish.
func (w *Worker) Run(ctx context.Context, job *domain.Job) {
	logger := w.logger.With(
		slog.String("job_id", job.ID()),
		slog.String("owner_id", job.OwnerID()),
	)
	logger.Info("Processing job",
		slog.Int("items", job.TotalCount()),
	)

	for i, tab := range job.Items() {
		if ctx.Err() != nil {
			if err := job.Cancel(w.now()); err != nil {
				logger.Error("Failed to cancel job",
					slog.String("error", err.Error()),
				)
			}
			logger.Info("Job cancelled before item",
				slog.Int("item_index", i),
			)
			return
		}

		var recErr error
		if err := w.processItem(ctx, job, i, tab); err != nil {
			logger.Warn("Item failed",
				slog.Int("item_index", i),
				slog.String("url", tab.URL),
				slog.String("error", err.Error()),
			)
			_, recErr = job.RecordFailure(i, err.Error(), w.now())
		} else {
			_, recErr = job.RecordSuccess(w.now())
		}
		if recErr != nil {
			logger.Error("Failed to record item",
				slog.Int("item_index", i),
				slog.String("error", recErr.Error()),
			)
			return
		}
	}

	// the last recorded item moved the job to its final phase
	logger.Info("Job processed",
		slog.String("phase", string(job.Phase())),
	)
}

// processItem runs every pipeline step for one tab. Downstream calls are not
// interrupted by job cancellation; they are bounded by the item timeout.
func (w *Worker) processItem(ctx context.Context, job *domain.Job, index int, tab domain.Tab) error {
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.itemTimeout)
	defer cancel()

	var screenshotURL string
	err := w.call(itemCtx, w.limits.Screenshot, func(ctx context.Context) error {
		var err error
		screenshotURL, err = w.screenshots.Capture(ctx, tab.URL)
		return err
	})
	if err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}

	var summary string
	err = w.call(itemCtx, w.limits.Summarize, func(ctx context.Context) error {
		var err error
		summary, err = w.summarizer.Summarize(ctx, tab)
		return err
	})
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	var embedding []float32
	err = w.call(itemCtx, w.limits.Embedding, func(ctx context.Context) error {
		var err error
		embedding, err = w.embedder.Embed(ctx, embeddingText(tab, summary))
		return err
	})
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	processed := &domain.ProcessedTab{
		Tab:           tab,
		OwnerID:       job.OwnerID(),
		JobID:         job.ID(),
		ItemIndex:     index,
		ScreenshotURL: screenshotURL,
		Summary:       summary,
		Embedding:     embedding,
		ProcessedAt:   w.now(),
	}
	if err := w.store.SaveTab(itemCtx, processed); err != nil {
		return fmt.Errorf("persist tab: %w", err)
	}
	return nil
}

func (w *Worker) call(ctx context.Context, cfg ratelimit.Config, task ratelimit.Task) error {
	return w.limiters.Get(cfg.Service, cfg).Submit(ctx, task)
}

func embeddingText(tab domain.Tab, summary string) string {
	parts := []string{tab.Title, summary}
	if len(tab.Tags) > 0 {
		parts = append(parts, strings.Join(tab.Tags, ", "))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
