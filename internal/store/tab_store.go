package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/tab-importer/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS imported_tabs (
	owner_id       TEXT        NOT NULL,
	url            TEXT        NOT NULL,
	job_id         TEXT        NOT NULL,
	item_index     INTEGER     NOT NULL,
	title          TEXT        NOT NULL DEFAULT '',
	folder         TEXT        NOT NULL DEFAULT '',
	tags           TEXT[]      NOT NULL DEFAULT '{}',
	screenshot_url TEXT        NOT NULL DEFAULT '',
	summary        TEXT        NOT NULL DEFAULT '',
	embedding      REAL[]      NOT NULL DEFAULT '{}',
	processed_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, url)
);
CREATE INDEX IF NOT EXISTS idx_imported_tabs_job_id ON imported_tabs (job_id);
`

// A second import of the same URL for an owner replaces the earlier row, so
// retrying an item never duplicates it.
const upsertTab = `
	INSERT INTO imported_tabs (
		owner_id, url, job_id, item_index, title, folder, tags,
		screenshot_url, summary, embedding, processed_at
	) VALUES (
		:owner_id, :url, :job_id, :item_index, :title, :folder, :tags,
		:screenshot_url, :summary, :embedding, :processed_at
	)
	ON CONFLICT (owner_id, url) DO UPDATE SET
		job_id         = EXCLUDED.job_id,
		item_index     = EXCLUDED.item_index,
		title          = EXCLUDED.title,
		folder         = EXCLUDED.folder,
		tags           = EXCLUDED.tags,
		screenshot_url = EXCLUDED.screenshot_url,
		summary        = EXCLUDED.summary,
		embedding      = EXCLUDED.embedding,
		processed_at   = EXCLUDED.processed_at
`

type tabRow struct {
	OwnerID       string          `db:"owner_id"`
	URL           string          `db:"url"`
	JobID         string          `db:"job_id"`
	ItemIndex     int             `db:"item_index"`
	Title         string          `db:"title"`
	Folder        string          `db:"folder"`
	Tags          pq.StringArray  `db:"tags"`
	ScreenshotURL string          `db:"screenshot_url"`
	Summary       string          `db:"summary"`
	Embedding     pq.Float64Array `db:"embedding"`
	ProcessedAt   time.Time       `db:"processed_at"`
}

// TabStore persists processed tabs in PostgreSQL
type TabStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewTabStore creates a new TabStore
func NewTabStore(db *sqlx.DB, logger *slog.Logger) *TabStore {
	return &TabStore{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the imported_tabs table if it does not exist
func (s *TabStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create imported_tabs schema: %w", err)
	}
	return nil
}

// SaveTab inserts or replaces the row for the tab's owner and URL
func (s *TabStore) SaveTab(ctx context.Context, tab *domain.ProcessedTab) error {
	if _, err := s.db.NamedExecContext(ctx, upsertTab, toRow(tab)); err != nil {
		s.logger.Error("Failed to save tab",
			slog.String("job_id", tab.JobID),
			slog.Int("item_index", tab.ItemIndex),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to save tab: %w", err)
	}
	return nil
}

// ListByJob returns the tabs a job has persisted, in item order
func (s *TabStore) ListByJob(ctx context.Context, jobID string) ([]*domain.ProcessedTab, error) {
	query := `
		SELECT owner_id, url, job_id, item_index, title, folder, tags,
		       screenshot_url, summary, embedding, processed_at
		FROM imported_tabs
		WHERE job_id = $1
		ORDER BY item_index
	`

	var rows []tabRow
	if err := s.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list tabs for job: %w", err)
	}

	tabs := make([]*domain.ProcessedTab, len(rows))
	for i := range rows {
		tabs[i] = fromRow(&rows[i])
	}
	return tabs, nil
}

func toRow(tab *domain.ProcessedTab) tabRow {
	tags := tab.Tags
	if tags == nil {
		tags = []string{}
	}
	embedding := make(pq.Float64Array, len(tab.Embedding))
	for i, v := range tab.Embedding {
		embedding[i] = float64(v)
	}

	return tabRow{
		OwnerID:       tab.OwnerID,
		URL:           tab.URL,
		JobID:         tab.JobID,
		ItemIndex:     tab.ItemIndex,
		Title:         tab.Title,
		Folder:        tab.Folder,
		Tags:          pq.StringArray(tags),
		ScreenshotURL: tab.ScreenshotURL,
		Summary:       tab.Summary,
		Embedding:     embedding,
		ProcessedAt:   tab.ProcessedAt,
	}
}

func fromRow(row *tabRow) *domain.ProcessedTab {
	embedding := make([]float32, len(row.Embedding))
	for i, v := range row.Embedding {
		embedding[i] = float32(v)
	}

	return &domain.ProcessedTab{
		Tab: domain.Tab{
			URL:    row.URL,
			Title:  row.Title,
			Folder: row.Folder,
			Tags:   []string(row.Tags),
		},
		OwnerID:       row.OwnerID,
		JobID:         row.JobID,
		ItemIndex:     row.ItemIndex,
		ScreenshotURL: row.ScreenshotURL,
		Summary:       row.Summary,
		Embedding:     embedding,
		ProcessedAt:   row.ProcessedAt,
	}
}
