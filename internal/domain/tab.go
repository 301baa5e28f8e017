package domain

import (
	"fmt"
	"net/url"
	"time"
)

// Tab is a single item of an import batch
type Tab struct {
	URL    string   `json:"url"`
	Title  string   `json:"title"`
	Folder string   `json:"folder,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Validate checks that the tab points at an absolute http(s) URL
func (t Tab) Validate() error {
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("%w: url %q: %v", ErrInvalidInput, t.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url %q must use http or https", ErrInvalidInput, t.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url %q has no host", ErrInvalidInput, t.URL)
	}
	return nil
}

// ProcessedTab is the result of running one tab through the import pipeline.
// It is what gets persisted.
type ProcessedTab struct {
	Tab
	OwnerID       string
	JobID         string
	ItemIndex     int
	ScreenshotURL string
	Summary       string
	Embedding     []float32
	ProcessedAt   time.Time
}
