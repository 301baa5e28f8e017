// Package screenshot is a client for an HTTP page capture service.
//
// The service accepts POST {endpoint} with {"url": "...", "full_page": bool}
// and answers with {"image_url": "..."} once the image is stored.
package screenshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const maxErrorBody = 512

// ErrCaptureFailed is returned when the capture service rejects a page or
// answers without an image location
var ErrCaptureFailed = errors.New("screenshot capture failed")

// Config holds capture service configuration
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	FullPage bool
}

// Client captures pages through the capture service
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	endpoint   string
	apiKey     string
	fullPage   bool
}

type captureRequest struct {
	URL      string `json:"url"`
	FullPage bool   `json:"full_page"`
}

type captureResponse struct {
	ImageURL string `json:"image_url"`
}

// NewClient creates a capture service client
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("screenshot endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		fullPage:   cfg.FullPage,
	}, nil
}

// Capture renders pageURL and returns the location of the stored image
func (c *Client) Capture(ctx context.Context, pageURL string) (string, error) {
	body, err := json.Marshal(captureRequest{URL: pageURL, FullPage: c.fullPage})
	if err != nil {
		return "", fmt.Errorf("failed to encode capture request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build capture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("capture request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("%w: status %d: %s", ErrCaptureFailed, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out captureResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: failed to decode response: %v", ErrCaptureFailed, err)
	}
	if out.ImageURL == "" {
		return "", fmt.Errorf("%w: response has no image_url", ErrCaptureFailed)
	}

	c.logger.Debug("Page captured",
		slog.String("url", pageURL),
		slog.String("image_url", out.ImageURL),
		slog.Duration("duration", time.Since(start)),
	)
	return out.ImageURL, nil
}
