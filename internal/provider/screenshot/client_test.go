package screenshot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	_, err := NewClient(Config{}, setupTestLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint is required")
}

func TestClient_Capture(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		want      string
		errString string
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body:   `{"image_url":"https://cdn.example.com/a.png"}`,
			want:   "https://cdn.example.com/a.png",
		},
		{
			name:      "service error",
			status:    http.StatusBadGateway,
			body:      "upstream timeout",
			errString: "status 502: upstream timeout",
		},
		{
			name:      "missing image url",
			status:    http.StatusOK,
			body:      `{}`,
			errString: "no image_url",
		},
		{
			name:      "malformed body",
			status:    http.StatusOK,
			body:      `not json`,
			errString: "failed to decode response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got captureRequest
			var auth string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				auth = r.Header.Get("Authorization")
				_ = json.NewDecoder(r.Body).Decode(&got)

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c, err := NewClient(Config{Endpoint: server.URL, APIKey: "secret", FullPage: true}, setupTestLogger())
			require.NoError(t, err)

			imageURL, err := c.Capture(context.Background(), "https://go.dev/")
			assert.Equal(t, "https://go.dev/", got.URL)
			assert.True(t, got.FullPage)
			assert.Equal(t, "Bearer secret", auth)

			if tt.errString != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrCaptureFailed)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, imageURL)
		})
	}
}

func TestClient_CaptureHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c, err := NewClient(Config{Endpoint: server.URL}, setupTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = c.Capture(ctx, "https://go.dev/")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
