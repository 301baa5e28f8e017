package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestNew_AppliesDefaults(t *testing.T) {
	l := New(Config{Service: "screenshot"}, setupTestLogger())

	cfg := l.Config()
	assert.Equal(t, 1, cfg.MaxConcurrent)
	assert.Equal(t, 1, cfg.RequestsPerWindow)
	assert.Equal(t, time.Second, cfg.Window)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		errString string
	}{
		{name: "valid", cfg: Config{Service: "ai", RequestsPerWindow: 10, Window: time.Minute, MaxConcurrent: 2}},
		{name: "missing service", cfg: Config{RequestsPerWindow: 10, Window: time.Minute, MaxConcurrent: 2}, errString: "service name is required"},
		{name: "zero requests", cfg: Config{Service: "ai", Window: time.Minute, MaxConcurrent: 2}, errString: "requests_per_window"},
		{name: "zero window", cfg: Config{Service: "ai", RequestsPerWindow: 10, MaxConcurrent: 2}, errString: "window"},
		{name: "zero concurrency", cfg: Config{Service: "ai", RequestsPerWindow: 10, Window: time.Minute}, errString: "max_concurrent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.errString == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestRateLimiter_MaxConcurrent(t *testing.T) {
	l := New(Config{Service: "ai", RequestsPerWindow: 1000, Window: time.Second, MaxConcurrent: 2}, setupTestLogger())
	defer l.Close()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Submit(context.Background(), func(ctx context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
	assert.Equal(t, 0, l.Status().InFlight)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	const window = 200 * time.Millisecond
	l := New(Config{Service: "embed", RequestsPerWindow: 3, Window: window, MaxConcurrent: 10}, setupTestLogger())
	defer l.Close()

	var mu sync.Mutex
	var starts []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Submit(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, starts, 9)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	// the 4th admission after any admission must fall outside its window
	const scheduling = 50 * time.Millisecond
	for i := 0; i+3 < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i+3].Sub(starts[i]), window-scheduling,
			"admissions %d and %d are inside one window", i, i+3)
	}
}

func TestRateLimiter_WindowExhaustedHoldsQueue(t *testing.T) {
	l := New(Config{Service: "summarize", RequestsPerWindow: 3, Window: 60 * time.Second, MaxConcurrent: 5}, setupTestLogger())

	var ran atomic.Int32
	errs := make(chan error, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Submit(context.Background(), func(ctx context.Context) error {
				ran.Add(1)
				return nil
			})
		}()
	}

	require.Eventually(t, func() bool {
		return ran.Load() == 3 && l.Status().QueueDepth == 7
	}, 2*time.Second, 10*time.Millisecond)

	// nothing else gets through before the window rolls over
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), ran.Load())

	status := l.Status()
	assert.Equal(t, 3, status.RequestsInCurrentWindow)
	assert.Equal(t, 0, status.InFlight)
	assert.True(t, status.NextAvailableSlotETA.After(time.Now().Add(59*time.Second)),
		"next slot should be a full window after the first admission")

	l.Close()
	wg.Wait()
	close(errs)

	closed := 0
	for err := range errs {
		if errors.Is(err, ErrLimiterClosed) {
			closed++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 7, closed)
	assert.Equal(t, int32(3), ran.Load())
}

func TestRateLimiter_FIFO(t *testing.T) {
	l := New(Config{Service: "screenshot", RequestsPerWindow: 100, Window: time.Second, MaxConcurrent: 1}, setupTestLogger())
	defer l.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Submit(context.Background(), func(ctx context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = l.Submit(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return nil
			})
		}(i)
		require.Eventually(t, func() bool {
			return l.Status().QueueDepth == i+1
		}, time.Second, 5*time.Millisecond)
	}

	close(block)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRateLimiter_TaskFailure(t *testing.T) {
	l := New(Config{Service: "ai", RequestsPerWindow: 1, Window: time.Minute, MaxConcurrent: 1}, setupTestLogger())
	defer l.Close()

	cause := errors.New("provider unavailable")
	err := l.Submit(context.Background(), func(ctx context.Context) error {
		return cause
	})

	var downstream *DownstreamError
	require.ErrorAs(t, err, &downstream)
	assert.Equal(t, "ai", downstream.Service)
	assert.ErrorIs(t, err, cause)

	status := l.Status()
	assert.Equal(t, 0, status.InFlight, "failed task releases its concurrency slot")
	assert.Equal(t, 1, status.RequestsInCurrentWindow, "failed task still consumed a window slot")
}

func TestRateLimiter_ContextCancelledWhileQueued(t *testing.T) {
	l := New(Config{Service: "ai", RequestsPerWindow: 1, Window: time.Minute, MaxConcurrent: 1}, setupTestLogger())
	defer l.Close()

	require.NoError(t, l.Submit(context.Background(), func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var ran bool
	err := l.Submit(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
	assert.Equal(t, 0, l.Status().QueueDepth)
}

func TestRateLimiter_StatusWhenIdle(t *testing.T) {
	l := New(Config{Service: "ai", RequestsPerWindow: 5, Window: time.Minute, MaxConcurrent: 1}, setupTestLogger())
	defer l.Close()

	status := l.Status()
	assert.Equal(t, "ai", status.Service)
	assert.Equal(t, 0, status.QueueDepth)
	assert.Equal(t, 0, status.InFlight)
	assert.WithinDuration(t, time.Now(), status.NextAvailableSlotETA, time.Second)
}

func TestRateLimiter_SubmitAfterClose(t *testing.T) {
	l := New(Config{Service: "ai", RequestsPerWindow: 5, Window: time.Minute, MaxConcurrent: 1}, setupTestLogger())
	l.Close()
	l.Close()

	err := l.Submit(context.Background(), func(ctx context.Context) error {
		t.Fatal("task must not run on a closed limiter")
		return nil
	})
	assert.ErrorIs(t, err, ErrLimiterClosed)
}
