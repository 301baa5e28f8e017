package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetIsIdempotent(t *testing.T) {
	r := NewRegistry(setupTestLogger())
	defer r.Close()

	cfg := Config{RequestsPerWindow: 10, Window: time.Minute, MaxConcurrent: 2}

	const callers = 50
	got := make([]*RateLimiter, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got[n] = r.Get("screenshot", cfg)
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, []string{"screenshot"}, r.Services())
	assert.Equal(t, "screenshot", got[0].Config().Service)
}

func TestRegistry_FirstConfigWins(t *testing.T) {
	r := NewRegistry(setupTestLogger())
	defer r.Close()

	first := r.Get("ai", Config{RequestsPerWindow: 5, Window: time.Minute, MaxConcurrent: 1})
	second := r.Get("ai", Config{RequestsPerWindow: 99, Window: time.Second, MaxConcurrent: 9})

	assert.Same(t, first, second)
	assert.Equal(t, 5, second.Config().RequestsPerWindow)
	assert.Equal(t, 1, second.Config().MaxConcurrent)
}

func TestRegistry_LookupAndStatuses(t *testing.T) {
	r := NewRegistry(setupTestLogger())
	defer r.Close()

	_, ok := r.Lookup("embedding")
	assert.False(t, ok)

	r.Get("embedding", Config{RequestsPerWindow: 3, Window: time.Minute, MaxConcurrent: 1})
	r.Get("ai", Config{RequestsPerWindow: 3, Window: time.Minute, MaxConcurrent: 1})

	l, ok := r.Lookup("embedding")
	require.True(t, ok)
	require.NoError(t, l.Submit(context.Background(), func(ctx context.Context) error { return nil }))

	statuses := r.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, 1, statuses["embedding"].RequestsInCurrentWindow)
	assert.Equal(t, 0, statuses["ai"].RequestsInCurrentWindow)
	assert.Equal(t, []string{"ai", "embedding"}, r.Services())
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(setupTestLogger())
	cfg := Config{RequestsPerWindow: 1, Window: time.Minute, MaxConcurrent: 1}

	existing := r.Get("ai", cfg)
	r.Close()

	assert.ErrorIs(t, existing.Submit(context.Background(), func(ctx context.Context) error { return nil }), ErrLimiterClosed)

	late := r.Get("screenshot", cfg)
	assert.ErrorIs(t, late.Submit(context.Background(), func(ctx context.Context) error { return nil }), ErrLimiterClosed,
		"limiters created after close start closed")
}
