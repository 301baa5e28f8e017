package ratelimit

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry holds one RateLimiter per downstream service name.
// It is created once at startup and shared by reference.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	limiters map[string]*RateLimiter
	closed   bool
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		limiters: make(map[string]*RateLimiter),
	}
}

// Get returns the limiter for service, creating it from defaultConfig on
// first use. Concurrent callers for the same unseen name get the same limiter.
func (r *Registry) Get(service string, defaultConfig Config) *RateLimiter {
	r.mu.RLock()
	l, ok := r.limiters[service]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[service]; ok {
		return l
	}

	defaultConfig.Service = service
	l = New(defaultConfig, r.logger)
	if r.closed {
		l.Close()
	}
	r.limiters[service] = l

	r.logger.Info("Rate limiter created",
		slog.String("service", service),
		slog.Int("requests_per_window", l.cfg.RequestsPerWindow),
		slog.Duration("window", l.cfg.Window),
		slog.Int("max_concurrent", l.cfg.MaxConcurrent),
	)
	return l
}

// Lookup returns the limiter for service without creating one
func (r *Registry) Lookup(service string) (*RateLimiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.limiters[service]
	return l, ok
}

// Statuses returns the status of every limiter, keyed by service name
func (r *Registry) Statuses() map[string]Status {
	r.mu.RLock()
	limiters := make([]*RateLimiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.RUnlock()

	statuses := make(map[string]Status, len(limiters))
	for _, l := range limiters {
		statuses[l.cfg.Service] = l.Status()
	}
	return statuses
}

// Services returns the registered service names in sorted order
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down every limiter. Limiters created afterwards start closed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, l := range r.limiters {
		l.Close()
	}
	r.logger.Info("Rate limiter registry closed",
		slog.Int("limiters", len(r.limiters)),
	)
}
