// Package registry implements the Target Registry of spec.md §4.7: the
// idempotent reconciler that starts, updates and stops Target Managers
// to match the retained-set descriptor's current desired state.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"telemetry-bridge/internal/config"
	"telemetry-bridge/internal/metrics"
	"telemetry-bridge/internal/target"
)

// diskIOLimit and diskIOBurst bound the shared rate.Limiter every Manager's
// retention sweeper and disk-backlog loader draws from, so a data_dir with
// thousands of targets can't flood the disk with simultaneous directory
// scans and segment reads (spec.md §5's I/O budget).
const (
	diskIOLimit = rate.Limit(20)
	diskIOBurst = 5
)

// ErrUnknownSlug is returned by GetOrCreate when no Manager is running
// for the slug; the Registry never auto-starts one (spec.md §4.7).
var ErrUnknownSlug = fmt.Errorf("registry: unknown slug")

// Entry is one desired target as read from the retained-set descriptor.
type Entry struct {
	URL         string
	Slug        string
	Retention   bool
	TopicFilter map[string]bool // nil = accept all topics
}

// Registry owns every running Manager and serializes all mutation of
// its Manager map with mu. Manager Start/Stop are called directly from
// Sync/Shutdown while mu is held; topic-filter changes reach each
// Connector through SetTopicsWhitelist.
type Registry struct {
	ctx     context.Context
	cfg     config.Config
	logger  zerolog.Logger
	metrics *metrics.Registry

	// limiter is shared across every Manager this Registry starts, so the
	// I/O budget it enforces is process-wide rather than per-target.
	limiter *rate.Limiter

	mu       sync.Mutex
	managers map[string]*target.Manager
	filters  map[string]map[string]bool
}

// New creates a Registry bound to ctx; every Manager it starts is a
// child of ctx and is cancelled when ctx is.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, m *metrics.Registry) *Registry {
	return &Registry{
		ctx:      ctx,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		limiter:  rate.NewLimiter(diskIOLimit, diskIOBurst),
		managers: make(map[string]*target.Manager),
		filters:  make(map[string]map[string]bool),
	}
}

// Sync reconciles the running Managers against desired (spec.md §4.7).
// Idempotent: calling it twice with the same desired set is a no-op.
func (r *Registry) Sync(desired []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := make(map[string]Entry, len(desired))
	for _, e := range desired {
		if e.Retention {
			enabled[e.Slug] = e
		}
	}

	for slug, e := range enabled {
		if m, running := r.managers[slug]; running {
			if !sameFilter(r.filters[slug], e.TopicFilter) {
				m.SetTopicsWhitelist(e.TopicFilter)
				r.filters[slug] = e.TopicFilter
			}
			continue
		}

		m := target.New(r.cfg, e.Slug, e.URL, e.TopicFilter, r.logger, r.metrics, r.limiter)
		if err := m.Start(r.ctx); err != nil {
			r.logger.Error().Err(err).Str("slug", e.Slug).Msg("registry: failed to start target manager")
			continue
		}
		r.managers[slug] = m
		r.filters[slug] = e.TopicFilter
		r.logger.Info().Str("slug", e.Slug).Str("url", e.URL).Msg("registry: target started")
	}

	for slug, m := range r.managers {
		if _, stillEnabled := enabled[slug]; stillEnabled {
			continue
		}
		if err := m.Stop(); err != nil {
			r.logger.Error().Err(err).Str("slug", slug).Msg("registry: error stopping target manager")
		}
		delete(r.managers, slug)
		delete(r.filters, slug)
		r.logger.Info().Str("slug", slug).Msg("registry: target stopped")
	}
}

// GetOrCreate returns the running Manager for slug, or ErrUnknownSlug.
// It never starts one: start is driven only by Sync (spec.md §4.7).
func (r *Registry) GetOrCreate(slug string) (*target.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.managers[slug]
	if !ok {
		return nil, ErrUnknownSlug
	}
	return m, nil
}

// Shutdown stops every running Manager and waits for each segment to
// close cleanly (spec.md §5's Manager.stop ordering), for use at
// process shutdown after the parent context has been cancelled.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for slug, m := range r.managers {
		if err := m.Stop(); err != nil {
			r.logger.Error().Err(err).Str("slug", slug).Msg("registry: error stopping target manager during shutdown")
		}
		delete(r.managers, slug)
		delete(r.filters, slug)
	}
}

// Slugs returns every currently running target's slug, for metrics and
// for the layouts index endpoint.
func (r *Registry) Slugs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.managers))
	for slug := range r.managers {
		out = append(out, slug)
	}
	return out
}

// Stats returns a point-in-time snapshot of every running Manager, for
// the periodic metrics refresh in cmd/bridge.
func (r *Registry) Stats() []target.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]target.Stats, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m.Stats())
	}
	return out
}

func sameFilter(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
