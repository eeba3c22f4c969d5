package session

import (
	"context"
	"time"

	"github.com/gitlab-mcp/gateway/pkg/logging"
)

const (
	// DefaultIdleTTL is how long a session may sit inactive before eviction
	DefaultIdleTTL = 60 * time.Minute

	// DefaultSweepInterval is how often the reaper scans the store
	DefaultSweepInterval = 5 * time.Minute
)

// Reaper periodically evicts sessions whose last activity is older than the
// idle TTL. It is a background, fire-and-forget task: sweep failures are
// logged and the next sweep runs regardless.
type Reaper struct {
	store    *Store
	idleTTL  time.Duration
	interval time.Duration
	logger   logging.Logger
	now      func() time.Time
}

// NewReaper creates a reaper over the given store
func NewReaper(store *Store, idleTTL, interval time.Duration, logger logging.Logger) *Reaper {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reaper{
		store:    store,
		idleTTL:  idleTTL,
		interval: interval,
		logger:   logger.WithFields(logging.String("component", "idle-reaper")),
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled. Call it in
// its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one eviction pass. It snapshots the key set first, then
// re-checks each record's current lastActivity before evicting, so a record
// touched after the snapshot survives. One key's eviction never blocks the
// rest of the pass.
func (r *Reaper) Sweep() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic during sweep", logging.Any("panic", rec))
		}
	}()

	cutoff := r.now().Add(-r.idleTTL)
	evicted := 0

	for _, key := range r.store.Keys() {
		rec, ok := r.store.Get(key)
		if !ok {
			continue // evicted concurrently since the snapshot
		}
		if rec.LastActivity().After(cutoff) {
			continue
		}
		if r.store.Evict(key) {
			evicted++
		}
	}

	if evicted > 0 {
		r.logger.Info("idle sweep complete",
			logging.Int("evicted", evicted),
			logging.Int("remaining", r.store.Len()))
	}
}
