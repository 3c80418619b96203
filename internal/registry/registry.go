// ABOUTME: Thread-safe in-memory cache of provisioned user identifiers.
// ABOUTME: Tracks staleness and reload-suppression windows to avoid redundant disk reads and reloads.

package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConfigSource rebuilds the registry's view from the durable store.
type ConfigSource interface {
	UserIDs(ctx context.Context) ([]string, error)
}

// Options configure the registry's timing windows. Zero values fall
// back to the defaults the agent ships with.
type Options struct {
	// SyncInterval is how stale the cached set may be before Exists
	// with refresh triggers a rebuild from the config source.
	SyncInterval time.Duration

	// SuppressionWindow is the minimum interval enforced between reload
	// signals; within it ShouldReload always answers false.
	SuppressionWindow time.Duration

	// FreshnessWindow bounds how recent a sync must be for cached
	// membership alone to veto a reload.
	FreshnessWindow time.Duration
}

// Registry is a derived, disposable projection of the user identifiers
// in the durable config. It is a cache, never an independent source of
// truth: it only ever converges toward what the store contains.
type Registry struct {
	mu         sync.RWMutex
	users      map[string]struct{}
	lastSync   time.Time
	lastReload time.Time

	source ConfigSource
	opts   Options
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Registry backed by the given config source.
func New(source ConfigSource, opts Options, logger *slog.Logger) *Registry {
	if opts.SyncInterval == 0 {
		opts.SyncInterval = 5 * time.Minute
	}
	if opts.SuppressionWindow == 0 {
		opts.SuppressionWindow = 5 * time.Minute
	}
	if opts.FreshnessWindow == 0 {
		opts.FreshnessWindow = time.Minute
	}
	return &Registry{
		users:  make(map[string]struct{}),
		source: source,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Exists reports membership of id. When refresh is set and the cached
// set is older than the sync interval (or was never populated), the set
// is rebuilt from the config source first. Rebuild failures degrade to
// the current cached view.
func (r *Registry) Exists(ctx context.Context, id string, refresh bool) bool {
	if refresh && r.stale() {
		if err := r.Sync(ctx); err != nil {
			r.logger.Error("registry sync failed", "error", err)
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[id]
	return ok
}

// stale reports whether the cached set needs a rebuild.
func (r *Registry) stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSync.IsZero() || r.now().Sub(r.lastSync) >= r.opts.SyncInterval
}

// Add records id in the cached set. Idempotent.
func (r *Registry) Add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id] = struct{}{}
}

// Remove deletes id from the cached set. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, id)
}

// Sync rebuilds the cached set from the config source. The source is
// consulted outside the lock so a slow disk read never blocks readers.
func (r *Registry) Sync(ctx context.Context) error {
	ids, err := r.source.UserIDs(ctx)
	if err != nil {
		return err
	}

	users := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		users[id] = struct{}{}
	}

	r.mu.Lock()
	r.users = users
	r.lastSync = r.now()
	r.mu.Unlock()

	r.logger.Debug("registry synced from config", "users_count", len(users))
	return nil
}

// MarkReloaded stamps the time the live process last accepted a reload
// signal, starting the suppression window.
func (r *Registry) MarkReloaded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastReload = r.now()
}

// ReloadSuppressed reports whether a reload happened recently enough
// that issuing another would be redundant; the process is assumed to
// already reflect the persisted config, or a reload is in flight.
func (r *Registry) ReloadSuppressed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reloadSuppressedLocked()
}

func (r *Registry) reloadSuppressedLocked() bool {
	return !r.lastReload.IsZero() && r.now().Sub(r.lastReload) < r.opts.SuppressionWindow
}

// ShouldReload decides whether the live process plausibly needs a
// reload for id to take effect. It exists to prevent reload storms when
// many requests arrive for the same already-applied state:
//
//   - false within the suppression window after any reload;
//   - false when a recent sync already shows id in the cached set;
//   - otherwise the config source is inspected directly (bypassing the
//     cache): a persisted id with no recent reload warrants a nudge.
func (r *Registry) ShouldReload(ctx context.Context, id string) bool {
	r.mu.RLock()
	if r.reloadSuppressedLocked() {
		r.mu.RUnlock()
		return false
	}
	if !r.lastSync.IsZero() && r.now().Sub(r.lastSync) < r.opts.FreshnessWindow {
		if _, ok := r.users[id]; ok {
			r.mu.RUnlock()
			return false
		}
	}
	r.mu.RUnlock()

	ids, err := r.source.UserIDs(ctx)
	if err != nil {
		r.logger.Error("reload decision config read failed", "error", err)
		return false
	}
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// Count returns the cached set size without refreshing.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// All returns a copy of the cached identifier set.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	return ids
}
