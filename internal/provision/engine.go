// ABOUTME: Reconciliation engine coordinating config, cache, and the live proxy for user changes.
// ABOUTME: Persists durably first, then converges the running process via live patch or reload.

package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/xray-agent/internal/registry"
	"github.com/2389/xray-agent/internal/xray"
)

var (
	// ErrInvalidUserID rejects identifiers that are not UUIDs.
	ErrInvalidUserID = errors.New("user id must be a UUID")

	// ErrSameUser rejects a replacement whose old and new ids match.
	ErrSameUser = errors.New("old and new user ids are identical")
)

// ApplyPath records how a change reached the running proxy.
type ApplyPath string

const (
	// PathNone: nothing needed doing (idempotent hit).
	PathNone ApplyPath = "none"
	// PathLive: applied via the live control API, no reload.
	PathLive ApplyPath = "live"
	// PathReload: persisted and picked up through a process reload.
	PathReload ApplyPath = "reload"
	// PathConfigOnly: persisted; reload deliberately withheld, the
	// next reload or periodic convergence will carry it live.
	PathConfigOnly ApplyPath = "config_only"
)

// Outcome describes what a provisioning operation did.
type Outcome struct {
	Path    ApplyPath
	ShortID string
	Message string
}

// LiveClient patches the running proxy without touching its config.
type LiveClient interface {
	IsAvailable() bool
	AddUser(ctx context.Context, tag, id, email, flow string) error
	RemoveUser(ctx context.Context, tag, email string) error
}

// Reloader drives the proxy process lifecycle.
type Reloader interface {
	Reload(ctx context.Context) error
	Restart(ctx context.Context) error
}

// ShortIDSource supplies the obfuscation short ID shipped back to
// callers for client link construction.
type ShortIDSource interface {
	FirstShortID(ctx context.Context) (string, error)
}

// Engine serializes every mutation of the user set. The durable config
// is the source of truth: a change is committed only once saved, and
// only then is the cache updated and the running process converged.
type Engine struct {
	store  *xray.Store
	cache  *registry.Registry
	live   LiveClient
	proc   Reloader
	short  ShortIDSource
	tag    string
	flow   string
	logger *slog.Logger

	// mu covers the whole load-mutate-save-converge cycle so concurrent
	// commands never interleave partial states.
	mu sync.Mutex
}

// New creates an Engine.
func New(store *xray.Store, cache *registry.Registry, live LiveClient, proc Reloader, short ShortIDSource, tag, flow string, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		cache:  cache,
		live:   live,
		proc:   proc,
		short:  short,
		tag:    tag,
		flow:   flow,
		logger: logger.With("component", "provision"),
	}
}

// defaultLabel derives a stable per-user label from the id prefix.
func defaultLabel(id string) string {
	return "user-" + id[:8]
}

// AddUser provisions id on the inbound. A re-delivered add for an
// already-provisioned id is a true no-op: success with no live call,
// no save, and no reload.
func (e *Engine) AddUser(ctx context.Context, id, label string) (*Outcome, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	if label == "" {
		label = defaultLabel(id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	shortID, err := e.short.FirstShortID(ctx)
	if err != nil {
		e.logger.Warn("short id unavailable", "error", err)
	}

	// Registry short-circuit: a fresh cache hit answers without
	// touching the config file at all.
	if e.cache.Exists(ctx, id, true) {
		return &Outcome{Path: PathNone, ShortID: shortID, Message: "user already provisioned"}, nil
	}

	doc, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	inbound, err := doc.ManagedInbound()
	if err != nil {
		return nil, err
	}

	if existing := inbound.Client(id); existing != nil {
		e.cache.Add(id)
		return &Outcome{Path: PathNone, ShortID: shortID, Message: "user already provisioned"}, nil
	}

	// A stale duplicate label would shadow the new user on the live
	// inbound, which keys users by email.
	if evicted := inbound.RemoveClientsByEmail(label, id); evicted > 0 {
		e.logger.Warn("evicted clients with conflicting label", "label", label, "count", evicted)
	}
	inbound.AppendClient(xray.Client{ID: id, Email: label, Flow: e.flow})

	if err := e.store.Save(ctx, doc); err != nil {
		return nil, fmt.Errorf("persisting user %s: %w", id, err)
	}

	if e.live.IsAvailable() {
		liveErr := e.live.AddUser(ctx, e.tag, id, label, e.flow)
		if liveErr == nil {
			e.cache.Add(id)
			e.logger.Info("user added", "user_id", id, "path", PathLive)
			return &Outcome{Path: PathLive, ShortID: shortID, Message: "user added"}, nil
		}
		e.logger.Warn("live add failed, falling back to reload", "user_id", id, "error", liveErr)
	}

	// The reload decision runs before the cache gains the new id, so a
	// fresh sync cannot veto the nudge the just-saved user needs.
	needReload := e.cache.ShouldReload(ctx, id)
	e.cache.Add(id)
	if !needReload {
		return &Outcome{Path: PathConfigOnly, ShortID: shortID, Message: "user persisted"}, nil
	}
	if err := e.converge(ctx); err != nil {
		return nil, fmt.Errorf("user %s persisted but not live: %w", id, err)
	}
	e.logger.Info("user added", "user_id", id, "path", PathReload)
	return &Outcome{Path: PathReload, ShortID: shortID, Message: "user added"}, nil
}

// RemoveUser deprovisions id. Removing an absent user succeeds.
func (e *Engine) RemoveUser(ctx context.Context, id string) (*Outcome, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Registry short-circuit: a fresh cache miss means there is nothing
	// to remove, without reading the config file.
	if !e.cache.Exists(ctx, id, true) {
		return &Outcome{Path: PathNone, Message: "user not present"}, nil
	}

	doc, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	inbound, err := doc.ManagedInbound()
	if err != nil {
		return nil, err
	}

	existing := inbound.Client(id)
	if existing == nil {
		e.cache.Remove(id)
		return &Outcome{Path: PathNone, Message: "user not present"}, nil
	}
	label := existing.Email
	inbound.RemoveClient(id)

	if err := e.store.Save(ctx, doc); err != nil {
		return nil, fmt.Errorf("persisting removal of %s: %w", id, err)
	}
	e.cache.Remove(id)

	if e.live.IsAvailable() {
		liveErr := e.live.RemoveUser(ctx, e.tag, label)
		if liveErr == nil {
			e.logger.Info("user removed", "user_id", id, "path", PathLive)
			return &Outcome{Path: PathLive, Message: "user removed"}, nil
		}
		e.logger.Warn("live remove failed, falling back to reload", "user_id", id, "error", liveErr)
	}

	// Removals have no per-user staleness signal; only the suppression
	// window holds a reload back.
	if e.cache.ReloadSuppressed() {
		return &Outcome{Path: PathConfigOnly, Message: "user removed from config"}, nil
	}
	if err := e.converge(ctx); err != nil {
		return nil, fmt.Errorf("removal of %s persisted but not live: %w", id, err)
	}
	e.logger.Info("user removed", "user_id", id, "path", PathReload)
	return &Outcome{Path: PathReload, Message: "user removed"}, nil
}

// ReplaceUser swaps oldID for newID atomically: one config snapshot,
// one save, at most one reload decision.
func (e *Engine) ReplaceUser(ctx context.Context, oldID, newID, label string) (*Outcome, error) {
	if _, err := uuid.Parse(oldID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUserID, oldID)
	}
	if _, err := uuid.Parse(newID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUserID, newID)
	}
	if oldID == newID {
		return nil, ErrSameUser
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	doc, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	inbound, err := doc.ManagedInbound()
	if err != nil {
		return nil, err
	}

	if label == "" {
		if old := inbound.Client(oldID); old != nil && old.Email != "" {
			label = old.Email
		} else {
			label = defaultLabel(newID)
		}
	}

	var oldLabel string
	if old := inbound.Client(oldID); old != nil {
		oldLabel = old.Email
		inbound.RemoveClient(oldID)
	}
	if inbound.Client(newID) == nil {
		inbound.RemoveClientsByEmail(label, newID)
		inbound.AppendClient(xray.Client{ID: newID, Email: label, Flow: e.flow})
	}

	if err := e.store.Save(ctx, doc); err != nil {
		return nil, fmt.Errorf("persisting replacement %s -> %s: %w", oldID, newID, err)
	}
	e.cache.Remove(oldID)

	shortID, err := e.short.FirstShortID(ctx)
	if err != nil {
		e.logger.Warn("short id unavailable", "error", err)
	}

	if e.live.IsAvailable() {
		liveErr := e.liveReplace(ctx, oldLabel, newID, label)
		if liveErr == nil {
			e.cache.Add(newID)
			e.logger.Info("user replaced", "old_user_id", oldID, "new_user_id", newID, "path", PathLive)
			return &Outcome{Path: PathLive, ShortID: shortID, Message: "user replaced"}, nil
		}
		e.logger.Warn("live replace failed, falling back to reload", "error", liveErr)
	}

	needReload := e.cache.ShouldReload(ctx, newID)
	e.cache.Add(newID)
	if !needReload {
		return &Outcome{Path: PathConfigOnly, ShortID: shortID, Message: "replacement persisted"}, nil
	}
	if err := e.converge(ctx); err != nil {
		return nil, fmt.Errorf("replacement persisted but not live: %w", err)
	}
	e.logger.Info("user replaced", "old_user_id", oldID, "new_user_id", newID, "path", PathReload)
	return &Outcome{Path: PathReload, ShortID: shortID, Message: "user replaced"}, nil
}

// liveReplace patches the running inbound for a swap. Both halves must
// land; a half-applied swap is worse than none, so any failure punts
// to the reload path where the persisted config wins.
func (e *Engine) liveReplace(ctx context.Context, oldLabel, newID, newLabel string) error {
	if oldLabel != "" {
		if err := e.live.RemoveUser(ctx, e.tag, oldLabel); err != nil {
			return err
		}
	}
	return e.live.AddUser(ctx, e.tag, newID, newLabel, e.flow)
}

// RestartProxy forces a full process restart. The registry is rebuilt
// from the persisted config afterwards so all three views line up.
func (e *Engine) RestartProxy(ctx context.Context) (*Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.proc.Restart(ctx); err != nil {
		return nil, err
	}
	e.cache.MarkReloaded()
	if err := e.cache.Sync(ctx); err != nil {
		e.logger.Warn("post-restart registry sync failed", "error", err)
	}
	return &Outcome{Path: PathReload, Message: "proxy restarted"}, nil
}

// converge makes the running process reflect the persisted config:
// reload first, escalate to restart if the reload signal fails.
func (e *Engine) converge(ctx context.Context) error {
	err := e.proc.Reload(ctx)
	if err == nil {
		e.cache.MarkReloaded()
		return nil
	}
	e.logger.Warn("reload failed, attempting restart", "error", err)
	if err := e.proc.Restart(ctx); err != nil {
		return err
	}
	e.cache.MarkReloaded()
	return nil
}

// Sync rebuilds the cached user set from the persisted config.
func (e *Engine) Sync(ctx context.Context) error {
	return e.cache.Sync(ctx)
}

// Status summarizes the three views the engine reconciles.
type Status struct {
	Running      bool `json:"xray_running"`
	ConfigExists bool `json:"config_exists"`
	UsersCount   int  `json:"users_count"`
}

// Status reports process liveness, config presence, and the persisted
// user count.
func (e *Engine) Status(ctx context.Context) Status {
	count := e.cache.Count()
	if ids, err := e.store.UserIDs(ctx); err == nil {
		count = len(ids)
	}
	return Status{
		Running:      e.live.IsAvailable(),
		ConfigExists: e.store.Exists(),
		UsersCount:   count,
	}
}
