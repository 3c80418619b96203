// ABOUTME: Durable store for the Xray configuration file.
// ABOUTME: Load synthesizes defaults and migrates; Save validates out-of-process and writes atomically.

package xray

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrValidatorUnavailable is returned (wrapped) by a Validator when the
// validation mechanism itself cannot run, as opposed to the candidate
// configuration failing validation. The store proceeds with the save in
// that case, logging a warning.
var ErrValidatorUnavailable = errors.New("config validator unavailable")

// Validator checks a rendered candidate configuration before it becomes
// durable, typically by invoking the proxy's own dry-run facility
// against the file at path. Implementations must bound their own
// execution time.
type Validator interface {
	Validate(ctx context.Context, path string) error
}

// ObfuscationParams are the Reality-layer parameters needed to
// synthesize a default configuration.
type ObfuscationParams struct {
	PublicKey  string
	PrivateKey string
	ShortIDs   []string
	SNI        string
}

// ObfuscationSource supplies obfuscation parameters, creating them on
// first use.
type ObfuscationSource interface {
	Obfuscation() (ObfuscationParams, error)
}

// Values of maxTimeDiff rewritten on load. 0 disables replay
// protection entirely; 30 and 300 are the loose tolerances earlier
// agent releases wrote.
var obsoleteMaxTimeDiffs = map[int]bool{0: true, 30: true, 300: true}

// strictMaxTimeDiff is the current anti-replay tolerance in seconds.
const strictMaxTimeDiff = 10

// Store owns the persisted Xray configuration file. It is the single
// durable source of truth for the provisioned user set.
type Store struct {
	path        string
	obfuscation ObfuscationSource
	validator   Validator
	logger      *slog.Logger

	// mu serializes file writes, and spans Load's read-migrate-save
	// sequence so a migration rewrite cannot clobber a newer save.
	mu sync.Mutex

	// reloadHook, when set, is invoked after a migration rewrite so the
	// running process picks up the corrected file.
	reloadHook func(ctx context.Context)
}

// NewStore creates a Store for the configuration file at path.
// validator may be nil to skip out-of-process validation entirely.
func NewStore(path string, obfuscation ObfuscationSource, validator Validator, logger *slog.Logger) *Store {
	return &Store{
		path:        path,
		obfuscation: obfuscation,
		validator:   validator,
		logger:      logger,
	}
}

// SetReloadHook registers the function invoked when a load-time
// migration rewrote the file.
func (s *Store) SetReloadHook(fn func(ctx context.Context)) {
	s.reloadHook = fn
}

// Path returns the configuration file path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the configuration file is present on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load returns the current configuration, synthesizing a structurally
// valid default if the file is absent or unreadable. A lazily-applied
// migration rewrites obsolete anti-replay tolerance values to the
// current strict value, persists the corrected file, and requests a
// reload; migration failures are logged, never fatal to the load.
func (s *Store) Load(ctx context.Context) (*Document, error) {
	s.mu.Lock()
	doc, err := s.read()
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("xray config unreadable, synthesizing default",
			"path", s.path,
			"error", err,
		)
		return s.Default()
	}

	migrated := false
	if s.migrate(doc) {
		if err := s.save(ctx, doc); err != nil {
			s.logger.Warn("migration save failed", "error", err)
		} else {
			migrated = true
		}
	}
	s.mu.Unlock()

	// The hook runs a reload command; keep it outside the lock.
	if migrated && s.reloadHook != nil {
		s.reloadHook(ctx)
	}

	return doc, nil
}

// read parses the file without fallback or migration.
func (s *Store) read() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return &doc, nil
}

// migrate rewrites obsolete maxTimeDiff values in place and reports
// whether anything changed.
func (s *Store) migrate(doc *Document) bool {
	inb, err := doc.ManagedInbound()
	if err != nil || inb.StreamSettings == nil || inb.StreamSettings.RealitySettings == nil {
		return false
	}
	reality := inb.StreamSettings.RealitySettings
	if !obsoleteMaxTimeDiffs[reality.MaxTimeDiff] {
		return false
	}
	s.logger.Info("migrating maxTimeDiff to strict replay protection",
		"from", reality.MaxTimeDiff,
		"to", strictMaxTimeDiff,
	)
	reality.MaxTimeDiff = strictMaxTimeDiff
	return true
}

// Save validates the candidate configuration and persists it
// atomically. The candidate is rendered to a temporary file in the
// destination directory, checked by the validator, then renamed over
// the previous file so a crash mid-write cannot corrupt it. An
// inability to validate (ErrValidatorUnavailable) logs a warning and
// proceeds; a validation failure aborts the save.
func (s *Store) Save(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, doc)
}

// save is Save without the lock, for callers already holding mu.
func (s *Store) save(ctx context.Context, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config: %w", err)
	}

	if s.validator != nil {
		if err := s.validator.Validate(ctx, tmpPath); err != nil {
			if errors.Is(err, ErrValidatorUnavailable) {
				s.logger.Warn("config validation skipped", "error", err)
			} else {
				return fmt.Errorf("config validation failed: %w", err)
			}
		}
	}

	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("setting config permissions: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	syncDir(dir)

	s.logger.Info("xray config saved", "path", s.path)
	return nil
}

// syncDir flushes the directory entry so the rename survives a crash.
// Best effort: some filesystems reject directory fsync.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// UserIDs returns the identifiers currently persisted on the managed
// inbound. Used by the registry to rebuild its cached set.
func (s *Store) UserIDs(ctx context.Context) ([]string, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.UserIDs(), nil
}

// Default synthesizes a structurally valid configuration with Reality
// support. Clients already present in an existing (possibly partially
// readable) file are preserved so a corrupted wrapper never silently
// drops provisioned users.
func (s *Store) Default() (*Document, error) {
	params, err := s.obfuscation.Obfuscation()
	if err != nil {
		return nil, fmt.Errorf("loading obfuscation parameters: %w", err)
	}

	var serverNames []string
	if params.SNI != "" {
		serverNames = []string{params.SNI}
	}

	doc := &Document{
		Log:   &LogSettings{LogLevel: "warning"},
		Stats: &StatsSettings{},
		API: &APISettings{
			Tag:      "api",
			Services: []string{"HandlerService", "StatsService"},
		},
		Inbounds: []*Inbound{
			{
				Tag:      "vless",
				Listen:   "0.0.0.0",
				Port:     433,
				Protocol: ProtocolVLESS,
				Settings: &InboundSettings{
					Clients:    s.salvageClients(),
					Decryption: "none",
					Fallbacks: []Fallback{
						{Dest: params.SNI + ":443", Xver: 0},
					},
				},
				StreamSettings: &StreamSettings{
					Network:  "tcp",
					Security: "reality",
					RealitySettings: &RealitySettings{
						Show:        false,
						Dest:        params.SNI + ":443",
						Xver:        0,
						ServerNames: serverNames,
						PublicKey:   params.PublicKey,
						PrivateKey:  params.PrivateKey,
						MaxTimeDiff: strictMaxTimeDiff,
						ShortIDs:    params.ShortIDs,
					},
					TCPSettings: &TCPSettings{
						AcceptProxyProtocol:  false,
						Header:               &TCPHeader{Type: "none"},
						KeepAlive:            true,
						TCPKeepAliveInterval: 10,
						TCPKeepAliveIdle:     30,
						TCPKeepAliveCount:    3,
					},
				},
				Sniffing: &Sniffing{
					Enabled:      true,
					DestOverride: []string{"http", "tls"},
				},
			},
			{
				Tag:      "api",
				Listen:   "0.0.0.0",
				Port:     10085,
				Protocol: "dokodemo-door",
				Settings: &InboundSettings{Address: "127.0.0.1"},
			},
		},
		Outbounds: []*Outbound{
			{Protocol: "freedom", Settings: &InboundSettings{}},
		},
		Routing: &Routing{
			Rules: []RoutingRule{
				{Type: "field", InboundTag: []string{"api"}, OutboundTag: "api"},
			},
		},
	}

	return doc, nil
}

// salvageClients extracts the client list from whatever is currently on
// disk, tolerating failure. Synthesizing a default must never discard
// users that an earlier valid file contained.
func (s *Store) salvageClients() []Client {
	doc, err := s.read()
	if err != nil {
		return []Client{}
	}
	inb, err := doc.ManagedInbound()
	if err != nil || inb.Settings == nil {
		return []Client{}
	}
	if len(inb.Settings.Clients) > 0 {
		s.logger.Info("preserving existing users in default config",
			"users_count", len(inb.Settings.Clients),
		)
	}
	return inb.Settings.Clients
}
