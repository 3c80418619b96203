// ABOUTME: Persistent store for the Reality obfuscation parameters (X25519 key pair, short IDs).
// ABOUTME: Generates parameters on first use and serves them to config synthesis and API clients.

package reality

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/2389/xray-agent/internal/xray"
)

// Params holds everything the Reality protocol layer needs. The key
// pair is base64url without padding, matching what xray's own keygen
// emits.
type Params struct {
	PublicKey   string   `json:"public_key"`
	PrivateKey  string   `json:"private_key"`
	ShortIDs    []string `json:"short_ids"`
	Fingerprint string   `json:"fingerprint"`
	SNI         string   `json:"sni"`
	SPX         string   `json:"spx"`
}

// Store owns the reality.json file. Parameters are generated once and
// then reused for the lifetime of the deployment; regenerating them
// would invalidate every distributed client link.
type Store struct {
	mu     sync.Mutex
	path   string
	sni    string
	logger *slog.Logger
	cached *Params
}

// NewStore creates a Store persisting to path. sni overrides the
// default camouflage domain when non-empty.
func NewStore(path, sni string, logger *slog.Logger) *Store {
	if sni == "" {
		sni = "nltimes.nl"
	}
	return &Store{path: path, sni: sni, logger: logger}
}

// Params returns the stored parameters, generating and persisting a
// fresh set if none exist yet.
func (s *Store) Params(ctx context.Context) (*Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if err == nil {
		var p Params
		if jsonErr := json.Unmarshal(data, &p); jsonErr == nil && p.PrivateKey != "" {
			s.cached = &p
			return &p, nil
		}
		s.logger.Warn("reality parameter file unreadable, regenerating", "path", s.path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading reality parameters: %w", err)
	}

	p, err := s.generate()
	if err != nil {
		return nil, err
	}
	if err := s.persist(p); err != nil {
		return nil, err
	}
	s.logger.Info("generated reality parameters", "path", s.path, "short_ids", len(p.ShortIDs))
	s.cached = p
	return p, nil
}

// Obfuscation adapts the store to the config synthesis interface.
func (s *Store) Obfuscation() (xray.ObfuscationParams, error) {
	p, err := s.Params(context.Background())
	if err != nil {
		return xray.ObfuscationParams{}, err
	}
	return xray.ObfuscationParams{
		PublicKey:  p.PublicKey,
		PrivateKey: p.PrivateKey,
		ShortIDs:   p.ShortIDs,
		SNI:        p.SNI,
	}, nil
}

// FirstShortID returns the primary short ID, provisioning parameters
// on first use.
func (s *Store) FirstShortID(ctx context.Context) (string, error) {
	p, err := s.Params(ctx)
	if err != nil {
		return "", err
	}
	if len(p.ShortIDs) == 0 {
		return "", fmt.Errorf("reality parameters carry no short IDs")
	}
	return p.ShortIDs[0], nil
}

func (s *Store) generate() (*Params, error) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	shortID, err := GenerateShortID()
	if err != nil {
		return nil, err
	}
	return &Params{
		PublicKey:   pub,
		PrivateKey:  priv,
		ShortIDs:    []string{shortID},
		Fingerprint: "chrome",
		SNI:         s.sni,
		SPX:         "/",
	}, nil
}

func (s *Store) persist(p *Params) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding reality parameters: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating reality parameter directory: %w", err)
	}
	// Private key material: owner-only.
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing reality parameters: %w", err)
	}
	return nil
}

// GenerateKeyPair produces a clamped X25519 key pair encoded as
// unpadded base64url.
func GenerateKeyPair() (private, public string, err error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", "", fmt.Errorf("generating private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("deriving public key: %w", err)
	}

	enc := base64.RawURLEncoding
	return enc.EncodeToString(priv[:]), enc.EncodeToString(pub), nil
}

// GenerateShortID produces a random Reality short ID: 3 bytes, hex.
func GenerateShortID() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating short id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
