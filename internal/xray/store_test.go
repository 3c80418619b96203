// ABOUTME: Tests for the Xray config store: defaults, migration, atomic save, validation gating.
// ABOUTME: Uses a temp dir per test and fake validators/obfuscation sources.

package xray

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObfuscation struct {
	err error
}

func (f *fakeObfuscation) Obfuscation() (ObfuscationParams, error) {
	if f.err != nil {
		return ObfuscationParams{}, f.err
	}
	return ObfuscationParams{
		PublicKey:  "pub-key",
		PrivateKey: "priv-key",
		ShortIDs:   []string{"a1b2c3"},
		SNI:        "nltimes.nl",
	}, nil
}

type fakeValidator struct {
	err   error
	calls int
	paths []string
}

func (f *fakeValidator) Validate(_ context.Context, path string) error {
	f.calls++
	f.paths = append(f.paths, path)
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, validator Validator) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	return NewStore(path, &fakeObfuscation{}, validator, testLogger())
}

func TestLoad_MissingFileSynthesizesDefault(t *testing.T) {
	s := newTestStore(t, nil)

	doc, err := s.Load(context.Background())
	require.NoError(t, err)

	inb, err := doc.ManagedInbound()
	require.NoError(t, err)
	assert.Equal(t, "vless", inb.Tag)
	assert.Equal(t, 433, inb.Port)
	assert.Empty(t, inb.Settings.Clients)
	assert.Equal(t, "reality", inb.StreamSettings.Security)
	assert.Equal(t, strictMaxTimeDiff, inb.StreamSettings.RealitySettings.MaxTimeDiff)
	assert.Equal(t, []string{"a1b2c3"}, inb.StreamSettings.RealitySettings.ShortIDs)

	// Default is synthesized in memory, not written to disk.
	assert.False(t, s.Exists())
}

func TestLoad_CorruptFileSynthesizesDefault(t *testing.T) {
	s := newTestStore(t, nil)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	doc, err := s.Load(context.Background())
	require.NoError(t, err)

	_, err = doc.ManagedInbound()
	assert.NoError(t, err)
}

func TestSave_RoundTripsAndIsDurable(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	doc, err := s.Load(ctx)
	require.NoError(t, err)

	inb, err := doc.ManagedInbound()
	require.NoError(t, err)
	inb.AppendClient(Client{ID: "11111111-1111-1111-1111-111111111111", Email: "u1", Flow: "xtls-rprx-vision"})

	require.NoError(t, s.Save(ctx, doc))
	require.True(t, s.Exists())

	reloaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"11111111-1111-1111-1111-111111111111"}, reloaded.UserIDs())

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSave_ValidationFailureAborts(t *testing.T) {
	v := &fakeValidator{}
	s := newTestStore(t, v)
	ctx := context.Background()

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, doc))
	v.err = fmt.Errorf("invalid inbound")

	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	inb, _ := doc.ManagedInbound()
	inb.AppendClient(Client{ID: "22222222-2222-2222-2222-222222222222"})

	err = s.Save(ctx, doc)
	require.Error(t, err)

	// The previously valid file is untouched.
	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSave_ValidatorUnavailableProceeds(t *testing.T) {
	v := &fakeValidator{err: fmt.Errorf("running validator: %w", ErrValidatorUnavailable)}
	s := newTestStore(t, v)
	ctx := context.Background()

	doc, err := s.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, doc))
	assert.True(t, s.Exists())
	assert.Equal(t, 1, v.calls)
}

func TestSave_ValidatorSeesCandidateNotDestination(t *testing.T) {
	v := &fakeValidator{}
	s := newTestStore(t, v)
	ctx := context.Background()

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, doc))

	require.Len(t, v.paths, 1)
	assert.NotEqual(t, s.Path(), v.paths[0])
	assert.Equal(t, filepath.Dir(s.Path()), filepath.Dir(v.paths[0]))
}

func writeConfigWithMaxTimeDiff(t *testing.T, s *Store, maxTimeDiff int) {
	t.Helper()
	doc, err := s.Default()
	require.NoError(t, err)
	inb, err := doc.ManagedInbound()
	require.NoError(t, err)
	inb.StreamSettings.RealitySettings.MaxTimeDiff = maxTimeDiff

	data, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0o644))
}

func TestLoad_MigratesObsoleteMaxTimeDiff(t *testing.T) {
	for _, obsolete := range []int{0, 30, 300} {
		t.Run(fmt.Sprintf("from_%d", obsolete), func(t *testing.T) {
			s := newTestStore(t, nil)
			writeConfigWithMaxTimeDiff(t, s, obsolete)

			reloads := 0
			s.SetReloadHook(func(context.Context) { reloads++ })

			doc, err := s.Load(context.Background())
			require.NoError(t, err)

			inb, _ := doc.ManagedInbound()
			assert.Equal(t, strictMaxTimeDiff, inb.StreamSettings.RealitySettings.MaxTimeDiff)
			assert.Equal(t, 1, reloads)

			// Second load of the corrected file must not re-trigger.
			_, err = s.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, reloads)
		})
	}
}

func TestLoad_MigrationDoesNotClobberConcurrentSave(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	writeConfigWithMaxTimeDiff(t, s, 300)

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	inb, err := doc.ManagedInbound()
	require.NoError(t, err)
	inb.AppendClient(Client{ID: "44444444-4444-4444-4444-444444444444", Email: "racer"})

	// Put the obsolete file back so the racing loads each see a
	// migration to persist.
	writeConfigWithMaxTimeDiff(t, s, 300)

	// Loads of the still-obsolete file rewrite it; none of those
	// rewrites may land over the save that carries the new client.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Load(ctx)
			assert.NoError(t, err)
		}()
	}
	require.NoError(t, s.Save(ctx, doc))
	wg.Wait()

	final, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"44444444-4444-4444-4444-444444444444"}, final.UserIDs())
	finalInb, err := final.ManagedInbound()
	require.NoError(t, err)
	assert.Equal(t, strictMaxTimeDiff, finalInb.StreamSettings.RealitySettings.MaxTimeDiff)
}

func TestLoad_CurrentMaxTimeDiffNotMigrated(t *testing.T) {
	s := newTestStore(t, nil)
	writeConfigWithMaxTimeDiff(t, s, strictMaxTimeDiff)

	reloads := 0
	s.SetReloadHook(func(context.Context) { reloads++ })

	_, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, reloads)
}

func TestDefault_PreservesExistingClients(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	inb, _ := doc.ManagedInbound()
	inb.AppendClient(Client{ID: "33333333-3333-3333-3333-333333333333", Email: "keeper"})
	require.NoError(t, s.Save(ctx, doc))

	def, err := s.Default()
	require.NoError(t, err)
	assert.Equal(t, []string{"33333333-3333-3333-3333-333333333333"}, def.UserIDs())
}

func TestUserIDs_EmptyWithoutFile(t *testing.T) {
	s := newTestStore(t, nil)
	ids, err := s.UserIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
