// ABOUTME: Tests for the proxy lifecycle command runner.
// ABOUTME: Uses real shell one-liners so exit-code and stderr handling is exercised end to end.

package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/xray-agent/internal/xray"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReload_Success(t *testing.T) {
	r := NewRunner(Config{ReloadCommand: "true"}, testLogger())
	assert.NoError(t, r.Reload(context.Background()))
}

func TestReload_Failure(t *testing.T) {
	r := NewRunner(Config{ReloadCommand: "echo boom >&2; exit 1"}, testLogger())
	err := r.Reload(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReloadFailed))
	assert.Contains(t, err.Error(), "boom")
}

func TestReload_NoCommand(t *testing.T) {
	r := NewRunner(Config{}, testLogger())
	err := r.Reload(context.Background())
	assert.True(t, errors.Is(err, ErrReloadFailed))
}

func TestRestart_FirstSuccessWins(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	r := NewRunner(Config{
		RestartCommands: []string{"true", "touch " + marker},
	}, testLogger())

	require.NoError(t, r.Restart(context.Background()))
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "later commands must not run after a success")
}

func TestRestart_FallsThroughToNextCommand(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	r := NewRunner(Config{
		RestartCommands: []string{"exit 1", "touch " + marker},
	}, testLogger())

	require.NoError(t, r.Restart(context.Background()))
	_, err := os.Stat(marker)
	assert.NoError(t, err)
}

func TestRestart_AllFail(t *testing.T) {
	r := NewRunner(Config{
		RestartCommands: []string{"exit 1", "exit 2"},
	}, testLogger())

	err := r.Restart(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all restart commands failed")
}

func TestRestart_NoCommands(t *testing.T) {
	r := NewRunner(Config{}, testLogger())
	assert.Error(t, r.Restart(context.Background()))
}

func TestValidate_SubstitutesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candidate.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	r := NewRunner(Config{ValidateCommand: "test -f {}"}, testLogger())
	assert.NoError(t, r.Validate(context.Background(), path))
}

func TestValidate_ExitFailureIsVerdict(t *testing.T) {
	r := NewRunner(Config{ValidateCommand: "echo bad config >&2; exit 3"}, testLogger())
	err := r.Validate(context.Background(), "/tmp/whatever.json")
	require.Error(t, err)
	assert.False(t, errors.Is(err, xray.ErrValidatorUnavailable))
	assert.Contains(t, err.Error(), "bad config")
}

func TestValidate_NoCommandIsUnavailable(t *testing.T) {
	r := NewRunner(Config{}, testLogger())
	err := r.Validate(context.Background(), "/tmp/whatever.json")
	assert.True(t, errors.Is(err, xray.ErrValidatorUnavailable))
}

func TestValidate_TimeoutIsUnavailableNotVerdict(t *testing.T) {
	r := NewRunner(Config{
		ValidateCommand: "sleep 5",
		ValidateTimeout: 50 * time.Millisecond,
	}, testLogger())

	start := time.Now()
	err := r.Validate(context.Background(), "/tmp/whatever.json")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, xray.ErrValidatorUnavailable),
		"a killed validator gave no verdict: %v", err)
	assert.Less(t, elapsed, 3*time.Second, "deadline must cut the command short")
}

func TestValidate_TimeoutWithOrphanedGrandchild(t *testing.T) {
	// The grandchild inherits the stderr pipe; the wait delay keeps its
	// open write end from blocking Run past the deadline.
	r := NewRunner(Config{
		ValidateCommand: "sleep 5 & sleep 5",
		ValidateTimeout: 50 * time.Millisecond,
	}, testLogger())

	start := time.Now()
	err := r.Validate(context.Background(), "/tmp/whatever.json")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, xray.ErrValidatorUnavailable))
	assert.Less(t, elapsed, 3*time.Second)
}

func TestReload_Timeout(t *testing.T) {
	r := NewRunner(Config{
		ReloadCommand: "sleep 5",
		ReloadTimeout: 50 * time.Millisecond,
	}, testLogger())

	start := time.Now()
	err := r.Reload(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReloadFailed))
	assert.Less(t, elapsed, 3*time.Second)
}

var _ xray.Validator = (*Runner)(nil)
