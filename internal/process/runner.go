// ABOUTME: Runs the operator-configured shell commands that control the proxy process.
// ABOUTME: Covers config validation, graceful reload, and the escalating restart chain.

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/2389/xray-agent/internal/xray"
)

// ErrReloadFailed wraps any reload signal failure so callers can fall
// back to a full restart.
var ErrReloadFailed = errors.New("proxy reload failed")

// Runner executes proxy lifecycle commands through the shell. Commands
// are operator-supplied strings so they may use pipes, sudo, systemctl,
// whatever the host needs.
type Runner struct {
	reloadCmd   string
	restartCmds []string
	validateCmd string

	reloadTimeout   time.Duration
	restartTimeout  time.Duration
	validateTimeout time.Duration

	logger *slog.Logger
}

// Config carries the command strings and per-phase timeouts.
type Config struct {
	ReloadCommand   string
	RestartCommands []string
	ValidateCommand string
	ReloadTimeout   time.Duration
	RestartTimeout  time.Duration
	ValidateTimeout time.Duration
}

// NewRunner creates a Runner. Zero timeouts get conservative defaults.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if cfg.ReloadTimeout == 0 {
		cfg.ReloadTimeout = 30 * time.Second
	}
	if cfg.RestartTimeout == 0 {
		cfg.RestartTimeout = 60 * time.Second
	}
	if cfg.ValidateTimeout == 0 {
		cfg.ValidateTimeout = 10 * time.Second
	}
	return &Runner{
		reloadCmd:       cfg.ReloadCommand,
		restartCmds:     cfg.RestartCommands,
		validateCmd:     cfg.ValidateCommand,
		reloadTimeout:   cfg.ReloadTimeout,
		restartTimeout:  cfg.RestartTimeout,
		validateTimeout: cfg.ValidateTimeout,
		logger:          logger,
	}
}

// run executes a shell command string with a deadline, capturing stderr
// for error context.
func (r *Runner) run(ctx context.Context, command string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	// Without a wait delay, an orphaned grandchild holding the stderr
	// pipe keeps Run blocked past the deadline.
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Reload signals the proxy to pick up the persisted config.
func (r *Runner) Reload(ctx context.Context) error {
	if r.reloadCmd == "" {
		return fmt.Errorf("%w: no reload command configured", ErrReloadFailed)
	}
	r.logger.Info("reloading proxy", "command", r.reloadCmd)
	if err := r.run(ctx, r.reloadCmd, r.reloadTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrReloadFailed, err)
	}
	return nil
}

// Restart tries each configured restart command in order and stops at
// the first success. All failures are joined into the returned error.
func (r *Runner) Restart(ctx context.Context) error {
	if len(r.restartCmds) == 0 {
		return errors.New("no restart commands configured")
	}

	var errs []error
	for _, command := range r.restartCmds {
		r.logger.Info("restarting proxy", "command", command)
		err := r.run(ctx, command, r.restartTimeout)
		if err == nil {
			return nil
		}
		r.logger.Warn("restart command failed", "command", command, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", command, err))
	}
	return fmt.Errorf("all restart commands failed: %w", errors.Join(errs...))
}

// Validate runs the configured validation command against a candidate
// config file, substituting "{}" with its path. A missing command or a
// failure to invoke the validator at all is reported as
// xray.ErrValidatorUnavailable; a nonzero exit means the candidate is
// genuinely invalid.
func (r *Runner) Validate(ctx context.Context, path string) error {
	if r.validateCmd == "" {
		return fmt.Errorf("%w: no validate command configured", xray.ErrValidatorUnavailable)
	}

	command := strings.ReplaceAll(r.validateCmd, "{}", path)

	ctx, cancel := context.WithTimeout(ctx, r.validateTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	// A deadline kill surfaces as an ExitError ("signal: killed"), so
	// check the context first: a timed-out validator gave no verdict.
	if ctx.Err() != nil {
		return fmt.Errorf("%w: validation timed out: %v", xray.ErrValidatorUnavailable, err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = exitErr.String()
		}
		return fmt.Errorf("config validation failed: %s", msg)
	}
	// The validator never ran (binary missing, context dead before
	// start). Treat it as unavailable, not as a verdict.
	return fmt.Errorf("%w: %v", xray.ErrValidatorUnavailable, err)
}
