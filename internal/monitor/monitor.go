// ABOUTME: Background loops watching proxy liveness and reporting metrics upstream.
// ABOUTME: Also keeps the user registry periodically synced with the persisted config.

package monitor

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/2389/xray-agent/internal/coreapi"
	"github.com/2389/xray-agent/internal/provision"
)

// StatusSource exposes the reconciled view the loops observe.
type StatusSource interface {
	Status(ctx context.Context) provision.Status
	Sync(ctx context.Context) error
}

// Reporter delivers observations to the controller. Nil-able: the agent
// runs fine unregistered.
type Reporter interface {
	SendEvent(ctx context.Context, eventType string, detail map[string]any) error
	SendMetrics(ctx context.Context, m coreapi.Metrics) error
}

// Options configure the loop cadences.
type Options struct {
	MetricsInterval time.Duration
	CheckInterval   time.Duration
	SyncInterval    time.Duration
}

// Monitor runs the agent's periodic work until its context ends.
type Monitor struct {
	source   StatusSource
	reporter Reporter
	opts     Options
	logger   *slog.Logger

	lastRunning bool
	seenRunning bool

	loadAvg func() float64
}

// New creates a Monitor. reporter may be nil when no controller is
// configured.
func New(source StatusSource, reporter Reporter, opts Options, logger *slog.Logger) *Monitor {
	if opts.MetricsInterval == 0 {
		opts.MetricsInterval = 30 * time.Second
	}
	if opts.CheckInterval == 0 {
		opts.CheckInterval = 10 * time.Second
	}
	if opts.SyncInterval == 0 {
		opts.SyncInterval = 5 * time.Minute
	}
	return &Monitor{
		source:   source,
		reporter: reporter,
		opts:     opts,
		logger:   logger.With("component", "monitor"),
		loadAvg:  readLoadAvg,
	}
}

// Run blocks until ctx is cancelled, driving all loops off one goroutine.
func (m *Monitor) Run(ctx context.Context) {
	check := time.NewTicker(m.opts.CheckInterval)
	defer check.Stop()
	metrics := time.NewTicker(m.opts.MetricsInterval)
	defer metrics.Stop()
	sync := time.NewTicker(m.opts.SyncInterval)
	defer sync.Stop()

	m.checkLiveness(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			m.checkLiveness(ctx)
		case <-metrics.C:
			m.reportMetrics(ctx)
		case <-sync.C:
			if err := m.source.Sync(ctx); err != nil {
				m.logger.Error("periodic registry sync failed", "error", err)
			}
		}
	}
}

// checkLiveness watches for the running->stopped transition and raises
// an event on it. Startup flapping is ignored until the process has
// been seen up once.
func (m *Monitor) checkLiveness(ctx context.Context) {
	running := m.source.Status(ctx).Running

	if m.seenRunning && m.lastRunning && !running {
		m.logger.Warn("proxy process stopped")
		if m.reporter != nil {
			if err := m.reporter.SendEvent(ctx, "xray_stopped", nil); err != nil {
				m.logger.Error("event delivery failed", "error", err)
			}
		}
	}
	if running {
		m.seenRunning = true
	}
	m.lastRunning = running
}

func (m *Monitor) reportMetrics(ctx context.Context) {
	if m.reporter == nil {
		return
	}
	st := m.source.Status(ctx)
	err := m.reporter.SendMetrics(ctx, coreapi.Metrics{
		Running:    st.Running,
		UsersCount: st.UsersCount,
		LoadAvg:    m.loadAvg(),
	})
	if err != nil {
		m.logger.Error("metrics delivery failed", "error", err)
	}
}

// readLoadAvg reads the 1-minute load average. Best effort: zero on
// any error, including non-Linux hosts.
func readLoadAvg() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return load
}
