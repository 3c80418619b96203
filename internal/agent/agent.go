// ABOUTME: Top-level wiring of the agent: builds every component and runs the serve loop.
// ABOUTME: Owns the HTTP server lifecycle, background monitor, and controller registration.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/xray-agent/internal/api"
	"github.com/2389/xray-agent/internal/config"
	"github.com/2389/xray-agent/internal/control"
	"github.com/2389/xray-agent/internal/coreapi"
	"github.com/2389/xray-agent/internal/monitor"
	"github.com/2389/xray-agent/internal/process"
	"github.com/2389/xray-agent/internal/provision"
	"github.com/2389/xray-agent/internal/reality"
	"github.com/2389/xray-agent/internal/registry"
	"github.com/2389/xray-agent/internal/xray"
)

// Agent bundles every running component of the sidecar.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	engine     *provision.Engine
	realities  *reality.Store
	live       *control.Client
	controller *coreapi.Client
	monitor    *monitor.Monitor
	httpServer *http.Server
	version    string
}

// New wires the agent from config. Nothing is started yet.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Agent, error) {
	realities := reality.NewStore(cfg.Xray.RealityPath, "", logger.With("component", "reality"))

	runner := process.NewRunner(process.Config{
		ReloadCommand:   cfg.Xray.ReloadCommand,
		RestartCommands: cfg.Xray.RestartCommands,
		ValidateCommand: cfg.Xray.ValidateCommand,
		ReloadTimeout:   cfg.Xray.ReloadTimeout,
		RestartTimeout:  cfg.Xray.RestartTimeout,
		ValidateTimeout: cfg.Xray.ValidateTimeout,
	}, logger.With("component", "process"))

	store := xray.NewStore(cfg.Xray.ConfigPath, realities, runner, logger.With("component", "store"))

	cache := registry.New(store, registry.Options{
		SyncInterval:      cfg.Cache.SyncInterval,
		SuppressionWindow: cfg.Cache.SuppressionWindow,
		FreshnessWindow:   cfg.Cache.FreshnessWindow,
	}, logger.With("component", "registry"))

	live := control.NewClient(cfg.Xray.APIAddr, cfg.Xray.ControlTimeout, cfg.Xray.ProbeTimeout,
		logger.With("component", "control"))

	engine := provision.New(store, cache, live, runner, realities,
		cfg.Xray.InboundTag, cfg.Xray.Flow, logger)

	// Config migrations performed at load time need the process nudged
	// so they actually take effect.
	store.SetReloadHook(func(ctx context.Context) {
		if err := runner.Reload(ctx); err != nil {
			logger.Warn("post-migration reload failed", "error", err)
		} else {
			cache.MarkReloaded()
		}
	})

	var controller *coreapi.Client
	if cfg.Controller.URL != "" {
		controller = coreapi.New(cfg.Controller.URL, cfg.Controller.APIKey, cfg.Controller.ServerID,
			logger)
	}

	var reporter monitor.Reporter
	if controller != nil {
		reporter = controller
	}
	mon := monitor.New(engine, reporter, monitor.Options{
		MetricsInterval: cfg.Monitor.MetricsInterval,
		CheckInterval:   cfg.Monitor.CheckInterval,
		SyncInterval:    cfg.Cache.SyncInterval,
	}, logger)

	apiServer := api.NewServer(engine, realities, api.Options{
		APIKey:          cfg.Auth.APIKey,
		Version:         version,
		ServerID:        cfg.Controller.ServerID,
		MetricsDisabled: cfg.Metrics.Disabled,
		MetricsPath:     cfg.Metrics.Path,
	}, logger)

	return &Agent{
		cfg:        cfg,
		logger:     logger,
		engine:     engine,
		realities:  realities,
		live:       live,
		controller: controller,
		monitor:    mon,
		version:    version,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run starts the HTTP server and background loops and blocks until ctx
// is cancelled or the server fails.
func (a *Agent) Run(ctx context.Context) error {
	// Prime the persisted config and reality parameters so the first
	// command never pays the synthesis cost.
	if _, err := a.realities.Params(ctx); err != nil {
		return fmt.Errorf("initializing reality parameters: %w", err)
	}
	if err := a.engine.Sync(ctx); err != nil {
		a.logger.Warn("initial registry sync failed", "error", err)
	}

	a.registerWithController(ctx)

	monCtx, cancelMon := context.WithCancel(ctx)
	defer cancelMon()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.monitor.Run(monCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("agent listening", "addr", a.cfg.Server.HTTPAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case serverErr = <-errCh:
		a.logger.Error("server failed", "error", serverErr)
	}

	cancelMon()
	wg.Wait()

	shutdownErr := a.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// registerWithController announces this agent upstream. Failure is
// logged, not fatal: the controller retries discovery on its side.
func (a *Agent) registerWithController(ctx context.Context) {
	if a.controller == nil || a.cfg.Controller.AgentURL == "" {
		return
	}
	if err := a.controller.Register(ctx, a.cfg.Controller.AgentURL, a.version); err != nil {
		a.logger.Warn("controller registration failed", "error", err)
		return
	}
	a.logger.Info("registered with controller", "server_id", a.cfg.Controller.ServerID)
}

// gracefulShutdown drains the HTTP server with a fresh context, since
// the run context is already cancelled by the time we get here.
func (a *Agent) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := a.live.Close(); err != nil {
		errs = append(errs, fmt.Errorf("control connection close: %w", err))
	}
	return errors.Join(errs...)
}

// Engine exposes the reconciliation engine, mainly for CLI status use.
func (a *Agent) Engine() *provision.Engine {
	return a.engine
}
