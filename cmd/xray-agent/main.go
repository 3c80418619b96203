// ABOUTME: Entry point for the xray-agent sidecar
// ABOUTME: Provisions proxy users on behalf of the central controller

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/xray-agent/internal/agent"
	"github.com/2389/xray-agent/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                        _
 __  ___ __ __ _ _   _        __ _  __ _  ___ _ __ | |_
 \ \/ / '__/ _' | | | |_____ / _' |/ _' |/ _ \ '_ \| __|
  >  <| | | (_| | |_| |_____| (_| | (_| |  __/ | | | |_
 /_/\_\_|  \__,_|\__, |      \__,_|\__, |\___|_| |_|\__|
                 |___/             |___/
`

// getConfigPath returns the path to the agent config file.
// Priority: XRAY_AGENT_CONFIG env var > /etc/xray-agent/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("XRAY_AGENT_CONFIG"); envPath != "" {
		return envPath
	}
	return "/etc/xray-agent/config.yaml"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: xray-agent <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the agent")
		fmt.Println("  health   Check agent health")
		fmt.Println("  status   Show proxy status")
		fmt.Println("  version  Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Proxy:   %s (inbound %q)\n", cfg.Xray.APIAddr, cfg.Xray.InboundTag)
	if cfg.Controller.URL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Control: %s (server %d)\n", cfg.Controller.URL, cfg.Controller.ServerID)
	}
	fmt.Println()

	logger.Info("starting xray-agent",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"proxy_api", cfg.Xray.APIAddr,
	)

	ag, err := agent.New(cfg, version, logger)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	return ag.Run(ctx)
}

// runHealth probes the local agent's unauthenticated health endpoint.
func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := localURL(cfg.Server.HTTPAddr) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent unhealthy: HTTP %d", resp.StatusCode)
	}
	fmt.Println("ok")
	return nil
}

// runStatus fetches and pretty-prints the authenticated status view.
func runStatus(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := localURL(cfg.Server.HTTPAddr) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", cfg.Auth.APIKey)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		return err
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// localURL turns a listen address like ":8080" or "0.0.0.0:8080" into
// a loopback base URL.
func localURL(addr string) string {
	host := "127.0.0.1"
	port := addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		if h := addr[:idx]; h != "" && h != "0.0.0.0" && h != "::" && h != "[::]" {
			host = h
		}
		port = addr[idx+1:]
	}
	return "http://" + host + ":" + port
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
