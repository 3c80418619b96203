// ABOUTME: HTTP client for the central controller that manages this agent's server record.
// ABOUTME: Handles registration, event webhooks with retry, and periodic metric reports.

package coreapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Client talks to the controller API. All requests authenticate with
// the shared agent API key.
type Client struct {
	baseURL  string
	apiKey   string
	serverID int
	http     *http.Client
	logger   *slog.Logger
}

// New creates a Client for the controller at baseURL.
func New(baseURL, apiKey string, serverID int, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		serverID: serverID,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("component", "coreapi"),
	}
}

// Registration announces the agent endpoint for this server record.
type Registration struct {
	ServerID     int    `json:"server_id"`
	AgentURL     string `json:"agent_url"`
	AgentVersion string `json:"agent_version"`
}

// Event is an asynchronous notification about the proxy's state,
// e.g. an unexpected stop.
type Event struct {
	ServerID int            `json:"server_id"`
	Type     string         `json:"event_type"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Metrics is the periodic health report.
type Metrics struct {
	ServerID   int     `json:"server_id"`
	Running    bool    `json:"xray_running"`
	UsersCount int     `json:"users_count"`
	LoadAvg    float64 `json:"load_avg"`
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("controller returned %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// Register announces this agent to the controller.
func (c *Client) Register(ctx context.Context, agentURL, version string) error {
	return c.post(ctx, "/api/agents/register", Registration{
		ServerID:     c.serverID,
		AgentURL:     agentURL,
		AgentVersion: version,
	})
}

// SendEvent delivers an event, retrying transient failures with
// exponential backoff. The controller treats events as best-effort
// signals, so after the retries are exhausted the error is returned
// for logging rather than escalation.
func (c *Client) SendEvent(ctx context.Context, eventType string, detail map[string]any) error {
	payload := Event{ServerID: c.serverID, Type: eventType, Detail: detail}
	backoff := retry.WithMaxRetries(2, retry.NewExponential(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.post(ctx, "/api/agents/events", payload); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// SendMetrics delivers a metrics report. No retry: the next interval
// supersedes a lost report anyway.
func (c *Client) SendMetrics(ctx context.Context, m Metrics) error {
	m.ServerID = c.serverID
	return c.post(ctx, "/api/agents/metrics", m)
}
