// ABOUTME: HTTP surface of the agent: command execution, status, reality params, health, metrics.
// ABOUTME: All endpoints except health and metrics require the shared X-API-Key.

package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/xray-agent/internal/provision"
	"github.com/2389/xray-agent/internal/reality"
)

// Commander executes provisioning commands. Satisfied by the engine.
type Commander interface {
	AddUser(ctx context.Context, id, label string) (*provision.Outcome, error)
	RemoveUser(ctx context.Context, id string) (*provision.Outcome, error)
	ReplaceUser(ctx context.Context, oldID, newID, label string) (*provision.Outcome, error)
	RestartProxy(ctx context.Context) (*provision.Outcome, error)
	Status(ctx context.Context) provision.Status
}

// RealitySource serves the obfuscation parameters to the controller.
type RealitySource interface {
	Params(ctx context.Context) (*reality.Params, error)
}

// Server holds the HTTP handlers and their metrics.
type Server struct {
	commander Commander
	realities RealitySource
	apiKey    string
	version   string
	serverID  int
	logger    *slog.Logger
	mux       *http.ServeMux

	commandsTotal *prometheus.CounterVec
	registry      *prometheus.Registry
}

// CommandRequest is the wire format of POST /commands.
type CommandRequest struct {
	Command   string `json:"command"`
	UserID    string `json:"user_id,omitempty"`
	OldUserID string `json:"old_user_id,omitempty"`
	Label     string `json:"label,omitempty"`
}

// CommandResponse is the wire format of command results.
type CommandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ShortID string `json:"short_id,omitempty"`
}

// Options configure the server's identity and metrics exposure.
type Options struct {
	APIKey   string
	Version  string
	ServerID int

	// MetricsDisabled removes the Prometheus endpoint; collectors are
	// still registered so command counters stay cheap to keep.
	MetricsDisabled bool
	// MetricsPath defaults to /metrics.
	MetricsPath string
}

// NewServer wires the routes and registers the metric collectors.
func NewServer(commander Commander, realities RealitySource, opts Options, logger *slog.Logger) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{
		commander: commander,
		realities: realities,
		apiKey:    opts.APIKey,
		version:   opts.Version,
		serverID:  opts.ServerID,
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
		registry:  prometheus.NewRegistry(),
	}

	s.commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xray_agent_commands_total",
		Help: "Commands processed, by command and result.",
	}, []string{"command", "result"})
	s.registry.MustRegister(s.commandsTotal)
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "xray_agent_users_count",
		Help: "Users present in the persisted proxy config.",
	}, func() float64 {
		return float64(commander.Status(context.Background()).UsersCount)
	}))
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "xray_agent_proxy_up",
		Help: "Whether the proxy control port answers.",
	}, func() float64 {
		if commander.Status(context.Background()).Running {
			return 1
		}
		return 0
	}))

	s.mux.HandleFunc("GET /health", s.handleHealth)
	if !opts.MetricsDisabled {
		s.mux.Handle("GET "+opts.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	s.mux.Handle("POST /commands", s.requireAPIKey(http.HandlerFunc(s.handleCommands)))
	s.mux.Handle("GET /status", s.requireAPIKey(http.HandlerFunc(s.handleStatus)))
	s.mux.Handle("GET /reality", s.requireAPIKey(http.HandlerFunc(s.handleReality)))
	return s
}

// Handler returns the root handler for mounting in an http.Server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// requireAPIKey guards an endpoint behind the shared agent key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.sendJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	out, err := s.dispatch(r.Context(), req)
	if err != nil {
		s.commandsTotal.WithLabelValues(req.Command, "error").Inc()
		status := http.StatusInternalServerError
		if isBadRequest(err) {
			status = http.StatusBadRequest
		}
		s.logger.Error("command failed", "command", req.Command, "error", err)
		s.writeJSON(w, status, CommandResponse{Success: false, Message: err.Error()})
		return
	}

	s.commandsTotal.WithLabelValues(req.Command, "ok").Inc()
	s.writeJSON(w, http.StatusOK, CommandResponse{
		Success: true,
		Message: out.Message,
		ShortID: out.ShortID,
	})
}

var errUnknownCommand = errors.New("unknown command")
var errMissingField = errors.New("missing required field")

func (s *Server) dispatch(ctx context.Context, req CommandRequest) (*provision.Outcome, error) {
	switch req.Command {
	case "add_user":
		if req.UserID == "" {
			return nil, fmt.Errorf("%w: user_id is required", errMissingField)
		}
		return s.commander.AddUser(ctx, req.UserID, req.Label)
	case "remove_user":
		if req.UserID == "" {
			return nil, fmt.Errorf("%w: user_id is required", errMissingField)
		}
		return s.commander.RemoveUser(ctx, req.UserID)
	case "regenerate_user":
		if req.OldUserID == "" || req.UserID == "" {
			return nil, fmt.Errorf("%w: old_user_id and user_id are required", errMissingField)
		}
		return s.commander.ReplaceUser(ctx, req.OldUserID, req.UserID, req.Label)
	case "restart_xray":
		return s.commander.RestartProxy(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownCommand, req.Command)
	}
}

// isBadRequest classifies caller mistakes versus agent-side failures.
func isBadRequest(err error) bool {
	return errors.Is(err, errUnknownCommand) ||
		errors.Is(err, errMissingField) ||
		errors.Is(err, provision.ErrInvalidUserID) ||
		errors.Is(err, provision.ErrSameUser)
}

// StatusResponse is the wire format of GET /status.
type StatusResponse struct {
	AgentVersion string           `json:"agent_version"`
	ServerID     int              `json:"server_id"`
	Xray         provision.Status `json:"xray"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatusResponse{
		AgentVersion: s.version,
		ServerID:     s.serverID,
		Xray:         s.commander.Status(r.Context()),
	})
}

func (s *Server) handleReality(w http.ResponseWriter, r *http.Request) {
	params, err := s.realities.Params(r.Context())
	if err != nil {
		s.logger.Error("reality parameters unavailable", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "reality parameters unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, params)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
