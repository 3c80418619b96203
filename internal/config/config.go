// ABOUTME: Configuration loading and parsing for xray-agent
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete xray-agent configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Xray       XrayConfig       `yaml:"xray"`
	Cache      CacheConfig      `yaml:"cache"`
	Controller ControllerConfig `yaml:"controller"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds the agent's HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds the API key used by the controller to authenticate requests
type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// XrayConfig holds everything the agent needs to manage the Xray process:
// where its config lives, how to reach its gRPC API, and the external
// commands used to validate, reload, and restart it.
type XrayConfig struct {
	ConfigPath  string `yaml:"config_path"`
	RealityPath string `yaml:"reality_path"`
	APIAddr     string `yaml:"api_addr"`
	InboundTag  string `yaml:"inbound_tag"`
	Flow        string `yaml:"flow"`

	// ValidateCommand is run before every config save; "{}" is replaced
	// with the candidate file path. Empty disables out-of-process validation.
	ValidateCommand string `yaml:"validate_command"`

	// ReloadCommand signals the running process to re-read its config.
	ReloadCommand string `yaml:"reload_command"`

	// RestartCommands are tried in order until one succeeds.
	RestartCommands []string `yaml:"restart_commands"`

	ValidateTimeout time.Duration `yaml:"-"`
	ReloadTimeout   time.Duration `yaml:"-"`
	RestartTimeout  time.Duration `yaml:"-"`
	ControlTimeout  time.Duration `yaml:"-"`
	ProbeTimeout    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ValidateTimeoutRaw string `yaml:"validate_timeout"`
	ReloadTimeoutRaw   string `yaml:"reload_timeout"`
	RestartTimeoutRaw  string `yaml:"restart_timeout"`
	ControlTimeoutRaw  string `yaml:"control_timeout"`
	ProbeTimeoutRaw    string `yaml:"probe_timeout"`
}

// CacheConfig holds the user registry's timing windows
type CacheConfig struct {
	SyncInterval      time.Duration `yaml:"-"`
	SuppressionWindow time.Duration `yaml:"-"`
	FreshnessWindow   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SyncIntervalRaw      string `yaml:"sync_interval"`
	SuppressionWindowRaw string `yaml:"suppression_window"`
	FreshnessWindowRaw   string `yaml:"freshness_window"`
}

// ControllerConfig holds the upstream controller connection settings.
// Registration and event reporting are skipped if URL or APIKey is empty.
type ControllerConfig struct {
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	ServerID int    `yaml:"server_id"`
	AgentURL string `yaml:"agent_url"`
}

// MonitorConfig holds background task intervals
type MonitorConfig struct {
	MetricsInterval time.Duration `yaml:"-"`
	CheckInterval   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	MetricsIntervalRaw string `yaml:"metrics_interval"`
	CheckIntervalRaw   string `yaml:"check_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
// The endpoint is on by default; Disabled turns it off.
type MetricsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values, and unset
// timing fields receive their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required")
	}
	if c.Xray.ConfigPath == "" {
		return fmt.Errorf("xray.config_path is required")
	}
	if c.Xray.APIAddr == "" {
		return fmt.Errorf("xray.api_addr is required")
	}
	return nil
}

// applyDefaults fills in unset fields with the values the agent ships with.
func (c *Config) applyDefaults() {
	if c.Xray.RealityPath == "" {
		c.Xray.RealityPath = "/etc/xray/reality.json"
	}
	if c.Xray.InboundTag == "" {
		c.Xray.InboundTag = "vless"
	}
	if c.Xray.Flow == "" {
		c.Xray.Flow = "xtls-rprx-vision"
	}
	if c.Xray.ValidateTimeout == 0 {
		c.Xray.ValidateTimeout = 10 * time.Second
	}
	if c.Xray.ReloadTimeout == 0 {
		c.Xray.ReloadTimeout = 30 * time.Second
	}
	if c.Xray.RestartTimeout == 0 {
		c.Xray.RestartTimeout = 60 * time.Second
	}
	if c.Xray.ControlTimeout == 0 {
		c.Xray.ControlTimeout = 10 * time.Second
	}
	if c.Xray.ProbeTimeout == 0 {
		c.Xray.ProbeTimeout = 2 * time.Second
	}
	if c.Cache.SyncInterval == 0 {
		c.Cache.SyncInterval = 5 * time.Minute
	}
	if c.Cache.SuppressionWindow == 0 {
		c.Cache.SuppressionWindow = 5 * time.Minute
	}
	if c.Cache.FreshnessWindow == 0 {
		c.Cache.FreshnessWindow = time.Minute
	}
	if c.Monitor.MetricsInterval == 0 {
		c.Monitor.MetricsInterval = 30 * time.Second
	}
	if c.Monitor.CheckInterval == 0 {
		c.Monitor.CheckInterval = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Xray.ValidateTimeoutRaw, &cfg.Xray.ValidateTimeout, "xray.validate_timeout"},
		{cfg.Xray.ReloadTimeoutRaw, &cfg.Xray.ReloadTimeout, "xray.reload_timeout"},
		{cfg.Xray.RestartTimeoutRaw, &cfg.Xray.RestartTimeout, "xray.restart_timeout"},
		{cfg.Xray.ControlTimeoutRaw, &cfg.Xray.ControlTimeout, "xray.control_timeout"},
		{cfg.Xray.ProbeTimeoutRaw, &cfg.Xray.ProbeTimeout, "xray.probe_timeout"},
		{cfg.Cache.SyncIntervalRaw, &cfg.Cache.SyncInterval, "cache.sync_interval"},
		{cfg.Cache.SuppressionWindowRaw, &cfg.Cache.SuppressionWindow, "cache.suppression_window"},
		{cfg.Cache.FreshnessWindowRaw, &cfg.Cache.FreshnessWindow, "cache.freshness_window"},
		{cfg.Monitor.MetricsIntervalRaw, &cfg.Monitor.MetricsInterval, "monitor.metrics_interval"},
		{cfg.Monitor.CheckIntervalRaw, &cfg.Monitor.CheckInterval, "monitor.check_interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
