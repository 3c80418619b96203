// Package config handles configuration loading for xray-agent.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from XRAY_AGENT_CONFIG environment variable
//  2. /etc/xray-agent/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  api_key: "${XRAY_AGENT_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	cache:
//	  sync_interval: "5m"
//	  suppression_window: "5m"
//	  freshness_window: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Agent listener and auth:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	auth:
//	  api_key: "${XRAY_AGENT_API_KEY}"
//
// Managed Xray process:
//
//	xray:
//	  config_path: "/etc/xray/config.json"
//	  reality_path: "/etc/xray/reality.json"
//	  api_addr: "127.0.0.1:10085"
//	  inbound_tag: "vless"
//	  validate_command: "xray -test -config {}"
//	  reload_command: "kill -SIGHUP $(pidof xray)"
//	  restart_commands:
//	    - "systemctl restart xray"
//	    - "service xray restart"
//
// Upstream controller (optional):
//
//	controller:
//	  url: "http://core-api:8000"
//	  api_key: "${XRAY_AGENT_API_KEY}"
//	  server_id: 42
//	  agent_url: "http://this-host:8080"
//
// Logging and metrics:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  disabled: false
//	  path: "/metrics"
package config
