// Package config handles configuration loading for mcpmux.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The package validates server entries and converts them into
// transport descriptors.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MCPMUX_CONFIG environment variable
//  2. ./mcpmux.yaml (current directory)
//  3. ~/.config/mcpmux/config.yaml
//
// Files ending in .toml are parsed as TOML; everything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	servers:
//	  - id: github
//	    transport: http
//	    url: "https://mcp.example.com"
//	    headers:
//	      Authorization: "Bearer ${GITHUB_MCP_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	health:
//	  probe_interval: "15s"
//	  degraded_interval: "5s"
//	  probe_timeout: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Servers (one entry per MCP server):
//
//	servers:
//	  - id: files
//	    name: "Filesystem"
//	    transport: stdio          # stdio, socket, http
//	    command: "mcp-files"
//	    args: ["--root", "/data"]
//	    env:
//	      LOG_LEVEL: debug
//	  - id: indexer
//	    transport: socket
//	    path: "/run/indexer.sock"
//
// Client identity presented during the handshake:
//
//	client:
//	  name: "mcpmux"
//	  version: "1.0"
//	  call_timeout: "60s"
//
// Health probing:
//
//	health:
//	  probe_interval: "15s"
//	  degraded_interval: "5s"
//	  probe_timeout: "5s"
//	  miss_threshold: 3
//	  fail_threshold: 6
//
// Reconnection policy:
//
//	reconnect:
//	  max_attempts: 5
//	  base_backoff: "500ms"
//	  max_backoff: "30s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - At least one server entry exists
//   - Server ids are non-empty and unique
//   - Each server's transport kind has its required fields
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/mcpmux/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
