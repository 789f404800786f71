// Package config handles configuration loading for the careline orchestrator.
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
//  1. Path from CARELINE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/careline/orchestrator.yaml
//  3. ~/.config/careline/orchestrator.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	providers:
//	  - name: "claude"
//	    api_key: "${ANTHROPIC_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  ttl: "3600s"
//	kafka:
//	  dispatch_timeout: "2s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server and listener:
//
//	server:
//	  http_addr: "0.0.0.0:8000"
//	tailscale:
//	  enabled: false
//	  hostname: "careline"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: false
//
// Backends:
//
//	redis:
//	  addr: "localhost:6379"
//	kafka:
//	  brokers: ["localhost:9092"]
//	  group: "orchestrator"
//	  dispatch_timeout: "2s"
//
// LLM providers (list order is failover order):
//
//	providers:
//	  - name: "claude"
//	    type: "anthropic"
//	    api_key: "${ANTHROPIC_API_KEY}"
//	    model: "claude-3-5-sonnet-latest"
//	    rpm: 60
//	  - name: "gpt"
//	    type: "openai"
//	    api_key: "${OPENAI_API_KEY}"
//	    model: "gpt-4o-mini"
//
// Agent routes:
//
//	routes:
//	  - intents: ["appointment_booking", "appointment_modify"]
//	    task_type: "appointment"
//	    request_topic: "appointment-agent-requests"
//	    response_topic: "appointment-agent-responses"
//	    hard_deadline: "30s"
//
// # Usage
//
//	cfg, err := config.Load("/etc/careline/orchestrator.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
