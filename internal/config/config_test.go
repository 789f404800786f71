// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8000"

redis:
  addr: "redis-0:6379"
  db: 2

kafka:
  brokers: ["kafka-0:9092", "kafka-1:9092"]
  group: "orchestrator"
  dispatch_timeout: "2s"
  workers: 4
  queue_depth: 16

session:
  ttl: "3600s"
  max_history: 50

providers:
  - name: "claude"
    type: "anthropic"
    api_key: "test-key"
    model: "claude-3-5-sonnet-latest"
    max_tokens: 512
    temperature: 0.2
    rpm: 60
  - name: "gpt"
    type: "openai"
    api_key: "test-key-2"
    model: "gpt-4o-mini"

routes:
  - intents: ["appointment_booking", "appointment_modify"]
    task_type: "appointment"
    request_topic: "appointment-agent-requests"
    response_topic: "appointment-agent-responses"
    soft_deadline: "15s"
    hard_deadline: "30s"
    placeholder: "Checking slots..."

limits:
  chat_rpm: 45
  chat_burst: 5
  llm_cooloff: "30s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8000")
	}
	if cfg.Redis.Addr != "redis-0:6379" {
		t.Errorf("Redis.Addr = %q, want %q", cfg.Redis.Addr, "redis-0:6379")
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("Redis.DB = %d, want 2", cfg.Redis.DB)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Kafka.Brokers len = %d, want 2", len(cfg.Kafka.Brokers))
	}
	if cfg.Kafka.DispatchTimeout != 2*time.Second {
		t.Errorf("Kafka.DispatchTimeout = %v, want %v", cfg.Kafka.DispatchTimeout, 2*time.Second)
	}
	if cfg.Kafka.Workers != 4 {
		t.Errorf("Kafka.Workers = %d, want 4", cfg.Kafka.Workers)
	}
	if cfg.Session.TTL != 3600*time.Second {
		t.Errorf("Session.TTL = %v, want %v", cfg.Session.TTL, 3600*time.Second)
	}
	if cfg.Session.MaxHistory != 50 {
		t.Errorf("Session.MaxHistory = %d, want 50", cfg.Session.MaxHistory)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("Providers len = %d, want 2", len(cfg.Providers))
	}
	if cfg.Providers[0].Name != "claude" || cfg.Providers[0].Type != "anthropic" {
		t.Errorf("Providers[0] = %+v, want claude/anthropic", cfg.Providers[0])
	}
	if cfg.Providers[0].MaxTokens != 512 {
		t.Errorf("Providers[0].MaxTokens = %d, want 512", cfg.Providers[0].MaxTokens)
	}
	if cfg.Providers[1].MaxTokens != 1024 {
		t.Errorf("Providers[1].MaxTokens = %d, want default 1024", cfg.Providers[1].MaxTokens)
	}
	if cfg.Providers[1].RPM != 60 {
		t.Errorf("Providers[1].RPM = %d, want default 60", cfg.Providers[1].RPM)
	}

	if len(cfg.Routes) != 1 {
		t.Fatalf("Routes len = %d, want 1", len(cfg.Routes))
	}
	if cfg.Routes[0].SoftDeadline != 15*time.Second || cfg.Routes[0].HardDeadline != 30*time.Second {
		t.Errorf("Routes[0] deadlines = %v/%v, want 15s/30s", cfg.Routes[0].SoftDeadline, cfg.Routes[0].HardDeadline)
	}

	if cfg.Limits.ChatRPM != 45 {
		t.Errorf("Limits.ChatRPM = %d, want 45", cfg.Limits.ChatRPM)
	}
	if cfg.Limits.LLMCooloff != 30*time.Second {
		t.Errorf("Limits.LLMCooloff = %v, want 30s", cfg.Limits.LLMCooloff)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8000"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q, want default localhost:6379", cfg.Redis.Addr)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("Kafka.Brokers = %v, want default [localhost:9092]", cfg.Kafka.Brokers)
	}
	if cfg.Kafka.Group != "orchestrator" {
		t.Errorf("Kafka.Group = %q, want default orchestrator", cfg.Kafka.Group)
	}
	if cfg.Kafka.DispatchTimeout != 2*time.Second {
		t.Errorf("Kafka.DispatchTimeout = %v, want default 2s", cfg.Kafka.DispatchTimeout)
	}
	if cfg.Session.TTL != 3600*time.Second {
		t.Errorf("Session.TTL = %v, want default 3600s", cfg.Session.TTL)
	}
	if cfg.Session.MaxHistory != 50 {
		t.Errorf("Session.MaxHistory = %d, want default 50", cfg.Session.MaxHistory)
	}
	if cfg.Limits.LLMCooloff != 30*time.Second {
		t.Errorf("Limits.LLMCooloff = %v, want default 30s", cfg.Limits.LLMCooloff)
	}
	if cfg.Cluster.HeartbeatInterval != 5*time.Second || cfg.Cluster.HeartbeatTTL != 15*time.Second {
		t.Errorf("Cluster heartbeat = %v/%v, want 5s/15s", cfg.Cluster.HeartbeatInterval, cfg.Cluster.HeartbeatTTL)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "key-from-env")

	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8000"

providers:
  - name: "claude"
    type: "anthropic"
    api_key: "${TEST_ANTHROPIC_KEY}"
    model: "claude-3-5-sonnet-latest"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Providers[0].APIKey != "key-from-env" {
		t.Errorf("Providers[0].APIKey = %q, want %q", cfg.Providers[0].APIKey, "key-from-env")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8000"
redis:
  password: "${UNSET_VAR_FOR_TEST}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Redis.Password != "" {
		t.Errorf("Redis.Password = %q, want empty for unset var", cfg.Redis.Password)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8000"
session:
  ttl: "one hour"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "session.ttl") {
		t.Errorf("error %q should name session.ttl", err)
	}
}

func TestLoad_InvalidProviderType(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "localhost:8000"
providers:
  - name: "mystery"
    type: "mystery"
    model: "m1"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for unknown provider type")
	}
}

func TestLoad_TailscaleRequiresHostname(t *testing.T) {
	configPath := writeConfig(t, `
tailscale:
  enabled: true
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for tailscale without hostname")
	}
	if !strings.Contains(err.Error(), "hostname") {
		t.Errorf("error %q should mention hostname", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}
