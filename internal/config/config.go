// ABOUTME: Configuration loading and parsing for the careline orchestrator
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete orchestrator configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Tailscale TailscaleConfig  `yaml:"tailscale"`
	Redis     RedisConfig      `yaml:"redis"`
	Kafka     KafkaConfig      `yaml:"kafka"`
	Session   SessionConfig    `yaml:"session"`
	Providers []ProviderConfig `yaml:"providers"`
	Prompts   PromptsConfig    `yaml:"prompts"`
	Intents   IntentsConfig    `yaml:"intents"`
	Routes    []RouteConfig    `yaml:"routes"`
	Limits    LimitsConfig     `yaml:"limits"`
	Cluster   ClusterConfig    `yaml:"cluster"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// RedisConfig holds the shared session store / cluster membership backend
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig holds message bus configuration
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	Group        string   `yaml:"group"`
	ClientID     string   `yaml:"client_id"`
	ForwardTopic string   `yaml:"forward_topic"`

	DispatchTimeout time.Duration `yaml:"-"`
	Workers         int           `yaml:"workers"`
	QueueDepth      int           `yaml:"queue_depth"`

	// Raw string values for YAML unmarshaling
	DispatchTimeoutRaw string `yaml:"dispatch_timeout"`
}

// SessionConfig holds session store tuning
type SessionConfig struct {
	TTL        time.Duration `yaml:"-"`
	MaxHistory int           `yaml:"max_history"`

	TTLRaw string `yaml:"ttl"`
}

// ProviderConfig declares one LLM backend; order in the list is failover order
type ProviderConfig struct {
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"` // "anthropic" or "openai"
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	RPM         int     `yaml:"rpm"`
}

// PromptsConfig points at the prompt template directory; empty uses the
// embedded defaults
type PromptsConfig struct {
	Dir string `yaml:"dir"`
}

// IntentsConfig points at the intent rules file; empty uses the embedded
// default rules
type IntentsConfig struct {
	RulesFile string `yaml:"rules_file"`
}

// RouteConfig maps a group of intents to an agent topic pair
type RouteConfig struct {
	Intents       []string `yaml:"intents"`
	TaskType      string   `yaml:"task_type"`
	RequestTopic  string   `yaml:"request_topic"`
	ResponseTopic string   `yaml:"response_topic"`
	Placeholder   string   `yaml:"placeholder"`

	SoftDeadline time.Duration `yaml:"-"`
	HardDeadline time.Duration `yaml:"-"`

	SoftDeadlineRaw string `yaml:"soft_deadline"`
	HardDeadlineRaw string `yaml:"hard_deadline"`
}

// LimitsConfig holds rate limits and cool-offs
type LimitsConfig struct {
	ChatRPM   int `yaml:"chat_rpm"`
	ChatBurst int `yaml:"chat_burst"`

	LLMCooloff time.Duration `yaml:"-"`

	LLMCooloffRaw string `yaml:"llm_cooloff"`
}

// ClusterConfig holds instance membership tuning
type ClusterConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTTL      time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTTLRaw      string `yaml:"heartbeat_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills optional fields so callers never branch on zero values.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "localhost:8000"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Group == "" {
		c.Kafka.Group = "orchestrator"
	}
	if c.Kafka.ClientID == "" {
		c.Kafka.ClientID = "careline-orchestrator"
	}
	if c.Kafka.ForwardTopic == "" {
		c.Kafka.ForwardTopic = "orchestrator-forwarded"
	}
	if c.Kafka.DispatchTimeout == 0 {
		c.Kafka.DispatchTimeout = 2 * time.Second
	}
	if c.Kafka.Workers == 0 {
		c.Kafka.Workers = 8
	}
	if c.Kafka.QueueDepth == 0 {
		c.Kafka.QueueDepth = 64
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 3600 * time.Second
	}
	if c.Session.MaxHistory == 0 {
		c.Session.MaxHistory = 50
	}
	if c.Limits.ChatRPM == 0 {
		c.Limits.ChatRPM = 30
	}
	if c.Limits.ChatBurst == 0 {
		c.Limits.ChatBurst = 10
	}
	if c.Limits.LLMCooloff == 0 {
		c.Limits.LLMCooloff = 30 * time.Second
	}
	if c.Cluster.HeartbeatInterval == 0 {
		c.Cluster.HeartbeatInterval = 5 * time.Second
	}
	if c.Cluster.HeartbeatTTL == 0 {
		c.Cluster.HeartbeatTTL = 15 * time.Second
	}
	for i := range c.Providers {
		if c.Providers[i].MaxTokens == 0 {
			c.Providers[i].MaxTokens = 1024
		}
		if c.Providers[i].RPM == 0 {
			c.Providers[i].RPM = 60
		}
	}
	for i := range c.Routes {
		if c.Routes[i].HardDeadline == 0 {
			c.Routes[i].HardDeadline = 30 * time.Second
		}
		if c.Routes[i].SoftDeadline == 0 {
			c.Routes[i].SoftDeadline = c.Routes[i].HardDeadline / 2
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale provides the listener
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}

	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if p.Type != "anthropic" && p.Type != "openai" {
			return fmt.Errorf("providers[%d].type must be \"anthropic\" or \"openai\", got %q", i, p.Type)
		}
		if p.Model == "" {
			return fmt.Errorf("providers[%d].model is required", i)
		}
	}

	for i, r := range c.Routes {
		if len(r.Intents) == 0 {
			return fmt.Errorf("routes[%d].intents is required", i)
		}
		if r.TaskType == "" {
			return fmt.Errorf("routes[%d].task_type is required", i)
		}
		if r.RequestTopic == "" || r.ResponseTopic == "" {
			return fmt.Errorf("routes[%d] request_topic and response_topic are required", i)
		}
		if r.HardDeadline < r.SoftDeadline {
			return fmt.Errorf("routes[%d] hard_deadline must be >= soft_deadline", i)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	parse := func(raw, field string, dst *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", field, raw, err)
		}
		*dst = d
		return nil
	}

	if err := parse(cfg.Kafka.DispatchTimeoutRaw, "kafka.dispatch_timeout", &cfg.Kafka.DispatchTimeout); err != nil {
		return err
	}
	if err := parse(cfg.Session.TTLRaw, "session.ttl", &cfg.Session.TTL); err != nil {
		return err
	}
	if err := parse(cfg.Limits.LLMCooloffRaw, "limits.llm_cooloff", &cfg.Limits.LLMCooloff); err != nil {
		return err
	}
	if err := parse(cfg.Cluster.HeartbeatIntervalRaw, "cluster.heartbeat_interval", &cfg.Cluster.HeartbeatInterval); err != nil {
		return err
	}
	if err := parse(cfg.Cluster.HeartbeatTTLRaw, "cluster.heartbeat_ttl", &cfg.Cluster.HeartbeatTTL); err != nil {
		return err
	}
	for i := range cfg.Routes {
		if err := parse(cfg.Routes[i].SoftDeadlineRaw, fmt.Sprintf("routes[%d].soft_deadline", i), &cfg.Routes[i].SoftDeadline); err != nil {
			return err
		}
		if err := parse(cfg.Routes[i].HardDeadlineRaw, fmt.Sprintf("routes[%d].hard_deadline", i), &cfg.Routes[i].HardDeadline); err != nil {
			return err
		}
	}

	return nil
}
