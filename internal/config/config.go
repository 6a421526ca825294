package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Athena insight engine.
// It is loaded from ~/.athena/config.yaml and can be overridden by environment variables.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Insights  InsightsConfig  `mapstructure:"insights" yaml:"insights"`
	State     StateConfig     `mapstructure:"state" yaml:"state"`
	M365      M365Config      `mapstructure:"m365" yaml:"m365"`
	Broadcast BroadcastConfig `mapstructure:"broadcast" yaml:"broadcast"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig groups the two provider backends.
type LLMConfig struct {
	Direct       DirectConfig       `mapstructure:"direct" yaml:"direct"`
	AgentNetwork AgentNetworkConfig `mapstructure:"agent_network" yaml:"agent_network"`
}

// DirectConfig configures the chat-completions adapter.
type DirectConfig struct {
	// Endpoint is the API base URL. Azure resources use their resource URL here.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	// Deployment selects Azure deployment routing when non-empty
	Deployment string `mapstructure:"deployment" yaml:"deployment,omitempty"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	APIVersion string `mapstructure:"api_version" yaml:"api_version,omitempty"`
	// Model is sent in the request body for OpenAI-style endpoints
	Model             string        `mapstructure:"model" yaml:"model,omitempty"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Retries           int           `mapstructure:"retries" yaml:"retries"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// AgentNetworkConfig configures the multi-agent network adapter.
type AgentNetworkConfig struct {
	// Transport is "http" (streaming chat API) or "a2a" (agent card + A2A protocol)
	Transport string            `mapstructure:"transport" yaml:"transport"`
	BaseURL   string            `mapstructure:"base_url" yaml:"base_url"`
	Network   string            `mapstructure:"network" yaml:"network"`
	Networks  map[string]string `mapstructure:"networks" yaml:"networks,omitempty"`
	Streaming bool              `mapstructure:"streaming" yaml:"streaming"`
	Timeout   time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

// InsightsConfig controls the fan-out coordinator.
type InsightsConfig struct {
	// DefaultProvider is "openai" or "neurosan"
	DefaultProvider   string `mapstructure:"default_provider" yaml:"default_provider"`
	SuppressAutoReply bool   `mapstructure:"suppress_auto_reply" yaml:"suppress_auto_reply"`
	PromptsDir        string `mapstructure:"prompts_dir" yaml:"prompts_dir,omitempty"`
}

// StateConfig bounds the in-memory per-customer state.
type StateConfig struct {
	HistoryCap        int `mapstructure:"history_cap" yaml:"history_cap"`
	LedgerCap         int `mapstructure:"ledger_cap" yaml:"ledger_cap"`
	MaxCustomers      int `mapstructure:"max_customers" yaml:"max_customers"`
	SnapshotCacheSize int `mapstructure:"snapshot_cache_size" yaml:"snapshot_cache_size"`
}

// M365Config configures the directory/licensing tool backend.
type M365Config struct {
	GraphBaseURL        string        `mapstructure:"graph_base_url" yaml:"graph_base_url"`
	TenantDomain        string        `mapstructure:"tenant_domain" yaml:"tenant_domain,omitempty"`
	Token               string        `mapstructure:"token" yaml:"token,omitempty"`
	RequireConfirmation bool          `mapstructure:"require_confirmation" yaml:"require_confirmation"`
	FuzzyThreshold      float64       `mapstructure:"fuzzy_threshold" yaml:"fuzzy_threshold"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// BroadcastConfig controls real-time fan-out to subscribers.
type BroadcastConfig struct {
	SubscriberBuffer int    `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	RedisAddr        string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"`
	RedisPassword    string `mapstructure:"redis_password" yaml:"redis_password,omitempty"`
	RedisChannel     string `mapstructure:"redis_channel" yaml:"redis_channel"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "console" or "json"
	Format string `mapstructure:"format" yaml:"format"`
	// File is the path to the log file
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3001,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		LLM: LLMConfig{
			Direct: DirectConfig{
				Endpoint:          "https://api.openai.com/v1",
				APIVersion:        "2024-10-01-preview",
				Model:             "gpt-4o-mini",
				Timeout:           60 * time.Second,
				MaxTokens:         900,
				Retries:           2,
				RequestsPerSecond: 10,
			},
			AgentNetwork: AgentNetworkConfig{
				Transport: "http",
				BaseURL:   "http://localhost:8080",
				Network:   "contact_center_systems_architect",
				Networks:  map[string]string{},
				Streaming: true,
				Timeout:   60 * time.Second,
			},
		},
		Insights: InsightsConfig{
			DefaultProvider: "openai",
		},
		State: StateConfig{
			HistoryCap:        50,
			LedgerCap:         20,
			MaxCustomers:      10000,
			SnapshotCacheSize: 1000,
		},
		M365: M365Config{
			GraphBaseURL:   "https://graph.microsoft.com/v1.0",
			FuzzyThreshold: 0.45,
			Timeout:        30 * time.Second,
		},
		Broadcast: BroadcastConfig{
			SubscriberBuffer: 16,
			RedisChannel:     "athena:insights",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultPath returns ~/.athena/config.yaml.
func DefaultPath() string {
	return expandPath("~/.athena/config.yaml")
}

// Load reads the config from the default location, creating it if missing.
func Load() (*Config, error) {
	return LoadFromPath(DefaultPath())
}

// LoadFromPath reads configuration from a YAML file, writing defaults first
// when the file does not exist. Environment variables with the ATHENA_ prefix
// override file values, e.g. ATHENA_LLM_DIRECT_API_KEY.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v, Default())

	v.SetEnvPrefix("ATHENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.Insights.PromptsDir = expandPath(cfg.Insights.PromptsDir)
	if cfg.LLM.AgentNetwork.Networks == nil {
		cfg.LLM.AgentNetwork.Networks = map[string]string{}
	}

	return &cfg, nil
}

// setDefaults registers every leaf key so AutomaticEnv can override keys
// that are absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)

	v.SetDefault("llm.direct.endpoint", cfg.LLM.Direct.Endpoint)
	v.SetDefault("llm.direct.deployment", cfg.LLM.Direct.Deployment)
	v.SetDefault("llm.direct.api_key", cfg.LLM.Direct.APIKey)
	v.SetDefault("llm.direct.api_version", cfg.LLM.Direct.APIVersion)
	v.SetDefault("llm.direct.model", cfg.LLM.Direct.Model)
	v.SetDefault("llm.direct.timeout", cfg.LLM.Direct.Timeout)
	v.SetDefault("llm.direct.max_tokens", cfg.LLM.Direct.MaxTokens)
	v.SetDefault("llm.direct.retries", cfg.LLM.Direct.Retries)
	v.SetDefault("llm.direct.requests_per_second", cfg.LLM.Direct.RequestsPerSecond)

	v.SetDefault("llm.agent_network.transport", cfg.LLM.AgentNetwork.Transport)
	v.SetDefault("llm.agent_network.base_url", cfg.LLM.AgentNetwork.BaseURL)
	v.SetDefault("llm.agent_network.network", cfg.LLM.AgentNetwork.Network)
	v.SetDefault("llm.agent_network.streaming", cfg.LLM.AgentNetwork.Streaming)
	v.SetDefault("llm.agent_network.timeout", cfg.LLM.AgentNetwork.Timeout)

	v.SetDefault("insights.default_provider", cfg.Insights.DefaultProvider)
	v.SetDefault("insights.suppress_auto_reply", cfg.Insights.SuppressAutoReply)
	v.SetDefault("insights.prompts_dir", cfg.Insights.PromptsDir)

	v.SetDefault("state.history_cap", cfg.State.HistoryCap)
	v.SetDefault("state.ledger_cap", cfg.State.LedgerCap)
	v.SetDefault("state.max_customers", cfg.State.MaxCustomers)
	v.SetDefault("state.snapshot_cache_size", cfg.State.SnapshotCacheSize)

	v.SetDefault("m365.graph_base_url", cfg.M365.GraphBaseURL)
	v.SetDefault("m365.tenant_domain", cfg.M365.TenantDomain)
	v.SetDefault("m365.token", cfg.M365.Token)
	v.SetDefault("m365.require_confirmation", cfg.M365.RequireConfirmation)
	v.SetDefault("m365.fuzzy_threshold", cfg.M365.FuzzyThreshold)
	v.SetDefault("m365.timeout", cfg.M365.Timeout)

	v.SetDefault("broadcast.subscriber_buffer", cfg.Broadcast.SubscriberBuffer)
	v.SetDefault("broadcast.redis_addr", cfg.Broadcast.RedisAddr)
	v.SetDefault("broadcast.redis_password", cfg.Broadcast.RedisPassword)
	v.SetDefault("broadcast.redis_channel", cfg.Broadcast.RedisChannel)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}

// SaveToPath writes the configuration to a specific path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return writeConfigFile(path, c)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	validProviders := map[string]bool{"openai": true, "neurosan": true}
	if !validProviders[c.Insights.DefaultProvider] {
		return fmt.Errorf("invalid insights.default_provider '%s', must be one of: openai, neurosan", c.Insights.DefaultProvider)
	}

	if t := c.LLM.AgentNetwork.Transport; t != "http" && t != "a2a" {
		return fmt.Errorf("invalid llm.agent_network.transport '%s', must be 'http' or 'a2a'", t)
	}

	if c.LLM.Direct.Retries < 1 {
		return fmt.Errorf("llm.direct.retries must be at least 1")
	}

	if c.State.HistoryCap < 1 || c.State.LedgerCap < 1 {
		return fmt.Errorf("state.history_cap and state.ledger_cap must be positive")
	}

	if c.M365.FuzzyThreshold < 0 || c.M365.FuzzyThreshold > 1 {
		return fmt.Errorf("m365.fuzzy_threshold must be between 0 and 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging.format '%s', must be 'console' or 'json'", c.Logging.Format)
	}

	return nil
}

// writeConfigFile writes the config struct to a YAML file.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Athena configuration\n# Environment overrides use the ATHENA_ prefix, e.g. ATHENA_LLM_DIRECT_API_KEY\n\n")
	if err := os.WriteFile(path, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
