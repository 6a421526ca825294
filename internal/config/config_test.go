package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.Insights.DefaultProvider)
	assert.Equal(t, 900, cfg.LLM.Direct.MaxTokens)
	assert.Equal(t, 2, cfg.LLM.Direct.Retries)
	assert.Equal(t, 60*time.Second, cfg.LLM.Direct.Timeout)
	assert.Equal(t, "contact_center_systems_architect", cfg.LLM.AgentNetwork.Network)
	assert.True(t, cfg.LLM.AgentNetwork.Streaming)
	assert.Equal(t, 50, cfg.State.HistoryCap)
	assert.Equal(t, 20, cfg.State.LedgerCap)
	assert.InDelta(t, 0.45, cfg.M365.FuzzyThreshold, 1e-9)
	assert.False(t, cfg.M365.RequireConfirmation)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromPathCreatesDefault(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), ".athena", "config.yaml")

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.FileExists(t, configPath)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
	assert.Equal(t, Default().LLM.Direct.Timeout, cfg.LLM.Direct.Timeout)
}

func TestLoadFromPathReadsFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
insights:
  default_provider: neurosan
llm:
  agent_network:
    transport: a2a
    networks:
      AGENT_NETWORK_EXECUTE: m365_admin
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "neurosan", cfg.Insights.DefaultProvider)
	assert.Equal(t, "a2a", cfg.LLM.AgentNetwork.Transport)
	// keys are lowercased by viper
	assert.Equal(t, "m365_admin", cfg.LLM.AgentNetwork.Networks["agent_network_execute"])
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys fall back to defaults
	assert.Equal(t, 50, cfg.State.HistoryCap)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("ATHENA_SERVER_PORT", "7070")
	t.Setenv("ATHENA_LLM_DIRECT_API_KEY", "sk-test")

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.LLM.Direct.APIKey)
}

func TestSaveToPathRoundTrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.M365.RequireConfirmation = true
	cfg.Broadcast.RedisAddr = "localhost:6379"
	require.NoError(t, cfg.SaveToPath(configPath))

	loaded, err := LoadFromPath(configPath)
	require.NoError(t, err)
	assert.True(t, loaded.M365.RequireConfirmation)
	assert.Equal(t, "localhost:6379", loaded.Broadcast.RedisAddr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"bad provider", func(c *Config) { c.Insights.DefaultProvider = "bedrock" }, "default_provider"},
		{"bad transport", func(c *Config) { c.LLM.AgentNetwork.Transport = "grpc" }, "transport"},
		{"zero retries", func(c *Config) { c.LLM.Direct.Retries = 0 }, "retries"},
		{"zero ledger", func(c *Config) { c.State.LedgerCap = 0 }, "ledger_cap"},
		{"threshold", func(c *Config) { c.M365.FuzzyThreshold = 1.5 }, "fuzzy_threshold"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "log level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerAddr(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 3001}
	assert.Equal(t, "127.0.0.1:3001", s.Addr())
}
