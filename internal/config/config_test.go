package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, CacheMemory, cfg.Cache.Backend)
	assert.False(t, cfg.AdvisorActive(), "no provider configured")
}

func TestLoad_NoSources(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, Default().Routing, cfg.Routing)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: 9000
routing:
  advisor_timeout: 750ms
dispatch:
  timeouts:
    mermaid: 45s
llm:
  provider: Anthropic
  model: claude-test
cache:
  backend: none
`)
	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Routing.AdvisorTimeout)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.Timeouts["mermaid"])
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Timeouts["template"], "unlisted methods keep defaults")
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, CacheNone, cfg.Cache.Backend)
	assert.True(t, cfg.AdvisorActive())
	assert.Equal(t, 60*time.Second, cfg.Server.ReadDeadline)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  port: 9000\n")
	t.Setenv("DIAGRAMFLOW_SERVER_PORT", "9100")
	t.Setenv("DIAGRAMFLOW_LLM_API_KEY", "secret")
	t.Setenv("DIAGRAMFLOW_ROUTING_ADVISOR_ENABLED", "false")
	t.Setenv("DIAGRAMFLOW_DISPATCH_TIMEOUTS", "chart:2s")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.LLM.APIKey)
	assert.False(t, cfg.Routing.AdvisorEnabled)
	assert.Equal(t, map[string]time.Duration{"chart": 2 * time.Second}, cfg.Dispatch.Timeouts)
}

func TestLoad_DotEnv(t *testing.T) {
	const key = "DIAGRAMFLOW_LOG_LEVEL"
	t.Cleanup(func() { os.Unsetenv(key) })
	path := writeFile(t, ".env", key+"=debug\n")

	cfg, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_MissingDotEnvIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoad_MissingYAML(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", "server: [port")
	_, err := Load(path, "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 70000 }},
		{"send buffer", func(c *Config) { c.Server.SendBuffer = 0 }},
		{"deadline below ping", func(c *Config) { c.Server.ReadDeadline = c.Server.PingInterval }},
		{"advisor timeout", func(c *Config) { c.Routing.AdvisorTimeout = 0 }},
		{"breaker", func(c *Config) { c.Routing.BreakerThreshold = 0 }},
		{"default timeout", func(c *Config) { c.Dispatch.DefaultTimeout = -time.Second }},
		{"method timeout", func(c *Config) { c.Dispatch.Timeouts["chart"] = 0 }},
		{"provider", func(c *Config) { c.LLM.Provider = "bard" }},
		{"llm concurrency", func(c *Config) { c.LLM.MaxConcurrent = 0 }},
		{"cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis addr", func(c *Config) { c.Cache.Backend = CacheRedis }},
		{"cache ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = -1
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "log.format")
}
