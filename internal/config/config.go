// Package config loads server configuration. Values are layered: built-in
// defaults, then an optional YAML file, then a .env file, then environment
// variables prefixed with DIAGRAMFLOW_.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "DIAGRAMFLOW"

// Config holds all server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" split_words:"true"`
	Routing   RoutingConfig   `yaml:"routing" split_words:"true"`
	Dispatch  DispatchConfig  `yaml:"dispatch" split_words:"true"`
	LLM       LLMConfig       `yaml:"llm" split_words:"true"`
	Renderer  RendererConfig  `yaml:"renderer" split_words:"true"`
	Cache     CacheConfig     `yaml:"cache" split_words:"true"`
	Storage   StorageConfig   `yaml:"storage" split_words:"true"`
	Templates TemplatesConfig `yaml:"templates" split_words:"true"`
	Log       LogConfig       `yaml:"log" split_words:"true"`
}

// ServerConfig covers the HTTP and WebSocket listener.
type ServerConfig struct {
	Port            int           `yaml:"port" split_words:"true"`
	StaticDir       string        `yaml:"static_dir" split_words:"true"`
	ReadDeadline    time.Duration `yaml:"read_deadline" split_words:"true"`
	WriteDeadline   time.Duration `yaml:"write_deadline" split_words:"true"`
	PingInterval    time.Duration `yaml:"ping_interval" split_words:"true"`
	SendBuffer      int           `yaml:"send_buffer" split_words:"true"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" split_words:"true"`
	HistorySize     int           `yaml:"history_size" split_words:"true"`
}

// RoutingConfig covers the routing engine and its advisor.
type RoutingConfig struct {
	AdvisorEnabled   bool          `yaml:"advisor_enabled" split_words:"true"`
	AdvisorTimeout   time.Duration `yaml:"advisor_timeout" split_words:"true"`
	SummaryTokens    int           `yaml:"summary_tokens" split_words:"true"`
	BreakerThreshold int           `yaml:"breaker_threshold" split_words:"true"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" split_words:"true"`
}

// DispatchConfig covers per-attempt timeouts.
type DispatchConfig struct {
	DefaultTimeout time.Duration            `yaml:"default_timeout" split_words:"true"`
	Timeouts       map[string]time.Duration `yaml:"timeouts" split_words:"true"`
}

// LLMConfig selects the language model used by the advisor and the mermaid
// backend. An empty provider disables both.
type LLMConfig struct {
	Provider      string `yaml:"provider" split_words:"true"`
	Model         string `yaml:"model" split_words:"true"`
	APIKey        string `yaml:"api_key" split_words:"true"`
	BaseURL       string `yaml:"base_url" split_words:"true"`
	MaxConcurrent int64  `yaml:"max_concurrent" split_words:"true"`
}

// RendererConfig points at the Kroki instance rendering Mermaid to SVG. An
// empty URL returns Mermaid source instead.
type RendererConfig struct {
	KrokiURL string        `yaml:"kroki_url" split_words:"true"`
	Timeout  time.Duration `yaml:"timeout" split_words:"true"`
}

// CacheConfig selects the result cache.
type CacheConfig struct {
	Backend       string        `yaml:"backend" split_words:"true"`
	RedisAddr     string        `yaml:"redis_addr" split_words:"true"`
	RedisPassword string        `yaml:"redis_password" split_words:"true"`
	RedisDB       int           `yaml:"redis_db" split_words:"true"`
	TTL           time.Duration `yaml:"ttl" split_words:"true"`
}

// StorageConfig configures the artifact store. An empty path disables it.
type StorageConfig struct {
	Path    string `yaml:"path" split_words:"true"`
	BaseURL string `yaml:"base_url" split_words:"true"`
}

// TemplatesConfig configures template overrides.
type TemplatesConfig struct {
	Dir      string        `yaml:"dir" split_words:"true"`
	Watch    bool          `yaml:"watch" split_words:"true"`
	Debounce time.Duration `yaml:"debounce" split_words:"true"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
}

// Cache backends.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8420,
			ReadDeadline:    60 * time.Second,
			WriteDeadline:   10 * time.Second,
			PingInterval:    30 * time.Second,
			SendBuffer:      256,
			MaxMessageBytes: 1 << 20,
			HistorySize:     100,
		},
		Routing: RoutingConfig{
			AdvisorEnabled:   true,
			AdvisorTimeout:   2 * time.Second,
			SummaryTokens:    512,
			BreakerThreshold: 3,
			BreakerCooldown:  30 * time.Second,
		},
		Dispatch: DispatchConfig{
			DefaultTimeout: 10 * time.Second,
			Timeouts: map[string]time.Duration{
				"template": 5 * time.Second,
				"chart":    5 * time.Second,
				"mermaid":  30 * time.Second,
			},
		},
		LLM: LLMConfig{
			MaxConcurrent: 4,
		},
		Renderer: RendererConfig{
			Timeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
			TTL:     10 * time.Minute,
		},
		Storage: StorageConfig{
			BaseURL: "http://localhost:8420",
		},
		Templates: TemplatesConfig{
			Watch:    true,
			Debounce: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. yamlPath may be empty; a missing envFile
// is ignored.
func Load(yamlPath, envFile string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if envFile != "" {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	cfg.Cache.Backend = strings.ToLower(strings.TrimSpace(cfg.Cache.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.SendBuffer < 1 {
		errs = append(errs, errors.New("server.send_buffer must be positive"))
	}
	if c.Server.PingInterval <= 0 || c.Server.ReadDeadline <= c.Server.PingInterval {
		errs = append(errs, errors.New("server.read_deadline must exceed a positive server.ping_interval"))
	}
	if c.Routing.AdvisorTimeout <= 0 {
		errs = append(errs, errors.New("routing.advisor_timeout must be positive"))
	}
	if c.Routing.BreakerThreshold < 1 {
		errs = append(errs, errors.New("routing.breaker_threshold must be at least 1"))
	}
	if c.Dispatch.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.default_timeout must be positive"))
	}
	for method, d := range c.Dispatch.Timeouts {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("dispatch.timeouts.%s must be positive", method))
		}
	}
	switch c.LLM.Provider {
	case "", "anthropic", "openai", "gemini", "ollama":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.MaxConcurrent < 1 {
		errs = append(errs, errors.New("llm.max_concurrent must be at least 1"))
	}
	switch c.Cache.Backend {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend))
	}
	if c.Cache.Backend != CacheNone && c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// AdvisorActive reports whether semantic routing can run.
func (c *Config) AdvisorActive() bool {
	return c.Routing.AdvisorEnabled && c.LLM.Provider != ""
}
