package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	State     StateConfig      `json:"state"`
	Secrets   SecretsConfig    `json:"secrets"`
	Bus       BusConfig        `json:"bus"`
	Telemetry TelemetryConfig  `json:"telemetry"`
	Providers []ProviderConfig `json:"providers"`
	Egress    EgressConfig     `json:"egress"`
	Router    RouterConfig     `json:"router"`
}

type ServerConfig struct {
	Port     int      `json:"port"`
	LogLevel string   `json:"log_level"`
	Env      string   `json:"env"`
	Tenant   string   `json:"default_tenant"`
	Origins  []string `json:"cors_origins"`
}

// StateConfig selects a store backend by name; Options are backend specific
// (url, dsn, path).
type StateConfig struct {
	Backend string            `json:"backend"`
	Options map[string]string `json:"options"`
}

type SecretsConfig struct {
	EnvPrefix string `json:"env_prefix"`
	Dotenv    string `json:"dotenv"`
	// Key enables at-rest encryption of state-held secrets when set.
	Key string `json:"key"`
}

type BusConfig struct {
	Kind     string `json:"kind"`
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	MaxLen   int64  `json:"max_len"`
}

type TelemetryConfig struct {
	Metrics bool `json:"metrics"`
}

// ProviderConfig enables a provider and carries its static config.
type ProviderConfig struct {
	Name    string         `json:"name"`
	Enabled *bool          `json:"enabled,omitempty"`
	Tenants []string       `json:"tenants,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (p ProviderConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

type EgressConfig struct {
	MaxAttempts  int `json:"max_attempts"`
	BackoffMS    int `json:"backoff_ms"`
	MaxBackoffMS int `json:"max_backoff_ms"`
}

// Backoff returns the base delay.
func (e EgressConfig) Backoff() time.Duration { return time.Duration(e.BackoffMS) * time.Millisecond }

// MaxBackoff returns the delay cap.
func (e EgressConfig) MaxBackoff() time.Duration {
	return time.Duration(e.MaxBackoffMS) * time.Millisecond
}

type RouterConfig struct {
	DedupeSize int             `json:"dedupe_size"`
	DedupeTTL  string          `json:"dedupe_ttl"`
	AutoReply  AutoReplyConfig `json:"auto_reply"`
}

// AutoReplyConfig configures replies the host sends on its own.
type AutoReplyConfig struct {
	Echo   bool   `json:"echo"`
	Prefix string `json:"prefix"`
}

// TTL parses DedupeTTL, defaulting to ten minutes.
func (r RouterConfig) TTL() time.Duration {
	if d, err := time.ParseDuration(r.DedupeTTL); err == nil && d > 0 {
		return d
	}
	return 10 * time.Minute
}

// Enabled returns the names of the enabled providers.
func (c *Config) Enabled() []string {
	var out []string
	for _, p := range c.Providers {
		if p.IsEnabled() {
			out = append(out, p.Name)
		}
	}
	return out
}

// Static returns the static config of every enabled provider.
func (c *Config) Static() map[string]map[string]any {
	out := map[string]map[string]any{}
	for _, p := range c.Providers {
		if p.IsEnabled() && p.Config != nil {
			out[p.Name] = p.Config
		}
	}
	return out
}

func (c *Config) defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.Env == "" {
		c.Server.Env = "default"
	}
	if c.Server.Tenant == "" {
		c.Server.Tenant = "default"
	}
	if c.State.Backend == "" {
		c.State.Backend = "memory"
	}
	if c.Bus.Kind == "" {
		c.Bus.Kind = "memory"
	}
	if c.Bus.Exchange == "" {
		c.Bus.Exchange = "msg.ingress"
	}
}

// Validate rejects settings the host cannot start with.
func (c *Config) Validate() error {
	switch c.Bus.Kind {
	case "memory", "none":
	case "redis", "amqp":
		if c.Bus.URL == "" {
			return fmt.Errorf("bus %s requires url", c.Bus.Kind)
		}
	default:
		return fmt.Errorf("unknown bus kind %q", c.Bus.Kind)
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate provider %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	if c.Egress.MaxAttempts < 0 || c.Egress.BackoffMS < 0 {
		return fmt.Errorf("egress settings must not be negative")
	}
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:default} with environment values.
func Expand(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envVarRe.FindSubmatch(match)
		if v := os.Getenv(string(parts[1])); v != "" {
			return []byte(v)
		}
		return parts[2]
	})
}

// Parse decodes an already expanded document, applies defaults and
// validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(Expand(data))
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
