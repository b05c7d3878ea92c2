package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in a workspace.
const FileName = "relay.yml"

// Permissions understood by the HTTP API.
const (
	PermHandoffRead  = "handoff.read"
	PermHandoffWrite = "handoff.write"
	PermDialRead     = "dial.read"
	PermDialWrite    = "dial.write"
	PermContextRead  = "context.read"
	PermContextWrite = "context.write"
	PermAll          = "*"
)

var KnownPermissions = []string{
	PermHandoffRead, PermHandoffWrite,
	PermDialRead, PermDialWrite,
	PermContextRead, PermContextWrite,
	PermAll,
}

// Config models relay.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Storage struct {
		// Driver backs handoffs and context attachments: memory or sqlite.
		Driver string `yaml:"driver"`
		// Dials backs dial records: memory, sqlite or redis. Empty follows Driver.
		Dials  string `yaml:"dials"`
		SQLite struct {
			Workspace string `yaml:"workspace"`
			Path      string `yaml:"path"`
		} `yaml:"sqlite"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`
	Auth struct {
		JWTSecret              string   `yaml:"jwt_secret"`
		APIKeys                []APIKey `yaml:"api_keys,omitempty"`
		AllowLegacyActorHeader bool     `yaml:"allow_legacy_actor_header"`
		LegacyPermissions      []string `yaml:"legacy_permissions"`
	} `yaml:"auth"`
	Webhooks struct {
		GitHub struct {
			// Secret is required; without it the endpoint refuses deliveries.
			Secret          string  `yaml:"secret"`
			DefaultSLAHours float64 `yaml:"default_sla_hours"`
			DefaultToAgent  string  `yaml:"default_to_agent"`
		} `yaml:"github"`
	} `yaml:"webhooks"`
	Handoffs struct {
		RetentionHours float64 `yaml:"retention_hours"`
		SweepInterval  string  `yaml:"sweep_interval"`
	} `yaml:"handoffs"`
	// Environments adds or overrides dial caps by environment name.
	Environments map[string]int `yaml:"environments"`
	Context      struct {
		// Schemas maps extra attachment kinds to JSON schema documents.
		Schemas map[string]string `yaml:"schemas,omitempty"`
	} `yaml:"context"`
}

// APIKey grants an actor permissions. KeyHash is the hex sha256 of the key.
type APIKey struct {
	ID          string   `yaml:"id"`
	Actor       string   `yaml:"actor"`
	KeyHash     string   `yaml:"key_hash"`
	Permissions []string `yaml:"permissions"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit must not be negative")
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst == 0 {
		return fmt.Errorf("config.server.rate_limit.burst is required when rps is set")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config.log.level %q is not supported", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config.storage.driver must be memory or sqlite, got %q", c.Storage.Driver)
	}
	switch c.Storage.Dials {
	case "", "memory", "sqlite":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("config.storage.redis.addr is required for redis dials")
		}
	default:
		return fmt.Errorf("config.storage.dials must be memory, sqlite or redis, got %q", c.Storage.Dials)
	}
	seen := map[string]bool{}
	for i, k := range c.Auth.APIKeys {
		if k.Actor == "" {
			return fmt.Errorf("config.auth.api_keys[%d].actor is required", i)
		}
		raw, err := hex.DecodeString(k.KeyHash)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("config.auth.api_keys[%d].key_hash must be a hex sha256 digest", i)
		}
		if seen[k.KeyHash] {
			return fmt.Errorf("config.auth.api_keys[%d] duplicates another key", i)
		}
		seen[k.KeyHash] = true
		if err := validatePermissions(k.Permissions); err != nil {
			return fmt.Errorf("config.auth.api_keys[%d]: %w", i, err)
		}
	}
	if err := validatePermissions(c.Auth.LegacyPermissions); err != nil {
		return fmt.Errorf("config.auth.legacy_permissions: %w", err)
	}
	if c.Webhooks.GitHub.DefaultSLAHours < 0 {
		return fmt.Errorf("config.webhooks.github.default_sla_hours must not be negative")
	}
	if c.Handoffs.RetentionHours <= 0 {
		return fmt.Errorf("config.handoffs.retention_hours must be positive")
	}
	if d, err := time.ParseDuration(c.Handoffs.SweepInterval); err != nil || d <= 0 {
		return fmt.Errorf("config.handoffs.sweep_interval must be a positive duration")
	}
	for env, limit := range c.Environments {
		if strings.TrimSpace(env) == "" {
			return fmt.Errorf("config.environments contains an empty name")
		}
		if limit < 1 || limit > 5 {
			return fmt.Errorf("config.environments.%s must be between 1 and 5", env)
		}
	}
	for kind, schema := range c.Context.Schemas {
		if kind == "" || strings.TrimSpace(schema) == "" {
			return fmt.Errorf("config.context.schemas entries need a kind and a schema")
		}
	}
	return nil
}

func validatePermissions(perms []string) error {
	for _, p := range perms {
		known := false
		for _, k := range KnownPermissions {
			if p == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	return nil
}

// DialsDriver returns the store backing dial records.
func (c *Config) DialsDriver() string {
	if c.Storage.Dials == "" {
		return c.Storage.Driver
	}
	return c.Storage.Dials
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Handoffs.RetentionHours * float64(time.Hour))
}

func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Handoffs.SweepInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses data over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Load reads relay.yml from the workspace, falling back to Default when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// YAML renders cfg for display.
func (c *Config) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8787
  base_path: /v1
  rate_limit:
    rps: 20
    burst: 40

log:
  level: info
  format: json

storage:
  driver: memory
  sqlite:
    workspace: .
  redis:
    prefix: "relay:"

auth:
  allow_legacy_actor_header: true
  legacy_permissions: [handoff.read, handoff.write, dial.read, context.read, context.write]

webhooks:
  github:
    # deliveries are refused with 503 until secret is set
    # secret: ""
    default_sla_hours: 24

handoffs:
  retention_hours: 168
  sweep_interval: 1h

environments:
  local: 5
  dev: 5
  staging: 4
  production: 3
`
