// Package config loads the service configuration: a config.yaml carrying
// the static customization (projects, model mappings, reward window) plus
// the environment variables the deployment contract fixes by name.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig    `koanf:"server"`
	Records  RecordsConfig   `koanf:"records"`
	Store    StoreConfig     `koanf:"store"`
	Registry RegistryConfig  `koanf:"registry"`
	Reshard  ReshardConfig   `koanf:"reshard"`
	Assign   AssignConfig    `koanf:"assign"`
	Projects []ProjectConfig `koanf:"projects"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// RecordsConfig names the logical object-store namespace all history and
// rewarded-decision keys live under.
type RecordsConfig struct {
	Bucket string `koanf:"bucket"`
}

type StoreConfig struct {
	Type  string      `koanf:"type"` // fs, memory, redis
	FS    FSConfig    `koanf:"fs"`
	Redis RedisConfig `koanf:"redis"`
}

type FSConfig struct {
	Root string `koanf:"root"`
}

type RedisConfig struct {
	Addr string `koanf:"addr"`
	DB   int    `koanf:"db"`
}

type RegistryConfig struct {
	Driver string `koanf:"driver"` // sqlite
	DSN    string `koanf:"dsn"`
}

// ReshardConfig points at the external resharding subsystem. An empty
// endpoint disables escalation calls (logged no-op).
type ReshardConfig struct {
	Endpoint string `koanf:"endpoint"`
}

// AssignConfig carries the reward-assignment tunables. Worker count,
// cool-down and payload ceiling are overridable through the fixed
// REWARD_ASSIGNMENT_* environment variables.
type AssignConfig struct {
	RewardWindowSeconds  int `koanf:"reward_window_seconds"`
	WorkerCount          int `koanf:"worker_count"`
	ReprocessWaitSeconds int `koanf:"reprocess_shard_wait_time_seconds"`
	WorkerMaxPayloadMB   int `koanf:"worker_max_payload_mb"`
}

// ProjectConfig is one project's static customization. Models maps domain
// names to model names with a "default" fallback entry; Hyperparameters
// pass through opaquely to downstream training.
type ProjectConfig struct {
	Name            string            `koanf:"name"`
	Models          map[string]string `koanf:"models"`
	Hyperparameters map[string]any    `koanf:"hyperparameters"`
}

// envKeys maps the fixed deployment environment variables onto config
// paths. Any other variable is ignored.
var envKeys = map[string]string{
	"RECORDS_BUCKET":                "records.bucket",
	"REWARD_ASSIGNMENT_WORKER_COUNT": "assign.worker_count",
	"REWARD_ASSIGNMENT_REPROCESS_SHARD_WAIT_TIME_IN_SECONDS": "assign.reprocess_shard_wait_time_seconds",
	"REWARD_ASSIGNMENT_WORKER_MAX_PAYLOAD_IN_MB":             "assign.worker_max_payload_mb",
}

// Load reads configPath (when present) and applies environment overrides.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			// A missing file is fine; env can carry everything needed.
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("store.type") {
		k.Set("store.type", "fs")
	}
	if !k.Exists("registry.driver") {
		k.Set("registry.driver", "sqlite")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Assign.RewardWindowSeconds <= 0 {
		return fmt.Errorf("assign.reward_window_seconds is required and must be positive")
	}
	seen := make(map[string]bool, len(c.Projects))
	for _, p := range c.Projects {
		if p.Name == "" {
			return fmt.Errorf("project with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate project %q", p.Name)
		}
		seen[p.Name] = true
		if _, ok := p.Models["default"]; !ok {
			return fmt.Errorf("project %q has no default model", p.Name)
		}
	}
	return nil
}

// ProjectNames enumerates the configured projects in deterministic order.
func (c *Config) ProjectNames() []string {
	names := make([]string, 0, len(c.Projects))
	for _, p := range c.Projects {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// Project looks up a project's static configuration by name.
func (c *Config) Project(name string) (*ProjectConfig, bool) {
	for i := range c.Projects {
		if c.Projects[i].Name == name {
			return &c.Projects[i], true
		}
	}
	return nil, false
}

// ModelForDomain resolves the model a project trains for a domain,
// falling back to the project's "default" model for unmapped domains.
func (c *Config) ModelForDomain(project, domain string) (string, error) {
	p, ok := c.Project(project)
	if !ok {
		return "", fmt.Errorf("unknown project %q", project)
	}
	if model, ok := p.Models[domain]; ok {
		return model, nil
	}
	return p.Models["default"], nil
}

// RewardWindow is the half-open interval after each decision during which
// rewards remain eligible.
func (c *Config) RewardWindow() time.Duration {
	return time.Duration(c.Assign.RewardWindowSeconds) * time.Second
}

// ReprocessWait is the per-shard cool-down between assignment passes.
func (c *Config) ReprocessWait() time.Duration {
	return time.Duration(c.Assign.ReprocessWaitSeconds) * time.Second
}

// WorkerBudget is the per-tick dispatch bound, never below one.
func (c *Config) WorkerBudget() int {
	if c.Assign.WorkerCount < 1 {
		return 1
	}
	return c.Assign.WorkerCount
}

// MaxPayloadBytes is the stale-payload ceiling beyond which a shard is
// escalated to resharding. Zero disables the gate.
func (c *Config) MaxPayloadBytes() int64 {
	return int64(c.Assign.WorkerMaxPayloadMB) << 20
}
