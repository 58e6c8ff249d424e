// Package config handles configuration loading for Ember.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/emberhost/ember/internal/logging"
)

// ServerConfig is the network surface configuration.
type ServerConfig struct {
	// Host is the listen address (default: 127.0.0.1). Use "0.0.0.0"
	// to listen on all interfaces.
	Host string `yaml:"host"`
	// Port is the listen port (default: 8090).
	Port int `yaml:"port"`
	// AllowedOrigins restricts WebSocket origins; empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// AuthTokens maps bearer tokens to user identities. Empty means
	// anonymous access with identity taken from the X-User-ID header.
	AuthTokens map[string]string `yaml:"auth_tokens"`
	// RatePerSecond and RateBurst bound HTTP requests per client IP.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
}

// StoreConfig selects and locates the event repository backend.
type StoreConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the store root: a directory for the file backend, a
	// database file for sqlite.
	Path string `yaml:"path"`
}

// AgentConfig carries the session engine parameters.
type AgentConfig struct {
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
	// TokenBudget caps the context window; older content is archived
	// beyond it.
	TokenBudget int `yaml:"token_budget"`
	// MaxTurns caps model turns per query.
	MaxTurns     int    `yaml:"max_turns"`
	SystemPrompt string `yaml:"system_prompt"`
}

// Config is the complete Ember configuration.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Store     StoreConfig    `yaml:"store"`
	Agent     AgentConfig    `yaml:"agent"`
	Workspace string         `yaml:"workspace"`
	Log       logging.Config `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8090,
			RatePerSecond: 20,
			RateBurst:     40,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    filepath.Join(dataDir, "ember.db"),
		},
		Agent: AgentConfig{
			Model:       "claude-sonnet-4-5",
			MaxTokens:   8192,
			TokenBudget: 120_000,
			MaxTurns:    200,
			SystemPrompt: "You are Ember, a coding agent working inside the user's " +
				"workspace. Use the available tools to inspect and modify files.",
		},
		Workspace: filepath.Join(dataDir, "workspaces"),
		Log: logging.Config{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the platform config file path, honoring the
// EMBER_CONFIG environment override.
func DefaultConfigPath() string {
	if envPath := os.Getenv("EMBER_CONFIG"); envPath != "" {
		return envPath
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		configDir = filepath.Join(os.Getenv("HOME"), "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("HOME"), ".config")
		}
	}
	return filepath.Join(configDir, "ember", "config.yaml")
}

func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		if d := os.Getenv("LOCALAPPDATA"); d != "" {
			return filepath.Join(d, "ember")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), "ember")
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "ember")
	default:
		if d := os.Getenv("XDG_DATA_HOME"); d != "" {
			return filepath.Join(d, "ember")
		}
		return filepath.Join(os.Getenv("HOME"), ".local", "share", "ember")
	}
}

// Load reads a config file and merges it over the defaults. A missing
// file is not an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Agent.APIKey == "" {
		cfg.Agent.APIKey = key
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.backend must be \"file\" or \"sqlite\", got %q", c.Store.Backend)
	}
	if c.Agent.TokenBudget <= 0 {
		return fmt.Errorf("agent.token_budget must be positive")
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("agent.max_turns must be positive")
	}
	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("log.level %q is not valid", c.Log.Level)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
