// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge"`
	Providers ProvidersConfig `yaml:"providers"`
	Chat      ChatConfig      `yaml:"chat"`
	Plugins   PluginConfig    `yaml:"plugins"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// BridgeConfig defines the message bridge connection.
type BridgeConfig struct {
	Token       string `yaml:"token"`        // bot gateway token
	BaseURL     string `yaml:"base_url"`     // override for tests; empty = public API
	PollTimeout int    `yaml:"poll_timeout"` // long-poll timeout in seconds (default 100)
	HTMLMarkup  bool   `yaml:"html_markup"`  // render assistant markdown to HTML on delivery
}

// ProvidersConfig holds per-provider API credentials and endpoints.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `yaml:"openai"`
	Anthropic  ProviderConfig `yaml:"anthropic"`
	Groq       ProviderConfig `yaml:"groq"`
	OpenRouter ProviderConfig `yaml:"openrouter"`
}

// ProviderConfig defines a single backend's credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // override for tests or self-hosted gateways
}

// ChatConfig defines conversation defaults applied to new sessions.
type ChatConfig struct {
	DefaultModel string `yaml:"default_model"` // e.g. "gpt-4-turbo" or "openrouter:google/gemini-2.0-flash-001"
	MaxRounds    int    `yaml:"max_rounds"`    // one round = one user + one assistant message
	MaxTokens    int    `yaml:"max_tokens"`    // per-request completion budget
	SystemPrompt string `yaml:"system_prompt"` // optional leading system message
}

// PluginConfig defines extension sandbox settings.
type PluginConfig struct {
	Enabled     bool    `yaml:"enabled"`
	TimeoutSec  float64 `yaml:"timeout_sec"`  // per-hook wall-clock budget (default 5)
	MaxFailures int     `yaml:"max_failures"` // total failures before the extension is disabled (default 3)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			PollTimeout: 100,
		},
		Chat: ChatConfig{
			DefaultModel: "gpt-4-turbo",
			MaxRounds:    4,
			MaxTokens:    3000,
		},
		Plugins: PluginConfig{
			Enabled:     true,
			TimeoutSec:  5,
			MaxFailures: 3,
		},
		DataDir: ".",
	}
}

// Validate checks the configuration for violations that would only
// surface later as confusing runtime errors.
func (c *Config) Validate() error {
	if c.Chat.MaxRounds < 1 {
		return fmt.Errorf("chat.max_rounds must be at least 1, got %d", c.Chat.MaxRounds)
	}
	if c.Chat.MaxTokens < 1 {
		return fmt.Errorf("chat.max_tokens must be at least 1, got %d", c.Chat.MaxTokens)
	}
	if c.Plugins.MaxFailures < 1 {
		return fmt.Errorf("plugins.max_failures must be at least 1, got %d", c.Plugins.MaxFailures)
	}
	if c.Plugins.TimeoutSec <= 0 {
		return fmt.Errorf("plugins.timeout_sec must be positive, got %g", c.Plugins.TimeoutSec)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
