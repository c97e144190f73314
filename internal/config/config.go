package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server ServerConfig `toml:"server"`
	Agent  AgentConfig  `toml:"agent"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // base port; serve scans upward when taken
	// UIDir holds the built browser client. Asset hosting is plain static
	// file serving; the client build itself lives outside this repo.
	UIDir string `toml:"ui_dir"`
}

type AgentConfig struct {
	Command         string   `toml:"command"` // agent binary, e.g. "claude"
	Args            []string `toml:"args"`    // extra args appended to every invocation
	CommandsDir     string   `toml:"commands_dir"`
	Streaming       bool     `toml:"streaming"` // false selects the legacy print/JSON mode
	IdleTimeoutSecs int      `toml:"idle_timeout_secs"`
	// PromptPatterns are extra permission-prompt regexes on top of the
	// built-in set. The agent's prompt wording is not a stable contract,
	// so the list is configurable.
	PromptPatterns []string `toml:"prompt_patterns"`
}

// IdleTimeout is how long a streaming invocation may go without output
// before the stream is ended.
func (a AgentConfig) IdleTimeout() time.Duration {
	if a.IdleTimeoutSecs <= 0 {
		return 120 * time.Second
	}
	return time.Duration(a.IdleTimeoutSecs) * time.Second
}

func DefaultConfig() *Config {
	root := os.Getenv("PARLEY_PLUGIN_ROOT")
	if root == "" {
		root = "."
	}

	return &Config{
		Server: ServerConfig{
			Host:  "127.0.0.1",
			Port:  7633,
			UIDir: filepath.Join(root, "ui", "dist"),
		},
		Agent: AgentConfig{
			Command:         "claude",
			CommandsDir:     filepath.Join(root, "commands"),
			Streaming:       true,
			IdleTimeoutSecs: 120,
		},
	}
}

// Load reads the system config, then the user config, then applies
// environment overrides. Missing files are fine.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat("/etc/parley/config.toml"); err == nil {
		if _, err := toml.DecodeFile("/etc/parley/config.toml", cfg); err != nil {
			return nil, err
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(home, ".config", "parley", "config.toml")
		if _, err := os.Stat(userConfig); err == nil {
			if _, err := toml.DecodeFile(userConfig, cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if host := os.Getenv("PARLEY_HOST"); host != "" {
		c.Server.Host = host
	}
	if portStr := os.Getenv("PARLEY_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			c.Server.Port = port
		}
	}
	if dir := os.Getenv("PARLEY_UI_DIR"); dir != "" {
		c.Server.UIDir = dir
	}
	if command := os.Getenv("PARLEY_AGENT"); command != "" {
		c.Agent.Command = command
	}
	if dir := os.Getenv("PARLEY_COMMANDS_DIR"); dir != "" {
		c.Agent.CommandsDir = dir
	}
	if streaming := os.Getenv("PARLEY_STREAMING"); streaming != "" {
		if v, err := strconv.ParseBool(streaming); err == nil {
			c.Agent.Streaming = v
		}
	}
}
