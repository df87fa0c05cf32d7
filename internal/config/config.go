package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds server configuration. Values come from, in increasing
// precedence: defaults, the YAML config file, environment variables.
type Config struct {
	Root       string `yaml:"root"`
	ListenAddr string `yaml:"listen_addr"`

	MaxSessions int `yaml:"max_sessions"`

	RecordingEnabled   bool   `yaml:"recording_enabled"`
	RecordingsDir      string `yaml:"recordings_dir"`
	RecordingsMaxLines int    `yaml:"recordings_max_lines"`

	// CodexHomeRoot holds one CODEX_HOME directory per session.
	CodexHomeRoot string `yaml:"codex_home_root"`

	ClaudeBinary string `yaml:"claude_binary"`
	CodexBinary  string `yaml:"codex_binary"`

	RateLimitPerHour int `yaml:"rate_limit_per_hour"`
	RateLimitBurst   int `yaml:"rate_limit_burst"`

	LogLevel string `yaml:"log_level"`
}

const (
	DefaultListenAddr         = ":3456"
	DefaultMaxSessions        = 16
	DefaultRecordingsMaxLines = 1_000_000
	DefaultRateLimitPerHour   = 3600
	DefaultRateLimitBurst     = 60
)

// Default returns the built-in configuration rooted at root
func Default(root string) *Config {
	return &Config{
		Root:               root,
		ListenAddr:         DefaultListenAddr,
		MaxSessions:        DefaultMaxSessions,
		RecordingEnabled:   true,
		RecordingsMaxLines: DefaultRecordingsMaxLines,
		ClaudeBinary:       "claude",
		CodexBinary:        "codex",
		RateLimitPerHour:   DefaultRateLimitPerHour,
		RateLimitBurst:     DefaultRateLimitBurst,
		LogLevel:           "info",
	}
}

// Load reads .env, the optional YAML file and the environment.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	root := os.Getenv("COMPANION_ROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".companion")
	}
	cfg := Default(root)

	path := os.Getenv("COMPANION_CONFIG")
	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, "config.yaml")
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays recognized environment variables. lookup is injected so
// tests do not have to mutate the process environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("COMPANION_ROOT"); ok && v != "" {
		c.Root = v
	}
	if v, ok := lookup("COMPANION_LISTEN_ADDR"); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.ListenAddr = ":" + v
	}
	if v, ok := lookup("COMPANION_RECORD"); ok && v != "" {
		enabled, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("COMPANION_RECORD: %w", err)
		}
		c.RecordingEnabled = enabled
	}
	if v, ok := lookup("COMPANION_RECORDINGS_DIR"); ok && v != "" {
		c.RecordingsDir = v
	}
	if v, ok := lookup("COMPANION_RECORDINGS_MAX_LINES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("COMPANION_RECORDINGS_MAX_LINES must be a positive integer, got %q", v)
		}
		c.RecordingsMaxLines = n
	}
	if v, ok := lookup("COMPANION_CODEX_HOME_ROOT"); ok && v != "" {
		c.CodexHomeRoot = v
	}
	if v, ok := lookup("COMPANION_MAX_SESSIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("COMPANION_MAX_SESSIONS must be a positive integer, got %q", v)
		}
		c.MaxSessions = n
	}
	if v, ok := lookup("CLAUDE_BINARY"); ok && v != "" {
		c.ClaudeBinary = v
	}
	if v, ok := lookup("CODEX_BINARY"); ok && v != "" {
		c.CodexBinary = v
	}
	if v, ok := lookup("COMPANION_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.RecordingsDir == "" {
		c.RecordingsDir = filepath.Join(c.Root, "recordings")
	}
	if c.CodexHomeRoot == "" {
		c.CodexHomeRoot = filepath.Join(c.Root, "codex-home")
	}
}

// SessionsDir holds one JSON file per persisted session
func (c *Config) SessionsDir() string { return filepath.Join(c.Root, "sessions") }

// CronDir holds one JSON file per cron job
func (c *Config) CronDir() string { return filepath.Join(c.Root, "cron") }

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}
