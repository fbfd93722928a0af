// Package config loads server settings. Values are resolved from (highest
// to lowest priority):
//  1. Command-line flags
//  2. Environment variables
//  3. The YAML file named by --config
//  4. Defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// Provider selects the backend strategy.
	Provider string `yaml:"provider"`
	Port     int    `yaml:"port"`
	// Password gates the web UI and websocket. Empty disables the gate.
	Password string `yaml:"password"`
	// DataDir holds messages.json and model.json.
	DataDir   string `yaml:"data_dir"`
	StaticDir string `yaml:"static_dir"`

	ModelOptions []string `yaml:"model_options"`
	DefaultModel string   `yaml:"default_model"`

	SystemPromptPath string `yaml:"system_prompt_path"`
	// History is "none" or "full".
	History      string `yaml:"history"`
	HistoryTurns int    `yaml:"history_turns"`

	PlaygroundDir string `yaml:"playground_dir"`

	// WatchCredentials toggles the credential watcher. Nil means enabled.
	WatchCredentials *bool `yaml:"watch_credentials"`

	Log      LogConfig      `yaml:"log"`
	Backends BackendsConfig `yaml:"backends"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BackendsConfig overrides per-backend credential locations.
type BackendsConfig struct {
	ClaudeConfigDir  string `yaml:"claude_config_dir"`
	GeminiConfigDir  string `yaml:"gemini_config_dir"`
	CodexHome        string `yaml:"codex_home"`
	OpencodeDataDir  string `yaml:"opencode_data_dir"`
	OpencodeProvider string `yaml:"opencode_provider"`
}

const (
	defaultProvider = "gemini"
	defaultPort     = 3100
	defaultDataDir  = "data"
	defaultHistory  = "none"
	defaultTurns    = 20
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Provider:     defaultProvider,
		Port:         defaultPort,
		DataDir:      defaultDataDir,
		History:      defaultHistory,
		HistoryTurns: defaultTurns,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load resolves the configuration. path may be empty; flagOverrides may
// be nil.
func Load(path string, flagOverrides *Config) (*Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, err := loadFromPath(path)
		if err != nil {
			return nil, err
		}
		cfg = merge(cfg, fileCfg)
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}

	if flagOverrides != nil {
		cfg = merge(cfg, flagOverrides)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromPath loads config from a YAML file.
func loadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config, getenv func(string) string) error {
	setStr := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	setStr(&cfg.Provider, "AGENT_PROVIDER")
	setStr(&cfg.Password, "AGENT_PASSWORD")
	setStr(&cfg.DataDir, "DATA_DIR")
	setStr(&cfg.StaticDir, "STATIC_DIR")
	setStr(&cfg.DefaultModel, "DEFAULT_MODEL")
	setStr(&cfg.SystemPromptPath, "SYSTEM_PROMPT_PATH")
	setStr(&cfg.History, "PROMPT_HISTORY")
	setStr(&cfg.PlaygroundDir, "PLAYGROUND_DIR")
	setStr(&cfg.Log.Level, "LOG_LEVEL")
	setStr(&cfg.Log.Format, "LOG_FORMAT")
	setStr(&cfg.Backends.ClaudeConfigDir, "CLAUDE_CONFIG_DIR")
	setStr(&cfg.Backends.GeminiConfigDir, "GEMINI_CONFIG_DIR")
	setStr(&cfg.Backends.CodexHome, "CODEX_HOME")
	setStr(&cfg.Backends.OpencodeDataDir, "OPENCODE_DATA_DIR")
	setStr(&cfg.Backends.OpencodeProvider, "OPENCODE_PROVIDER")

	if v := strings.TrimSpace(getenv("MODEL_OPTIONS")); v != "" {
		cfg.ModelOptions = ParseList(v)
	}
	if v := strings.TrimSpace(getenv("CHAT_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHAT_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := strings.TrimSpace(getenv("PROMPT_HISTORY_TURNS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROMPT_HISTORY_TURNS: %w", err)
		}
		cfg.HistoryTurns = n
	}
	if v := strings.TrimSpace(getenv("WATCH_CREDENTIALS")); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WATCH_CREDENTIALS: %w", err)
		}
		cfg.WatchCredentials = &on
	}
	return nil
}

// ParseList splits a comma-separated list, trimming entries and dropping
// empty ones.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// mergeStr overwrites dst with src when src is non-empty.
func mergeStr(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// mergeInt overwrites dst with src when src is non-zero.
func mergeInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

// merge merges src into dst, with src values taking precedence.
func merge(dst, src *Config) *Config {
	mergeStr(&dst.Provider, src.Provider)
	mergeInt(&dst.Port, src.Port)
	mergeStr(&dst.Password, src.Password)
	mergeStr(&dst.DataDir, src.DataDir)
	mergeStr(&dst.StaticDir, src.StaticDir)
	if len(src.ModelOptions) > 0 {
		dst.ModelOptions = src.ModelOptions
	}
	mergeStr(&dst.DefaultModel, src.DefaultModel)
	mergeStr(&dst.SystemPromptPath, src.SystemPromptPath)
	mergeStr(&dst.History, src.History)
	mergeInt(&dst.HistoryTurns, src.HistoryTurns)
	mergeStr(&dst.PlaygroundDir, src.PlaygroundDir)
	if src.WatchCredentials != nil {
		dst.WatchCredentials = src.WatchCredentials
	}

	mergeStr(&dst.Log.Level, src.Log.Level)
	mergeStr(&dst.Log.Format, src.Log.Format)

	b, sb := &dst.Backends, &src.Backends
	mergeStr(&b.ClaudeConfigDir, sb.ClaudeConfigDir)
	mergeStr(&b.GeminiConfigDir, sb.GeminiConfigDir)
	mergeStr(&b.CodexHome, sb.CodexHome)
	mergeStr(&b.OpencodeDataDir, sb.OpencodeDataDir)
	mergeStr(&b.OpencodeProvider, sb.OpencodeProvider)
	return dst
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.History {
	case "none", "full":
	default:
		return fmt.Errorf("history must be none or full, got %q", c.History)
	}
	if c.HistoryTurns < 0 {
		return fmt.Errorf("history_turns must not be negative")
	}
	return nil
}

// WatchEnabled reports whether the credential watcher should run.
func (c *Config) WatchEnabled() bool {
	return c.WatchCredentials == nil || *c.WatchCredentials
}

// MessagesPath is the conversation log location.
func (c *Config) MessagesPath() string {
	return filepath.Join(c.DataDir, "messages.json")
}

// ModelPath is the model preference location.
func (c *Config) ModelPath() string {
	return filepath.Join(c.DataDir, "model.json")
}

// ConfigDirFor returns the credential directory override for provider, if
// any.
func (c *Config) ConfigDirFor(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "claude-code":
		return c.Backends.ClaudeConfigDir
	case "gemini":
		return c.Backends.GeminiConfigDir
	case "openai-codex":
		return c.Backends.CodexHome
	case "opencode", "opencodex":
		return c.Backends.OpencodeDataDir
	}
	return ""
}

// SystemPrompt reads the system prompt file once. A missing path yields an
// empty prompt.
func (c *Config) SystemPrompt() (string, error) {
	if c.SystemPromptPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.SystemPromptPath)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
