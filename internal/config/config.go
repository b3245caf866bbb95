package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir       string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level" toml:"log_level"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
	MaxToolChain  int    `json:"max_tool_chain" yaml:"max_tool_chain" toml:"max_tool_chain"`
	// Timezone is used for users without a profile timezone.
	Timezone string `json:"timezone" yaml:"timezone" toml:"timezone"`
	LLM      struct {
		BaseURL        string  `json:"base_url" yaml:"base_url" toml:"base_url"`
		APIKey         string  `json:"api_key" yaml:"api_key" toml:"api_key"`
		Model          string  `json:"model" yaml:"model" toml:"model"`
		EmbeddingModel string  `json:"embedding_model" yaml:"embedding_model" toml:"embedding_model"`
		MaxTokens      int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
		Temperature    float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	} `json:"llm" yaml:"llm" toml:"llm"`
	History struct {
		// Backend is "sqlite" or "jsonl".
		Backend string `json:"backend" yaml:"backend" toml:"backend"`
	} `json:"history" yaml:"history" toml:"history"`
	Context struct {
		HistoryTokens int    `json:"history_tokens" yaml:"history_tokens" toml:"history_tokens"`
		NoteTokens    int    `json:"note_tokens" yaml:"note_tokens" toml:"note_tokens"`
		PromptFile    string `json:"prompt_file" yaml:"prompt_file" toml:"prompt_file"`
	} `json:"context" yaml:"context" toml:"context"`
	Runners struct {
		Python         []string `json:"python" yaml:"python" toml:"python"`
		Bash           []string `json:"bash" yaml:"bash" toml:"bash"`
		TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	} `json:"runners" yaml:"runners" toml:"runners"`
	Server struct {
		Addr string `json:"addr" yaml:"addr" toml:"addr"`
	} `json:"server" yaml:"server" toml:"server"`
	Telegram struct {
		Token string `json:"token" yaml:"token" toml:"token"`
	} `json:"telegram" yaml:"telegram" toml:"telegram"`
	Scheduler struct {
		PurgeSchedule string `json:"purge_schedule" yaml:"purge_schedule" toml:"purge_schedule"`
	} `json:"scheduler" yaml:"scheduler" toml:"scheduler"`
}

// DefaultPath returns the config file location under the user's home.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".hexe", "config.json")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".hexe"),
		MaxConcurrent: 4,
	}
	cfg.LogLevel = "info"
	cfg.MaxToolChain = 10
	cfg.Timezone = "UTC"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-3.5-turbo"
	cfg.LLM.EmbeddingModel = "text-embedding-ada-002"
	cfg.History.Backend = "sqlite"
	cfg.Context.HistoryTokens = 2048
	cfg.Context.NoteTokens = 1024
	cfg.Runners.TimeoutSeconds = 120
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Scheduler.PurgeSchedule = "@hourly"
	return cfg
}

// RunnerTimeout is the execution limit of one code run.
func (c *Config) RunnerTimeout() time.Duration {
	return time.Duration(c.Runners.TimeoutSeconds) * time.Second
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// The file format follows the extension: .yaml/.yml, .toml, anything else
// is JSON.
func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	}
	return "json"
}

func decode(path string, data []byte, v any) error {
	switch format(path) {
	case "yaml":
		return yaml.Unmarshal(data, v)
	case "toml":
		return toml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	switch format(path) {
	case "yaml":
		return yaml.Marshal(v)
	case "toml":
		return toml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Load reads the config at path, writing the defaults there first if the
// file does not exist. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if dataDir := os.Getenv("HEXE_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	// Zero values written by hand or by an older version mean "default".
	def := Default()
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxToolChain == 0 {
		cfg.MaxToolChain = def.MaxToolChain
	}
	if cfg.Runners.TimeoutSeconds == 0 {
		cfg.Runners.TimeoutSeconds = def.Runners.TimeoutSeconds
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate returns the first invalid setting found.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	switch c.History.Backend {
	case "", "sqlite", "jsonl":
	default:
		return fmt.Errorf("history.backend must be sqlite or jsonl; got %q", c.History.Backend)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative")
	}
	if c.MaxToolChain < 0 {
		return fmt.Errorf("max_tool_chain must not be negative")
	}
	if c.Runners.TimeoutSeconds < 0 {
		return fmt.Errorf("runners.timeout_seconds must not be negative")
	}
	if c.Context.HistoryTokens < 0 || c.Context.NoteTokens < 0 {
		return fmt.Errorf("context token budgets must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a generic nested map using its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as dot-separated keys, with secrets masked when
// mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := make(map[string]any)
	if err := decode(path, data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return raw, nil
}

// GetValue returns the value stored under the dot-separated key in the
// config file at path. The file is created with defaults if missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under the dot-separated key in the existing config
// file at path. Values that parse as JSON keep their type; anything else is
// stored as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}

	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		v = value
	}
	// TOML keeps floats and integers apart.
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		v = int64(f)
	}
	flat := Flatten(raw)
	flat[key] = v

	data, err := encode(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}
