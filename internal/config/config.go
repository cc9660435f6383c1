package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath          = "config.json"
	DefaultProvider      = "ollama"
	DefaultModel         = "qwen2.5vl:72b-q4_K_M"
	DefaultOllamaBaseURL = "http://localhost:11434/v1"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config" toml:"basic_config"`
	Database    DatabaseConfig            `json:"database" yaml:"database" toml:"database"`
	Worker      WorkerConfig              `json:"worker" yaml:"worker" toml:"worker"`
	Stream      StreamConfig              `json:"stream" yaml:"stream" toml:"stream"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers" toml:"providers" validate:"required,min=1,dive"`
	Redis       RedisConfig               `json:"redis" yaml:"redis" toml:"redis"`
	Tools       ToolsConfig               `json:"tools" yaml:"tools" toml:"tools"`
	Log         LogConfig                 `json:"log" yaml:"log" toml:"log"`
}

type BasicConfig struct {
	ServerAddress   string `json:"server_address" yaml:"server_address" toml:"server_address"`
	DefaultProvider string `json:"default_provider" yaml:"default_provider" toml:"default_provider"`
	DefaultModel    string `json:"default_model" yaml:"default_model" toml:"default_model"`
	MaxUploadBytes  int64  `json:"max_upload_bytes" yaml:"max_upload_bytes" toml:"max_upload_bytes" validate:"gte=0"`
	// VerifyModels checks the requested model against the provider's model
	// listing before a stream is opened. On by default; an unlisted model is
	// then rejected before anything is streamed.
	VerifyModels bool `json:"verify_models" yaml:"verify_models" toml:"verify_models"`
}

type DatabaseConfig struct {
	Driver   string `json:"driver" yaml:"driver" toml:"driver" validate:"oneof=sqlite3 sqlite mysql"`
	Path     string `json:"path" yaml:"path" toml:"path"`
	Host     string `json:"host" yaml:"host" toml:"host"`
	Port     int    `json:"port" yaml:"port" toml:"port"`
	Username string `json:"username" yaml:"username" toml:"username"`
	Password string `json:"password" yaml:"password" toml:"password"`
	DBName   string `json:"db_name" yaml:"db_name" toml:"db_name"`
	Params   string `json:"params" yaml:"params" toml:"params"`
}

type WorkerConfig struct {
	MinWorkers        int `json:"min_workers" yaml:"min_workers" toml:"min_workers" validate:"gte=0"`
	MaxWorkers        int `json:"max_workers" yaml:"max_workers" toml:"max_workers" validate:"gte=1"`
	QueueSize         int `json:"queue_size" yaml:"queue_size" toml:"queue_size" validate:"gte=1"`
	WorkerIdleTimeout int `json:"worker_idle_timeout" yaml:"worker_idle_timeout" toml:"worker_idle_timeout"` // seconds
}

type StreamConfig struct {
	DebounceMS     int `json:"debounce_ms" yaml:"debounce_ms" toml:"debounce_ms" validate:"gte=0"`
	MaxBufferBytes int `json:"max_buffer_bytes" yaml:"max_buffer_bytes" toml:"max_buffer_bytes" validate:"gte=0"`
}

type ProviderConfig struct {
	Type      string `json:"type" yaml:"type" toml:"type" validate:"oneof=openai gemini claude"`
	BaseURL   string `json:"base_url" yaml:"base_url" toml:"base_url"`
	Model     string `json:"model" yaml:"model" toml:"model"`
	APIKey    string `json:"api_key" yaml:"api_key" toml:"api_key"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
}

type RedisConfig struct {
	Enabled              bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Host                 string `json:"host" yaml:"host" toml:"host"`
	Port                 int    `json:"port" yaml:"port" toml:"port"`
	Username             string `json:"username" yaml:"username" toml:"username"`
	Password             string `json:"password" yaml:"password" toml:"password"`
	DB                   int    `json:"db" yaml:"db" toml:"db"`
	ModelCacheTTLSeconds int    `json:"model_cache_ttl_seconds" yaml:"model_cache_ttl_seconds" toml:"model_cache_ttl_seconds"`
}

type ToolsConfig struct {
	WebSearch bool `json:"web_search" yaml:"web_search" toml:"web_search"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" toml:"format" validate:"omitempty,oneof=text json"`
}

// Default returns a configuration that talks to a local Ollama instance and
// keeps the log in ./data/chat.db.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:   ":8090",
			DefaultProvider: DefaultProvider,
			DefaultModel:    DefaultModel,
			MaxUploadBytes:  20 << 20,
			VerifyModels:    true,
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			Path:   "data/chat.db",
		},
		Worker: WorkerConfig{
			MinWorkers:        1,
			MaxWorkers:        1,
			QueueSize:         64,
			WorkerIdleTimeout: 30,
		},
		Stream: StreamConfig{
			DebounceMS:     10,
			MaxBufferBytes: 4096,
		},
		Providers: map[string]ProviderConfig{
			DefaultProvider: {
				Type:    "openai",
				BaseURL: DefaultOllamaBaseURL,
				Model:   DefaultModel,
				APIKey:  "ollama",
			},
		},
		Redis: RedisConfig{
			Host:                 "127.0.0.1",
			Port:                 6379,
			ModelCacheTTLSeconds: 300,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// The format follows the file extension: .json, .yaml/.yml or .toml. When no
// path is given and config.json does not exist the defaults are used.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		cfg.Providers = nil
		cfg.BasicConfig.DefaultModel = ""
		if err := decode(absPath, data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		absPath = ""
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := cfg.normalize(absPath); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func (c *Config) normalize(configPath string) error {
	if len(c.Providers) == 0 {
		c.Providers = Default().Providers
	}
	for name, p := range c.Providers {
		if p.Type == "" {
			p.Type = "openai"
			c.Providers[name] = p
		}
	}
	if c.BasicConfig.DefaultProvider == "" {
		c.BasicConfig.DefaultProvider = DefaultProvider
	}
	if _, ok := c.Providers[c.BasicConfig.DefaultProvider]; !ok {
		return fmt.Errorf("default provider %s not configured", c.BasicConfig.DefaultProvider)
	}
	if c.BasicConfig.DefaultModel == "" {
		c.BasicConfig.DefaultModel = c.Providers[c.BasicConfig.DefaultProvider].Model
	}
	if c.BasicConfig.DefaultModel == "" {
		return fmt.Errorf("default_model must be configured")
	}
	if c.Worker.MaxWorkers < c.Worker.MinWorkers {
		c.Worker.MaxWorkers = c.Worker.MinWorkers
	}

	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Driver != "mysql" {
		if c.Database.Path == "" {
			return fmt.Errorf("database path must be configured")
		}
		if configPath != "" && c.Database.Path != ":memory:" && !filepath.IsAbs(c.Database.Path) {
			c.Database.Path = filepath.Join(filepath.Dir(configPath), c.Database.Path)
		}
	}
	return nil
}
