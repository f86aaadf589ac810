// Package config loads gateway settings: defaults, then an optional YAML
// file, then environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"chatdispatch/internal/cache"
	"chatdispatch/internal/chatlog"
	"chatdispatch/internal/retry"
)

// PathEnv names the variable holding the config file path.
const PathEnv = "CHATDISPATCH_CONFIG"

const (
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
)

type Config struct {
	Port    string        `yaml:"port" env:"PORT" validate:"required,numeric"`
	Timeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gt=0"`
	MaxBody int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES" validate:"gt=0"`

	Log     LogConfig     `yaml:"log"`
	LLM     LLMConfig     `yaml:"llm"`
	Cache   CacheConfig   `yaml:"cache"`
	Retry   RetryConfig   `yaml:"retry"`
	ChatLog ChatLogConfig `yaml:"chat_log"`
}

type LogConfig struct {
	Env   string `yaml:"env" env:"ENV"`
	Level string `yaml:"level" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
}

// LLMConfig selects and configures the chat completion client.
type LLMConfig struct {
	Provider string        `yaml:"provider" env:"LLM_PROVIDER" validate:"oneof=http openai"`
	BaseURL  string        `yaml:"base_url" env:"LLM_BASE_URL" validate:"omitempty,url"`
	APIKey   string        `yaml:"api_key" env:"LLM_API_KEY"`
	OrgID    string        `yaml:"org_id" env:"LLM_ORG_ID"`
	Timeout  time.Duration `yaml:"timeout" env:"LLM_TIMEOUT" validate:"gte=0"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend" env:"CACHE_BACKEND" validate:"omitempty,oneof=none memory lru redis sqlite"`
	TTL           time.Duration `yaml:"ttl" env:"CACHE_TTL" validate:"gte=0"`
	Prefix        string        `yaml:"prefix" env:"CACHE_PREFIX"`
	MaxEntries    int           `yaml:"max_entries" env:"CACHE_MAX_ENTRIES" validate:"gte=0"`
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR" validate:"required_if=Backend redis"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB" validate:"gte=0"`
	SQLitePath    string        `yaml:"sqlite_path" env:"CACHE_SQLITE_PATH" validate:"required_if=Backend sqlite"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"RETRY_BASE_DELAY" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY" validate:"gtefield=BaseDelay"`
	Jitter      bool          `yaml:"jitter" env:"RETRY_JITTER"`
}

type ChatLogConfig struct {
	Path     string `yaml:"path" env:"CHAT_LOG_PATH"`
	Encoding string `yaml:"encoding" env:"CHAT_LOG_ENCODING" validate:"omitempty,oneof=json base64"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		Port:    "8080",
		Timeout: 10 * time.Minute,
		MaxBody: 512 * 1024,
		Log:     LogConfig{Env: "production", Level: "info"},
		LLM: LLMConfig{
			Provider: ProviderHTTP,
			BaseURL:  "https://api.openai.com",
			Timeout:  60 * time.Second,
		},
		Cache: CacheConfig{
			Backend:    cache.BackendNone,
			TTL:        5 * time.Minute,
			Prefix:     "chatdispatch",
			MaxEntries: 1024,
			RedisAddr:  "127.0.0.1:6379",
		},
		Retry: RetryConfig{
			MaxAttempts: retry.DefaultMaxAttempts,
			BaseDelay:   retry.DefaultBaseDelay,
			MaxDelay:    retry.DefaultMaxDelay,
		},
		ChatLog: ChatLogConfig{
			Path:     chatlog.DefaultPath,
			Encoding: string(chatlog.EncodingJSON),
		},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads the file named by CHATDISPATCH_CONFIG, if any.
func FromEnv() (*Config, error) {
	return Load(os.Getenv(PathEnv))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.LLM.Provider == ProviderOpenAI && c.LLM.APIKey == "" {
		return errors.New("invalid config: llm.api_key is required for the openai provider")
	}
	return nil
}

// CacheFactory converts the cache section for cache.New.
func (c *Config) CacheFactory() cache.Config {
	return cache.Config{
		Backend:       c.Cache.Backend,
		TTL:           c.Cache.TTL,
		Prefix:        c.Cache.Prefix,
		MaxEntries:    c.Cache.MaxEntries,
		RedisAddr:     c.Cache.RedisAddr,
		RedisPassword: c.Cache.RedisPassword,
		RedisDB:       c.Cache.RedisDB,
		SQLitePath:    c.Cache.SQLitePath,
	}
}

// RetryPolicy converts the retry section into a policy. Retryable kinds are
// left to the dispatcher.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Jitter:      c.Retry.Jitter,
	}
}
