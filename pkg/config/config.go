// ChatRelay - Telegram to generative-language relay
// License: MIT
//
// Copyright (c) 2026 ChatRelay contributors

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

var supportedProviders = []string{ProviderGemini, ProviderOpenAI, ProviderAnthropic}

// ErrMissingSecret is matched by errors.Is when a required secret is absent.
var ErrMissingSecret = errors.New("missing required secret")

type Config struct {
	Telegram   TelegramConfig
	Generation GenerationConfig
	Session    SessionConfig
	Log        LogConfig
}

type TelegramConfig struct {
	Token     string   `env:"TELEGRAM_TOKEN,required,notEmpty"`
	AllowFrom []string `env:"TELEGRAM_ALLOW_FROM" envSeparator:","`
	Proxy     string   `env:"TELEGRAM_PROXY"`
}

type GenerationConfig struct {
	APIKey       string        `env:"GEMINI_API_KEY,required,notEmpty"`
	Provider     string        `env:"GENERATION_PROVIDER" envDefault:"gemini"`
	Model        string        `env:"GENERATION_MODEL"`
	APIBase      string        `env:"GENERATION_API_BASE"`
	Proxy        string        `env:"GENERATION_PROXY"`
	MaxTokens    int           `env:"GENERATION_MAX_TOKENS" envDefault:"1024"`
	Temperature  float64       `env:"GENERATION_TEMPERATURE" envDefault:"0.7"`
	SystemPrompt string        `env:"SYSTEM_PROMPT"`
	Timeout      time.Duration `env:"GENERATION_TIMEOUT" envDefault:"0s"`
}

type SessionConfig struct {
	IdleTTL       time.Duration `env:"SESSION_IDLE_TTL" envDefault:"0s"`
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"10m"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// MissingSecretError lists every required variable that was unset or empty.
type MissingSecretError struct {
	Keys []string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(e.Keys, ", "))
}

func (e *MissingSecretError) Is(target error) bool {
	return target == ErrMissingSecret
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding values that are already set. A missing
// default ".env" file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFromMap reads the configuration from the given variables only.
func LoadFromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		if missing, rest := splitMissing(err); len(missing) > 0 {
			return nil, errors.Join(append([]error{&MissingSecretError{Keys: missing}}, rest...)...)
		}
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitMissing separates unset or empty required variables from the other
// errors aggregated by env.
func splitMissing(err error) (keys []string, rest []error) {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return nil, nil
	}

	for _, e := range agg.Errors {
		switch e := e.(type) {
		case env.EnvVarIsNotSetError:
			keys = append(keys, e.Key)
		case env.EmptyEnvVarError:
			keys = append(keys, e.Key)
		default:
			rest = append(rest, e)
		}
	}
	return keys, rest
}

// Validate checks the non-secret settings for values the providers cannot use.
func (c *Config) Validate() error {
	provider := strings.ToLower(strings.TrimSpace(c.Generation.Provider))
	if !slices.Contains(supportedProviders, provider) {
		return fmt.Errorf("unsupported GENERATION_PROVIDER %q (want one of %s)",
			c.Generation.Provider, strings.Join(supportedProviders, ", "))
	}
	c.Generation.Provider = provider

	if c.Generation.MaxTokens <= 0 {
		return fmt.Errorf("GENERATION_MAX_TOKENS must be positive, got %d", c.Generation.MaxTokens)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("GENERATION_TEMPERATURE must be within [0, 2], got %g", c.Generation.Temperature)
	}
	if c.Generation.Timeout < 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must not be negative")
	}
	if c.Session.IdleTTL < 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must not be negative")
	}
	if c.Session.IdleTTL > 0 && c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive when SESSION_IDLE_TTL is set")
	}

	for key, raw := range map[string]string{
		"TELEGRAM_PROXY":   c.Telegram.Proxy,
		"GENERATION_PROXY": c.Generation.Proxy,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
		}
	}

	allow := c.Telegram.AllowFrom[:0]
	for _, id := range c.Telegram.AllowFrom {
		if id = strings.TrimSpace(id); id != "" {
			allow = append(allow, id)
		}
	}
	c.Telegram.AllowFrom = allow

	return nil
}
