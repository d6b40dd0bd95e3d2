// Package config loads the bridge daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/bt-bridge/realtime-bridge/shared"
)

const envKeyAPIKey = "OPENAI_API_KEY"

type Config struct {
	// Listen holds the bind addresses of the two server surfaces.
	Listen ListenConfig `yaml:"listen"`

	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Display  DisplayConfig  `yaml:"display"`
	Log      LogConfig      `yaml:"log"`
}

type ListenConfig struct {
	// Signaling is the address of the WebSocket signaling endpoint.
	Signaling string `yaml:"signaling"`
	// Control is the address of the operational HTTP API.
	Control string `yaml:"control"`
}

type ProviderConfig struct {
	// APIKey may be left empty in the file; the OPENAI_API_KEY environment
	// variable takes precedence either way.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
}

type SessionConfig struct {
	Instructions string `yaml:"instructions"`
	Voice        string `yaml:"voice"`
	SampleRate   int64  `yaml:"sample_rate"`

	VAD VADConfig `yaml:"vad"`
}

type VADConfig struct {
	// Enabled selects server-side voice activity detection. When false the
	// turn coordinator commits the audio buffer itself.
	Enabled           bool          `yaml:"enabled"`
	Threshold         float64       `yaml:"threshold"`
	PrefixPadding     time.Duration `yaml:"prefix_padding"`
	SilenceDuration   time.Duration `yaml:"silence_duration"`
	CreateResponse    bool          `yaml:"create_response"`
	InterruptResponse bool          `yaml:"interrupt_response"`
}

type DisplayConfig struct {
	// AckWindow bounds how long the bridge waits for a display confirmation.
	AckWindow time.Duration `yaml:"ack_window"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Signaling: ":8080",
			Control:   ":8081",
		},
		Provider: ProviderConfig{
			BaseURL:              "wss://api.openai.com/v1/realtime",
			Model:                "gpt-realtime",
			ReconnectDelay:       2 * time.Second,
			ReconnectMaxAttempts: 5,
		},
		Session: SessionConfig{
			Instructions: "You are a concise voice assistant speaking through smart glasses.",
			Voice:        "ash",
			SampleRate:   24000,
			VAD: VADConfig{
				Enabled:           true,
				Threshold:         0.5,
				PrefixPadding:     300 * time.Millisecond,
				SilenceDuration:   500 * time.Millisecond,
				CreateResponse:    true,
				InterruptResponse: true,
			},
		},
		Display: DisplayConfig{
			AckWindow: 5 * time.Second,
		},
		Log: LogConfig{
			File:       "bridged.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
			Compress:   false,
		},
	}
}

// Load reads path, overlays it on the defaults and resolves the API key.
// An empty path returns defaults plus the environment key.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	envKey, err := shared.Getenv(shared.GetenvString, envKeyAPIKey, false, "")
	if err != nil {
		return nil, err
	}
	if envKey != "" {
		cfg.Provider.APIKey = envKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return shared.ErrNoAPIKey
	}
	if c.Provider.ReconnectMaxAttempts < 1 {
		return errors.New("provider.reconnect_max_attempts must be at least 1")
	}
	if c.Provider.ReconnectDelay <= 0 {
		return errors.New("provider.reconnect_delay must be positive")
	}
	if c.Display.AckWindow <= 0 {
		return errors.New("display.ack_window must be positive")
	}
	if c.Session.SampleRate <= 0 {
		return errors.New("session.sample_rate must be positive")
	}
	return nil
}
