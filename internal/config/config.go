package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries all runtime settings for the daemon. Values come from the
// environment; every field has a default so a bare `echoboothd` works out of
// the box for local use.
type Config struct {
	// Bind is the listen address for the HTTP/WebSocket server.
	Bind string `env:"ECHOBOOTH_BIND" envDefault:"0.0.0.0:8000"`

	// BaseURL is the public base URL embedded in invite links and emails.
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8000"`

	// ResendAPIKey enables outbound invite emails when set.
	ResendAPIKey string `env:"RESEND_API_KEY"`

	// ResendFrom is the From header used for invite emails.
	ResendFrom string `env:"RESEND_FROM_EMAIL" envDefault:"Audio Capture <onboarding@resend.dev>"`

	// TokenTTL is the window during which a pending invite token is valid.
	TokenTTL time.Duration `env:"ECHOBOOTH_TOKEN_TTL" envDefault:"24h"`

	// Capture format. Recordings are written as WAV containers with exactly
	// these PCM characteristics.
	SampleRate       int `env:"ECHOBOOTH_SAMPLE_RATE" envDefault:"48000"`
	Channels         int `env:"ECHOBOOTH_CHANNELS" envDefault:"1"`
	SampleWidthBytes int `env:"ECHOBOOTH_SAMPLE_WIDTH_BYTES" envDefault:"2"`
}

// Load parses the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configured values are usable.
func (c Config) Validate() error {
	if c.TokenTTL <= 0 {
		return fmt.Errorf("config: token TTL must be positive, got %s", c.TokenTTL)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("config: sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("config: channel count must be positive, got %d", c.Channels)
	}
	if c.SampleWidthBytes <= 0 {
		return fmt.Errorf("config: sample width must be positive, got %d", c.SampleWidthBytes)
	}
	return nil
}
