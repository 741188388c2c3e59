package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ServerAddr       string        `env:"CHAT_ADDR" envDefault:"localhost:8000"`
	DatabaseDSN      string        `env:"CHAT_DSN"`
	SigningSecret    string        `env:"CHAT_SIGNING_KEY"`
	AllowedOrigins   []string      `env:"CHAT_ALLOWED_ORIGINS" envSeparator:","`
	ChallengeTTL     time.Duration `env:"CHAT_CHALLENGE_TTL" envDefault:"10m"`
	IdentityTokenTTL time.Duration `env:"CHAT_IDENTITY_TOKEN_TTL" envDefault:"30m"`
	MaxCodeAttempts  int           `env:"CHAT_MAX_CODE_ATTEMPTS" envDefault:"3"`
	SweepInterval    time.Duration `env:"CHAT_SWEEP_INTERVAL" envDefault:"15s"`
	IdleRoomTimeout  time.Duration `env:"CHAT_IDLE_ROOM_TIMEOUT" envDefault:"5m"`
	MessagesPerSec   float64       `env:"CHAT_MESSAGES_PER_SECOND" envDefault:"5"`
	MessageBurst     int           `env:"CHAT_MESSAGE_BURST" envDefault:"10"`

	// SigningKey is the decoded SigningSecret, set by Validate.
	SigningKey []byte
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Load reads the configuration from the environment. The result still has
// to pass Validate once command line overrides are applied.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration and decodes the signing key.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.ChallengeTTL <= 0 || c.IdentityTokenTTL <= 0 {
		return fmt.Errorf("challenge and token TTLs must be positive")
	}
	if c.MaxCodeAttempts < 1 {
		return fmt.Errorf("max code attempts must be at least 1")
	}
	if c.SweepInterval <= 0 || c.IdleRoomTimeout <= 0 {
		return fmt.Errorf("sweep interval and idle room timeout must be positive")
	}
	if c.MessagesPerSec <= 0 || c.MessageBurst < 1 {
		return fmt.Errorf("message rate limit must be positive")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	return nil
}
