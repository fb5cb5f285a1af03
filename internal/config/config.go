// Package config loads the client configuration once at startup.
// The resulting Config is a value and is never mutated afterwards.
package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/omochice/roomchat/internal/client"
)

var validate = validator.New()

// Config holds every setting read from the environment.
type Config struct {
	BaseURL              string        `env:"CHAT_BASE_URL,default=http://localhost:8080" validate:"required,url"`
	RuntimeConfig        string        `env:"CHAT_RUNTIME_CONFIG"`
	WSPath               string        `env:"CHAT_WS_PATH,default=/ws" validate:"required"`
	ReconnectDelay       time.Duration `env:"CHAT_RECONNECT_DELAY,default=5s" validate:"gt=0"`
	ReconnectMaxDelay    time.Duration `env:"CHAT_RECONNECT_MAX_DELAY,default=1m" validate:"gte=0"`
	ReconnectMaxAttempts int           `env:"CHAT_RECONNECT_MAX_ATTEMPTS,default=0" validate:"gte=0"`
	ReconnectExponential bool          `env:"CHAT_RECONNECT_EXPONENTIAL,default=false"`
	DialTimeout          time.Duration `env:"CHAT_DIAL_TIMEOUT,default=10s" validate:"gt=0"`
	StorePath            string        `env:"CHAT_STORE_PATH,default=.roomchat"`
	ListenAddr           string        `env:"CHAT_LISTEN_ADDR,default=:8080"`
	LogLevel             string        `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ReconnectPolicy returns the reconnect settings for the connection manager.
func (c Config) ReconnectPolicy() client.ReconnectPolicy {
	return client.ReconnectPolicy{
		Delay:       c.ReconnectDelay,
		MaxDelay:    c.ReconnectMaxDelay,
		MaxAttempts: c.ReconnectMaxAttempts,
		Exponential: c.ReconnectExponential,
	}
}
