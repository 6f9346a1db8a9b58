// Package config loads the relay configuration from the environment. A .env
// file in the working directory is read first when present; variables already
// set in the environment win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full process configuration.
type Config struct {
	Port     int    `envconfig:"PORT" default:"3000" validate:"min=1,max=65535"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	ClassifierURL     string        `envconfig:"CLASSIFIER_URL" default:"http://127.0.0.1:5000/check_nsfw" validate:"required,url"`
	ClassifierTimeout time.Duration `envconfig:"CLASSIFIER_TIMEOUT" default:"10s" validate:"gt=0"`
	MaxImageBytes     int64         `envconfig:"MAX_IMAGE_BYTES" default:"10485760" validate:"gt=0"`
	MaxFrameBytes     int64         `envconfig:"MAX_FRAME_BYTES" default:"16777216" validate:"gtefield=MaxImageBytes"`

	WorkerPoolSize    int           `envconfig:"WORKER_POOL_SIZE" default:"256" validate:"min=1"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"100000" validate:"min=1"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s" validate:"gte=0"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s" validate:"gte=0"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s" validate:"gte=0"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s" validate:"gte=0"`

	MessageLimit  int           `envconfig:"MESSAGE_LIMIT" default:"20" validate:"gte=0"`
	MessageWindow time.Duration `envconfig:"MESSAGE_WINDOW" default:"10s" validate:"gte=0"`
	SkipLimit     int           `envconfig:"SKIP_LIMIT" default:"10" validate:"gte=0"`
	SkipWindow    time.Duration `envconfig:"SKIP_WINDOW" default:"1m" validate:"gte=0"`

	RedisAddr  string `envconfig:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	NATSURL    string `envconfig:"NATS_URL" validate:"omitempty,url"`
	ServerName string `envconfig:"SERVER_NAME"`
	StaticDir  string `envconfig:"STATIC_DIR" validate:"omitempty,dir"`
}

// Load reads .env (if any), processes the environment and validates the
// result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: process env: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// ListenAddr returns the address to bind, e.g. ":3000".
func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}
