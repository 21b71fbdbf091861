// Package config loads the buttond configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/buttond/internal/events"
	"github.com/srg/buttond/internal/radio"
	"gopkg.in/yaml.v3"
)

// Radio backends
const (
	BackendGoble = "goble"
	BackendBlueZ = "bluez"
	BackendSim   = "sim"
)

// Config holds application configuration
type Config struct {
	LogLevel   string `yaml:"log_level" default:"info"`
	Backend    string `yaml:"backend" default:"goble"`
	SocketPath string `yaml:"socket_path"`
	// HTTPAddr serves /metrics, /live and /ready. Empty disables the listener.
	HTTPAddr string `yaml:"http_addr" default:"127.0.0.1:9467"`

	Session SessionConfig `yaml:"session"`
	Radio   RadioConfig   `yaml:"radio"`
	Bridge  BridgeConfig  `yaml:"bridge"`
}

type SessionConfig struct {
	ReplayBufferSize     uint32 `yaml:"replay_buffer_size"`
	OptimisticDisconnect bool   `yaml:"optimistic_disconnect" default:"true"`
}

type RadioConfig struct {
	ServiceUUID             string             `yaml:"service_uuid" default:"f02adfc0-26e7-11e4-9edc-0002a5d5c51b"`
	EventCharacteristicUUID string             `yaml:"event_characteristic_uuid" default:"f02adfc1-26e7-11e4-9edc-0002a5d5c51b"`
	ScanTimeout             time.Duration      `yaml:"scan_timeout" default:"30s"`
	ConnectTimeout          time.Duration      `yaml:"connect_timeout" default:"10s"`
	Workers                 int                `yaml:"workers" default:"4"`
	OpenRetries             uint64             `yaml:"open_retries" default:"3"`
	Adapter                 string             `yaml:"adapter" default:"hci0"`
	KnownButtons            []radio.Peripheral `yaml:"known_buttons"`
}

type BridgeConfig struct {
	SubscriberBuffer  int           `yaml:"subscriber_buffer" default:"256"`
	SubscriberTimeout time.Duration `yaml:"subscriber_timeout" default:"5s"`
	RequestTimeout    time.Duration `yaml:"request_timeout" default:"60s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that cannot be expressed by the YAML types.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Backend {
	case BackendGoble, BackendBlueZ, BackendSim:
	default:
		return fmt.Errorf("unknown backend %q (expected %s, %s or %s)", c.Backend, BackendGoble, BackendBlueZ, BackendSim)
	}
	if c.Radio.Workers <= 0 {
		return fmt.Errorf("radio.workers must be positive, got %d", c.Radio.Workers)
	}
	if c.Radio.ScanTimeout <= 0 || c.Radio.ConnectTimeout <= 0 ||
		c.Bridge.RequestTimeout <= 0 || c.Bridge.SubscriberTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Session.ReplayBufferSize > events.MaxReplayBufferSize {
		return fmt.Errorf("session.replay_buffer_size must not exceed %d", events.MaxReplayBufferSize)
	}
	return nil
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
