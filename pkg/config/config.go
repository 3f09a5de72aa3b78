package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// MaxEventBufferSize guards against accidental misconfiguration.
const MaxEventBufferSize uint32 = 1 << 20

var (
	logFormats    = []string{"text", "json"}
	outputFormats = []string{"table", "json", "yaml"}
)

// Config holds application configuration
type Config struct {
	LogLevel           logrus.Level  `json:"log_level" yaml:"log_level"`
	LogFormat          string        `json:"log_format" yaml:"log_format" default:"text"`
	HeadsetBindTimeout time.Duration `json:"headset_bind_timeout" yaml:"headset_bind_timeout" default:"3s"`
	EventBufferSize    uint32        `json:"event_buffer_size" yaml:"event_buffer_size" default:"64"`
	SettingsFile       string        `json:"settings_file,omitempty" yaml:"settings_file,omitempty"`
	OutputFormat       string        `json:"output_format" yaml:"output_format" default:"table"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: logrus.InfoLevel}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	if !oneOf(c.LogFormat, logFormats) {
		return fmt.Errorf("%w: log_format %q (must be one of %v)", ErrInvalidConfig, c.LogFormat, logFormats)
	}
	if !oneOf(c.OutputFormat, outputFormats) {
		return fmt.Errorf("%w: output_format %q (must be one of %v)", ErrInvalidConfig, c.OutputFormat, outputFormats)
	}
	if c.HeadsetBindTimeout <= 0 {
		return fmt.Errorf("%w: headset_bind_timeout must be positive, got %s", ErrInvalidConfig, c.HeadsetBindTimeout)
	}
	if c.EventBufferSize == 0 || c.EventBufferSize > MaxEventBufferSize {
		return fmt.Errorf("%w: event_buffer_size %d out of range (1..%d)", ErrInvalidConfig, c.EventBufferSize, MaxEventBufferSize)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		return logger
	}

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
