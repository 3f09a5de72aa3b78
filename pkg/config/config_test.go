package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 3*time.Second, cfg.HeadsetBindTimeout)
	assert.Equal(t, uint32(64), cfg.EventBufferSize)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Empty(t, cfg.SettingsFile)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: logrus.DebugLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: logrus.WarnLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.logLevel, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_NewLoggerJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogFormat = "json"

	_, ok := cfg.NewLogger().Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{name: "defaults", mutate: func(*Config) {}, valid: true},
		{name: "yaml output", mutate: func(c *Config) { c.OutputFormat = "yaml" }, valid: true},
		{name: "csv output", mutate: func(c *Config) { c.OutputFormat = "csv" }, valid: false},
		{name: "xml logs", mutate: func(c *Config) { c.LogFormat = "xml" }, valid: false},
		{name: "zero bind timeout", mutate: func(c *Config) { c.HeadsetBindTimeout = 0 }, valid: false},
		{name: "zero buffer", mutate: func(c *Config) { c.EventBufferSize = 0 }, valid: false},
		{name: "huge buffer", mutate: func(c *Config) { c.EventBufferSize = MaxEventBufferSize + 1 }, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	t.Run("overrides defaults", func(t *testing.T) {
		cfg, err := Load(write("ok.yaml", `
log_level: debug
log_format: json
headset_bind_timeout: 500ms
settings_file: /var/lib/btsco/settings.yaml
`))
		require.NoError(t, err)
		assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Equal(t, 500*time.Millisecond, cfg.HeadsetBindTimeout)
		assert.Equal(t, "/var/lib/btsco/settings.yaml", cfg.SettingsFile)
		assert.Equal(t, uint32(64), cfg.EventBufferSize, "unset keys MUST keep defaults")
	})

	t.Run("empty file", func(t *testing.T) {
		cfg, err := Load(write("empty.yaml", ""))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(write("unknown.yaml", "scan_timeout: 10s\n"))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("invalid value", func(t *testing.T) {
		_, err := Load(write("bad.yaml", "output_format: csv\n"))
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.yaml"))
		assert.Error(t, err)
	})
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
