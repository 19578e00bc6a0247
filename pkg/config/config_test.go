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
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.InitTimeout)
	assert.Equal(t, DriverGoBLE, cfg.BLE.Driver)
	assert.Equal(t, "hci0", cfg.BLE.Adapter)
	assert.True(t, cfg.BLE.AllowDuplicates)
	assert.Equal(t, 300*time.Millisecond, cfg.BLE.StartGrace)
	assert.Equal(t, DriverNetMan, cfg.WiFiDirect.Driver)
	assert.Empty(t, cfg.WiFiDirect.Interface)
	assert.Equal(t, 30*time.Second, cfg.WiFiDirect.FindTimeout)
	assert.Equal(t, 64, cfg.Diagnostics.Buffer)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: "debug",
			expected: logrus.DebugLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: "warn",
			expected: logrus.WarnLevel,
		},
		{
			name:     "unknown level falls back to info",
			logLevel: "chatty",
			expected: logrus.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radioctl.hjson")
	require.NoError(t, os.WriteFile(path, []byte(`{
  # hjson allows comments
  log_level: debug
  init_timeout: 2s
  ble: {
    driver: sim
    allow_duplicates: false
  }
  wifi_direct: {
    interface: p2p-dev-wlan0
  }
}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.InitTimeout)
	assert.Equal(t, DriverSim, cfg.BLE.Driver)
	assert.False(t, cfg.BLE.AllowDuplicates)
	assert.Equal(t, "p2p-dev-wlan0", cfg.WiFiDirect.Interface)

	// untouched keys keep their defaults
	assert.Equal(t, "hci0", cfg.BLE.Adapter)
	assert.Equal(t, DriverNetMan, cfg.WiFiDirect.Driver)
	assert.Equal(t, 64, cfg.Diagnostics.Buffer)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.hjson"))
		assert.Error(t, err)
	})

	t.Run("unknown driver", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.hjson")
		require.NoError(t, os.WriteFile(path, []byte("{\n  ble: {\n    driver: winrt\n  }\n}\n"), 0o600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown ble driver")
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "defaults are valid"},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.LogLevel = "loud" },
			errMsg: "not a valid logrus Level",
		},
		{
			name:   "zero init timeout",
			mutate: func(c *Config) { c.InitTimeout = 0 },
			errMsg: "init_timeout must be positive",
		},
		{
			name:   "unknown wifi driver",
			mutate: func(c *Config) { c.WiFiDirect.Driver = "wpa" },
			errMsg: "unknown wifi_direct driver",
		},
		{
			name:   "disabled drivers are valid",
			mutate: func(c *Config) { c.BLE.Driver, c.WiFiDirect.Driver = DriverDisable, DriverDisable },
		},
		{
			name:   "empty diagnostics buffer",
			mutate: func(c *Config) { c.Diagnostics.Buffer = 0 },
			errMsg: "diagnostics.buffer must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
