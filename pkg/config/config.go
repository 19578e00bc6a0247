package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Driver names accepted in the configuration.
const (
	DriverGoBLE   = "goble"
	DriverBlueZ   = "bluez"
	DriverNetMan  = "netman"
	DriverSim     = "sim"
	DriverDisable = "none"
)

var (
	bleDrivers  = []string{DriverGoBLE, DriverBlueZ, DriverSim, DriverDisable}
	wifiDrivers = []string{DriverNetMan, DriverSim, DriverDisable}
)

// Config holds application configuration
type Config struct {
	LogLevel    string            `koanf:"log_level" default:"info"`
	InitTimeout time.Duration     `koanf:"init_timeout" default:"5s"`
	BLE         BLEConfig         `koanf:"ble"`
	WiFiDirect  WiFiDirectConfig  `koanf:"wifi_direct"`
	Diagnostics DiagnosticsConfig `koanf:"diagnostics"`
}

// BLEConfig selects and tunes the BLE driver.
type BLEConfig struct {
	Driver          string        `koanf:"driver" default:"goble"`
	Adapter         string        `koanf:"adapter" default:"hci0"`
	AllowDuplicates bool          `koanf:"allow_duplicates" default:"true"`
	StartGrace      time.Duration `koanf:"start_grace" default:"300ms"`
}

// WiFiDirectConfig selects and tunes the Wi-Fi Direct driver.
type WiFiDirectConfig struct {
	Driver string `koanf:"driver" default:"netman"`
	// Interface restricts the P2P device to one interface; empty picks the first.
	Interface   string        `koanf:"interface"`
	FindTimeout time.Duration `koanf:"find_timeout" default:"30s"`
}

// DiagnosticsConfig sizes the diagnostic buffers.
type DiagnosticsConfig struct {
	Buffer      int `koanf:"buffer" default:"64"`
	BusCapacity int `koanf:"bus_capacity" default:"32"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load returns the defaults overlaid with the hjson file at path.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), hjson.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values a driver or the manager would otherwise reject late.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.InitTimeout <= 0 {
		return fmt.Errorf("init_timeout must be positive, got %s", c.InitTimeout)
	}
	if !slices.Contains(bleDrivers, c.BLE.Driver) {
		return fmt.Errorf("unknown ble driver %q (want one of %s)", c.BLE.Driver, strings.Join(bleDrivers, ", "))
	}
	if !slices.Contains(wifiDrivers, c.WiFiDirect.Driver) {
		return fmt.Errorf("unknown wifi_direct driver %q (want one of %s)", c.WiFiDirect.Driver, strings.Join(wifiDrivers, ", "))
	}
	if c.Diagnostics.Buffer <= 0 {
		return fmt.Errorf("diagnostics.buffer must be positive, got %d", c.Diagnostics.Buffer)
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
