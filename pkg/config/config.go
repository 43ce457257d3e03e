package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Transport choices.
const (
	TransportNative = "native"
	TransportWebBT  = "webbt"
	TransportBridge = "bridge"
)

// Storage choices.
const (
	StorageFile = "file"
	StorageKV   = "kv"
	StorageHost = "host"
)

const kvFile = "snoozy.db"

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"warn"`
	Transport      string        `yaml:"transport" default:"native"`
	Storage        string        `yaml:"storage" default:"file"`
	DataDir        string        `yaml:"data_dir"`
	KVPath         string        `yaml:"kv_path"`
	ExportDir      string        `yaml:"export_dir"`
	DeviceName     string        `yaml:"device_name" default:"Snoozy"`
	ScanWindow     time.Duration `yaml:"scan_window" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	HostAddr       string        `yaml:"host_addr" default:"127.0.0.1:7420"`
	RelayAddr      string        `yaml:"relay_addr" default:"127.0.0.1:7421"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.fill()
	return cfg
}

func (c *Config) fill() {
	defaults.SetDefaults(c)
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.KVPath == "" {
		c.KVPath = filepath.Join(c.DataDir, kvFile)
	}
	if c.ExportDir == "" {
		c.ExportDir = c.DataDir
	}
}

// MoveDataDir points DataDir at dir. KVPath and ExportDir follow when they
// were derived from the old DataDir.
func (c *Config) MoveDataDir(dir string) {
	if c.KVPath == filepath.Join(c.DataDir, kvFile) {
		c.KVPath = filepath.Join(dir, kvFile)
	}
	if c.ExportDir == c.DataDir {
		c.ExportDir = dir
	}
	c.DataDir = dir
}

// defaultDataDir is $HOME/.snoozy, or ./data when $HOME is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".snoozy")
}

// Load reads a YAML config file. A missing file yields the defaults; fields
// absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum fields and durations.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	switch c.Transport {
	case TransportNative, TransportWebBT, TransportBridge:
	default:
		return fmt.Errorf("config: transport %q: want one of %s", c.Transport,
			strings.Join([]string{TransportNative, TransportWebBT, TransportBridge}, ", "))
	}
	switch c.Storage {
	case StorageFile, StorageKV, StorageHost:
	default:
		return fmt.Errorf("config: storage %q: want one of %s", c.Storage,
			strings.Join([]string{StorageFile, StorageKV, StorageHost}, ", "))
	}
	if c.ScanWindow <= 0 {
		return fmt.Errorf("config: scan_window must be positive, got %s", c.ScanWindow)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("config: connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.DeviceName == "" {
		return fmt.Errorf("config: device_name must not be empty")
	}
	return nil
}

// Level returns the parsed log level, InfoLevel when unparseable.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// HostURL is the websocket address clients dial to reach the host.
func (c *Config) HostURL() string {
	return "ws://" + c.HostAddr + "/ipc"
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
