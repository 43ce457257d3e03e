package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/snoozy/pkg/config"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "snoozy.yaml"
	}
	return filepath.Join(home, ".snoozy", "config.yaml")
}

// loadConfig reads --config and applies the global flag overrides on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.MoveDataDir(dir)
	}
	overrides := map[string]*string{
		"transport": &cfg.Transport,
		"storage":   &cfg.Storage,
		"log-level": &cfg.LogLevel,
	}
	for name, field := range overrides {
		if v, _ := cmd.Flags().GetString(name); v != "" {
			*field = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureLogger creates a logger with the appropriate log level.
// --log-level wins over --verbose, which wins over the config file.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logLevel := cfg.Level()

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		lvl, err := logrus.ParseLevel(logLevelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
		logLevel = lvl
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logLevel = logrus.DebugLevel
	}

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
