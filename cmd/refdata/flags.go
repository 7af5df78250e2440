package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	Once            bool
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	usage func()
}

func parseFlags(args []string, output io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(output)

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("REFDATA_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: REFDATA_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("REFDATA_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: REFDATA_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("REFDATA_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: REFDATA_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("REFDATA_LOG_FORMAT", "json"),
		"Log format: json, text (env: REFDATA_LOG_FORMAT)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("REFDATA_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: REFDATA_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.Once, "once",
		getEnvBool("REFDATA_ONCE", false),
		"Run a single fetch/diff/publish step and exit (env: REFDATA_ONCE)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(output, fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.usage = fs.Usage
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - alert rule reference data publisher

Polls the rule management API, compiles active rules into filter
expressions and publishes them as reference data for the stream processor.

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with a config file
  %[1]s --config=/etc/refdata/config.yaml

  # Publish once and exit, e.g. from a cron job
  %[1]s --config=config.json --once

  # Configure through the environment only
  export REFDATA_SOURCE_URL=https://rules.example.com/api
  export REFDATA_NATS_URLS=nats://nats:4222
  %[1]s --log-level=debug --log-format=text

  # Validate configuration only
  %[1]s --config=config.json --validate

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
