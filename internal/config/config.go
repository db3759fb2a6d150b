// Package config provides configuration types and defaults for cog.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tempusfrangit/cog/internal/log"
)

// Config holds all configuration options for cog.
type Config struct {
	// Predictor is the reference to the predictor child process.
	// Either a path to an executable, or "path:entrypoint" where the
	// entrypoint selects a predictor within the executable.
	Predictor string `mapstructure:"predictor" yaml:"predictor"`

	// TeeOutput mirrors child stdout/stderr log events to the parent's
	// own stdout/stderr in addition to surfacing them on streams.
	TeeOutput bool `mapstructure:"tee_output" yaml:"tee_output"`

	// Poll is the heartbeat interval for prediction streams.
	// Zero disables heartbeats.
	Poll time.Duration `mapstructure:"poll" yaml:"poll"`

	Env     []string      `mapstructure:"env" yaml:"env"` // Extra environment for the child, KEY=VALUE form
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// LogConfig holds debug logging configuration.
type LogConfig struct {
	// Enabled turns file logging on. Also enabled by --debug or COG_DEBUG.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Path is the log file location.
	// Default: ~/.config/cog/cog.log
	Path string `mapstructure:"path" yaml:"path"`

	// Level is the minimum level to record: "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/cog/traces/traces.jsonl
	FilePath string `mapstructure:"file_path" yaml:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// DefaultLogFilePath returns the default path for the debug log.
// Returns ~/.config/cog/cog.log or empty string if home dir unavailable.
func DefaultLogFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cog", "cog.log")
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/cog/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cog", "traces", "traces.jsonl")
}

// Validate checks the configuration for errors.
// Returns nil for empty values, which fall back to defaults.
func Validate(cfg Config) error {
	if cfg.Poll < 0 {
		return fmt.Errorf("poll must be non-negative, got %v", cfg.Poll)
	}

	if cfg.Log.Level != "" {
		switch cfg.Log.Level {
		case "debug", "info", "warn", "error":
			// Valid
		default:
			return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", cfg.Log.Level)
		}
	}

	return ValidateTracing(cfg.Tracing)
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// LogLevel maps the configured level string to a log.Level.
// Unknown or empty strings map to debug.
func (l LogConfig) LogLevel() log.Level {
	switch l.Level {
	case "info":
		return log.LevelInfo
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelDebug
	}
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		TeeOutput: false,
		Poll:      0,
		Log: LogConfig{
			Enabled: false,
			Path:    "", // Derived from config dir at runtime
			Level:   "debug",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Cog Configuration

# Predictor reference: path to the predictor executable, optionally with
# an entrypoint ("./predictor" or "./predictor:predict")
# predictor: ./predictor

# Mirror child stdout/stderr log lines to the parent's own stdout/stderr
tee_output: false

# Heartbeat interval for prediction streams (0 disables heartbeats)
# poll: 100ms

# Extra environment variables for the child process
# env:
#   - CUDA_VISIBLE_DEVICES=0

# Debug logging
log:
  enabled: false
  # path: ~/.config/cog/cog.log
  level: debug   # debug, info, warn, or error

# Distributed tracing configuration
# Enables end-to-end visibility into setup and prediction flows
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/cog/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
