// Package cmd implements the cog command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tempusfrangit/cog/internal/config"
	"github.com/tempusfrangit/cog/internal/log"
)

var (
	version = "dev"
	cfgFile string
	debug   bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "cog",
	Short:   "Supervise a predictor process",
	Long: `Cog supervises a single long-lived predictor process and exposes its
lifecycle (setup, predict, cancel, shutdown, terminate) as typed event
streams.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/cog/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("tee_output", defaults.TeeOutput)
	viper.SetDefault("poll", defaults.Poll)
	viper.SetDefault("log.enabled", defaults.Log.Enabled)
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .cog/config.yaml (current directory)
		// 2. ~/.config/cog/config.yaml (user config)
		if _, err := os.Stat(".cog/config.yaml"); err == nil {
			viper.SetConfigFile(".cog/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "cog"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .cog/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".cog/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)

	initLogging()
}

// initLogging turns on the debug log when requested by flag, environment or
// config file.
func initLogging() {
	enabled := debug || cfg.Log.Enabled || os.Getenv("COG_DEBUG") != ""
	if !enabled {
		return
	}

	path := cfg.Log.Path
	if path == "" {
		path = config.DefaultLogFilePath()
	}
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "warning: creating log directory: %v\n", err)
		return
	}
	if _, err := log.Init(path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: initializing log: %v\n", err)
		return
	}
	log.SetMinLevel(cfg.Log.LogLevel())
	log.Debug(log.CatCLI, "Logging initialized", "path", path)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
