package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perch-ai/perch/config"
)

var (
	// Global flags.
	configPath string
	verbose    bool
	output     string
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "perch",
	Short: "Perch edge agent extension runtime",
	Long: `Perch hosts third-party extensions on edge devices: native
libraries, sandboxed WebAssembly modules, and Lua scripts, all behind
one capability interface with circuit breaking and panic containment.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to runtime configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format (text, json)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig reads the configured file or falls back to defaults.
func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// newLogger builds the CLI logger honoring --verbose and the
// configured level.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	level := zap.InfoLevel
	if err := level.Set(cfg.LogLevel); err != nil {
		level = zap.InfoLevel
	}
	if verbose {
		level = zap.DebugLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
