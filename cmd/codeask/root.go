package main

import (
	"github.com/spf13/cobra"

	"codeask/internal/config"
	"codeask/internal/logging"
	"codeask/internal/version"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "codeask",
	Short: "codeask - ask questions about a codebase",
	Long: `codeask answers natural-language questions about a git repository.
It keeps a synced local mirror of the repository, exposes code-navigation
tools from MCP servers to a language model, and runs a bounded tool-calling
loop until the model produces a grounded answer.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate("codeask version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "",
		"Config file path (default: ./codeask.{toml,yaml,json})")
}

// loadConfig reads the effective configuration for a command run
func loadConfig() (*config.Config, error) {
	return config.Load(configFlag)
}

// newLogger builds the process logger from config
func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewLogger(logging.Config{
		Format: logging.Format(cfg.Logging.Format),
		Level:  logging.LogLevel(cfg.Logging.Level),
	})
}
