// Package main is the entry point for the assetgate binary.
// It runs the gateway servers and offers offline allowlist maintenance.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/assetgate/pkg/config"
	"github.com/polisai/assetgate/pkg/logging"
)

// globalFlags holds the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for assetgate
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "assetgate",
		Short: "Access-control gateway for a protected client-side asset",
		Long: `assetgate decides whether a calling page may load a protected asset.

A request is allowed when it carries the shared client key and its Origin (or
Referer) belongs to an allowlisted domain. Per-source admission control slows
and then rejects abusive callers.

Example:
  assetgate serve --config assetgate.yaml
  assetgate domains add example.com shop.example.org`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			// A missing .env file is not an error.
			_ = godotenv.Load()
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file (YAML); defaults to $ASSETGATE_CONFIG")
	pf.StringVarP(&flags.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error); overrides the config file")
	pf.BoolVar(&flags.pretty, "pretty", false, "Human-readable console logs")

	rootCmd.AddCommand(newServeCmd(flags), newDomainsCmd(flags), newMigrateCmd(flags), newCertCmd())
	return rootCmd
}

// config resolves the configuration file path. The environment is consulted
// after .env has been loaded.
func (f *globalFlags) config() string {
	if f.configPath != "" {
		return f.configPath
	}
	return os.Getenv("ASSETGATE_CONFIG")
}

// newLogger applies the flag overrides to cfg and installs the process logger.
func (f *globalFlags) newLogger(cfg *config.Config, out io.Writer) (*slog.Logger, error) {
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, fmt.Errorf("--log-level: %w", err)
		}
	}
	if f.pretty {
		cfg.Logging.Pretty = true
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: out,
	})
	slog.SetDefault(logger)
	return logger, nil
}
