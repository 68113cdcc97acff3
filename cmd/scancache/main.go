package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/arch-stack/scancache/internal/analysis"
	"github.com/arch-stack/scancache/internal/config"
	"github.com/arch-stack/scancache/internal/logger"
)

var version = "0.1.0"

// RootConfig holds the persistent flags shared by every command
type RootConfig struct {
	Root      string
	LogLevel  string
	LogFormat string
}

// NewRootConfig creates a new RootConfig with default values
func NewRootConfig() *RootConfig {
	return &RootConfig{
		Root:      ".",
		LogLevel:  "info",
		LogFormat: "fmt",
	}
}

func getRootConfigFromFlags(cmd *cobra.Command) *RootConfig {
	config := NewRootConfig()

	if root, err := cmd.Flags().GetString("root"); err == nil {
		config.Root = root
	}
	if level, err := cmd.Flags().GetString("log-level"); err == nil {
		config.LogLevel = level
	}
	if format, err := cmd.Flags().GetString("log-format"); err == nil {
		config.LogFormat = format
	}

	return config
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scancache",
		Short: "Cache analysis results and track remediation sessions",
		Long: `scancache runs repository analyzers over a bounded scope, reuses their
results while the analyzed files are unchanged, and tracks which findings
have been fixed across runs.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config := getRootConfigFromFlags(cmd)
			if err := logger.SetLogLevel(config.LogLevel); err != nil {
				return errors.Wrapf(err, "invalid log level %q", config.LogLevel)
			}
			logger.SetLogFormat(config.LogFormat)
			return nil
		},
	}

	defaults := NewRootConfig()
	flags := rootCmd.PersistentFlags()
	flags.String("root", defaults.Root, "Repository root")
	flags.String("log-level", defaults.LogLevel, "Log level (panic, fatal, error, warn, info, debug, trace)")
	flags.String("log-format", defaults.LogFormat, "Log format: fmt or json")
	config.AddFlags(flags)

	rootCmd.AddCommand(
		newScanCmd(),
		newStatusCmd(),
		newSessionCmd(),
		newCacheCmd(),
		newWatchCmd(),
		newServeCmd(),
	)
	return rootCmd
}

// loadEngine loads the configuration of the repository selected by --root,
// with any config flags the user set taking precedence over the file.
func loadEngine(cmd *cobra.Command) (*analysis.Engine, error) {
	rootConfig := getRootConfigFromFlags(cmd)
	root, err := filepath.Abs(rootConfig.Root)
	if err != nil {
		return nil, errors.Wrap(err, "resolving repository root")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "repository root")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("repository root %s is not a directory", root)
	}

	v := config.New(root)
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	settings, err := config.Load(root, v)
	if err != nil {
		return nil, err
	}
	return analysis.New(settings), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
