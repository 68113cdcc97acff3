package main

import (
	"github.com/spf13/cobra"

	"github.com/arch-stack/scancache/internal/logger"
	"github.com/arch-stack/scancache/internal/lsp"
)

// ServeConfig holds configuration for the serve command
type ServeConfig struct {
	Verbosity int
}

// NewServeConfig creates a new ServeConfig with default values
func NewServeConfig() *ServeConfig {
	return &ServeConfig{
		Verbosity: 1,
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the language server over stdio",
		Long: `Run a language server that publishes secret findings as diagnostics. The
workspace root is taken from the client's initialize request.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := NewServeConfig()
			if verbosity, err := cmd.Flags().GetInt("lsp-verbosity"); err == nil {
				config.Verbosity = verbosity
			}
			// stdout carries the protocol
			logger.SetLogOutput(cmd.ErrOrStderr())
			return lsp.NewServer().RunStdio(config.Verbosity)
		},
	}

	defaults := NewServeConfig()
	cmd.Flags().Int("lsp-verbosity", defaults.Verbosity, "Protocol log verbosity of the LSP transport")
	return cmd
}
