package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/arch-stack/scancache/internal/report"
	"github.com/arch-stack/scancache/internal/session"
)

// StatusConfig holds configuration for the status command
type StatusConfig struct {
	SessionKey string
	Format     string
}

// NewStatusConfig creates a new StatusConfig with default values
func NewStatusConfig() *StatusConfig {
	return &StatusConfig{
		SessionKey: "default",
		Format:     string(report.FormatText),
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show remediation progress of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := getStatusConfigFromFlags(cmd)
			format, err := report.ParseFormat(config.Format)
			if err != nil {
				return err
			}
			engine, err := loadEngine(cmd)
			if err != nil {
				return err
			}

			st, err := engine.SessionStatus(cmd.Context(), config.SessionKey)
			if err != nil {
				return err
			}
			if format == report.FormatText {
				return writeStatusText(cmd.OutOrStdout(), st)
			}
			return report.Encode(cmd.OutOrStdout(), st, format)
		},
	}

	defaults := NewStatusConfig()
	cmd.Flags().String("session", defaults.SessionKey, "Remediation session key")
	cmd.Flags().String("format", defaults.Format, "Output format: text, json or yaml")
	return cmd
}

func getStatusConfigFromFlags(cmd *cobra.Command) *StatusConfig {
	config := NewStatusConfig()

	if session, err := cmd.Flags().GetString("session"); err == nil {
		config.SessionKey = session
	}
	if format, err := cmd.Flags().GetString("format"); err == nil {
		config.Format = format
	}

	return config
}

func writeStatusText(w io.Writer, st session.Status) error {
	for _, warning := range st.Warnings {
		if _, err := fmt.Fprintf(w, "warning: %s\n", warning); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "session %s: %d total, %d fixed, %d remaining\n",
		st.Key, st.Total, st.Fixed, len(st.Remaining)); err != nil {
		return err
	}
	for _, f := range st.Remaining {
		if _, err := fmt.Fprintf(w, "  - [%s] %s %s %s\n", f.ID, f.Severity, f.Location, f.Description); err != nil {
			return err
		}
	}
	return nil
}
