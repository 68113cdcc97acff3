package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/arch-stack/scancache/internal/report"
	"github.com/arch-stack/scancache/internal/session"
)

// SessionListConfig holds configuration for the session list command
type SessionListConfig struct {
	Format string
}

// NewSessionListConfig creates a new SessionListConfig with default values
func NewSessionListConfig() *SessionListConfig {
	return &SessionListConfig{
		Format: string(report.FormatText),
	}
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage remediation sessions",
		Long:  `List sessions, start a new one, or mark a finding as fixed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newSessionListCmd(), newSessionNewCmd(), newSessionFixCmd())
	return cmd
}

func newSessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List remediation sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := getSessionListConfigFromFlags(cmd)
			format, err := report.ParseFormat(config.Format)
			if err != nil {
				return err
			}
			engine, err := loadEngine(cmd)
			if err != nil {
				return err
			}

			summaries, err := engine.Ledger().List(cmd.Context())
			if err != nil {
				return err
			}
			if summaries == nil {
				summaries = []session.Summary{}
			}
			if format == report.FormatText {
				return writeSessionTable(cmd.OutOrStdout(), summaries)
			}
			return report.Encode(cmd.OutOrStdout(), summaries, format)
		},
	}

	defaults := NewSessionListConfig()
	cmd.Flags().String("format", defaults.Format, "Output format: text, json or yaml")
	return cmd
}

func getSessionListConfigFromFlags(cmd *cobra.Command) *SessionListConfig {
	config := NewSessionListConfig()
	if format, err := cmd.Flags().GetString("format"); err == nil {
		config.Format = format
	}
	return config
}

func writeSessionTable(w io.Writer, summaries []session.Summary) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "No sessions found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tTOTAL\tFIXED\tREMAINING\tUPDATED")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n",
			s.Key, s.Total, s.Fixed, s.Total-s.Fixed, s.LastUpdated.Format(time.RFC3339))
	}
	return tw.Flush()
}

func newSessionNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new <key>",
		Short: "Archive the current session for key and start an empty one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine(cmd)
			if err != nil {
				return err
			}
			s, err := engine.Ledger().Reset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "started session %s (%s)\n", s.Key, s.ID)
			return err
		},
	}
}

func newSessionFixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix <key> <finding-id>",
		Short: "Mark a finding in a session as fixed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine(cmd)
			if err != nil {
				return err
			}
			s, err := engine.Ledger().MarkFixed(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			st := s.Status()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "marked %s fixed; session %s: %d total, %d fixed, %d remaining\n",
				args[1], st.Key, st.Total, st.Fixed, len(st.Remaining))
			return err
		},
	}
}
