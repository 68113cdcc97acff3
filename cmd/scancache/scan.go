package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/arch-stack/scancache/internal/analysis"
	"github.com/arch-stack/scancache/internal/logger"
	"github.com/arch-stack/scancache/internal/report"
	"github.com/arch-stack/scancache/internal/scope"
	"github.com/arch-stack/scancache/internal/secrets"
)

// ScanConfig holds configuration for the scan command
type ScanConfig struct {
	Mode       string
	Path       string
	Reference  string
	Namespace  string
	SessionKey string
	Verbosity  string
	Format     string
	NoCache    bool
	TTL        time.Duration
	MaxMembers int
	Exec       string
}

// NewScanConfig creates a new ScanConfig with default values
func NewScanConfig() *ScanConfig {
	return &ScanConfig{
		Mode:       string(scope.ModeChanged),
		Path:       "",
		Reference:  "",
		Namespace:  "",
		SessionKey: "default",
		Verbosity:  string(report.Default),
		Format:     string(report.FormatText),
		NoCache:    false,
		TTL:        0,
		MaxMembers: 0,
		Exec:       "",
	}
}

// Validate checks the flag combination and converts it into a scan
// request and output format.
func (c *ScanConfig) Validate() (analysis.ScanRequest, report.Format, error) {
	mode, err := scope.ParseMode(c.Mode)
	if err != nil {
		return analysis.ScanRequest{}, "", err
	}
	verbosity, err := report.ParseVerbosity(c.Verbosity)
	if err != nil {
		return analysis.ScanRequest{}, "", err
	}
	format, err := report.ParseFormat(c.Format)
	if err != nil {
		return analysis.ScanRequest{}, "", err
	}
	if c.TTL < 0 {
		return analysis.ScanRequest{}, "", errors.Errorf("ttl cannot be negative: %s", c.TTL)
	}
	if c.MaxMembers < 0 {
		return analysis.ScanRequest{}, "", errors.Errorf("max members cannot be negative: %d", c.MaxMembers)
	}

	namespace := c.Namespace
	if namespace == "" {
		if c.Exec != "" {
			return analysis.ScanRequest{}, "", errors.New("--namespace is required with --exec")
		}
		namespace = secrets.Namespace
	}

	return analysis.ScanRequest{
		Scope: scope.Request{
			Mode:       mode,
			Path:       c.Path,
			Reference:  c.Reference,
			MaxMembers: c.MaxMembers,
		},
		Cache: analysis.CacheConfig{
			Namespace: namespace,
			TTL:       c.TTL,
			NoCache:   c.NoCache,
		},
		SessionKey: c.SessionKey,
		Verbosity:  verbosity,
	}, format, nil
}

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Analyze a scope, reusing cached results when nothing changed",
		Long: `Resolve the requested scope, serve the analyzer result from the cache when
every member is unchanged, and render it as a severity-tiered report.

The built-in analyzer detects leaked secrets with gitleaks. Use --exec to run
any command that reads member paths on stdin and prints a JSON array of
findings on stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := getScanConfigFromFlags(cmd)
			req, format, err := config.Validate()
			if err != nil {
				return err
			}

			engine, err := loadEngine(cmd)
			if err != nil {
				return err
			}
			analyzer, err := newAnalyzer(engine.Settings().Root, config.Exec)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rep, err := engine.Scan(ctx, req, analyzer)
			if err != nil {
				return err
			}
			logger.G(ctx).
				WithField("namespace", req.Cache.Namespace).
				WithField("total", rep.Total).
				WithField("fromCache", rep.FromCache).
				Debug("scan complete")
			return report.Write(cmd.OutOrStdout(), rep, format)
		},
	}

	defaults := NewScanConfig()
	cmd.Flags().String("mode", defaults.Mode, "Scope mode: changed, path or full")
	cmd.Flags().String("path", defaults.Path, "File or directory for --mode path")
	cmd.Flags().String("ref", defaults.Reference, "Git reference to diff against for --mode changed (default HEAD)")
	cmd.Flags().String("namespace", defaults.Namespace, "Cache namespace (default security-findings)")
	cmd.Flags().String("session", defaults.SessionKey, "Remediation session key")
	cmd.Flags().String("verbosity", defaults.Verbosity, "Report verbosity: default, verbose or all")
	cmd.Flags().String("format", defaults.Format, "Output format: text, json or yaml")
	cmd.Flags().Bool("no-cache", defaults.NoCache, "Ignore and replace any cached result")
	cmd.Flags().Duration("ttl", defaults.TTL, "Cache lifetime for this result (default from the namespace profile)")
	cmd.Flags().Int("limit", defaults.MaxMembers, "Maximum scope size for this run (default from the namespace profile)")
	cmd.Flags().String("exec", defaults.Exec, "External analyzer command")
	return cmd
}

func getScanConfigFromFlags(cmd *cobra.Command) *ScanConfig {
	config := NewScanConfig()

	if mode, err := cmd.Flags().GetString("mode"); err == nil {
		config.Mode = mode
	}
	if path, err := cmd.Flags().GetString("path"); err == nil {
		config.Path = path
	}
	if ref, err := cmd.Flags().GetString("ref"); err == nil {
		config.Reference = ref
	}
	if namespace, err := cmd.Flags().GetString("namespace"); err == nil {
		config.Namespace = namespace
	}
	if session, err := cmd.Flags().GetString("session"); err == nil {
		config.SessionKey = session
	}
	if verbosity, err := cmd.Flags().GetString("verbosity"); err == nil {
		config.Verbosity = verbosity
	}
	if format, err := cmd.Flags().GetString("format"); err == nil {
		config.Format = format
	}
	if noCache, err := cmd.Flags().GetBool("no-cache"); err == nil {
		config.NoCache = noCache
	}
	if ttl, err := cmd.Flags().GetDuration("ttl"); err == nil {
		config.TTL = ttl
	}
	if limit, err := cmd.Flags().GetInt("limit"); err == nil {
		config.MaxMembers = limit
	}
	if exec, err := cmd.Flags().GetString("exec"); err == nil {
		config.Exec = exec
	}

	return config
}

func newAnalyzer(root, exec string) (analysis.Analyzer, error) {
	if exec != "" {
		command, err := analysis.ParseCommand(exec)
		if err != nil {
			return nil, err
		}
		return command, nil
	}
	scanner, err := secrets.NewScannerForRoot(root)
	if err != nil {
		return nil, err
	}
	return scanner, nil
}
