package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/arch-stack/scancache/internal/logger"
)

// CacheInvalidateConfig holds configuration for the cache invalidate command
type CacheInvalidateConfig struct {
	Namespace string
	Member    string
	All       bool
}

// NewCacheInvalidateConfig creates a new CacheInvalidateConfig with default values
func NewCacheInvalidateConfig() *CacheInvalidateConfig {
	return &CacheInvalidateConfig{
		Namespace: "",
		Member:    "",
		All:       false,
	}
}

// Validate requires exactly one way of selecting entries.
func (c *CacheInvalidateConfig) Validate() error {
	selectors := 0
	if c.Namespace != "" {
		selectors++
	}
	if c.Member != "" {
		selectors++
	}
	if c.All {
		selectors++
	}
	if selectors == 0 {
		return errors.New("one of --namespace, --member or --all is required")
	}
	if c.All && selectors > 1 {
		return errors.New("--all cannot be combined with --namespace or --member")
	}
	return nil
}

// CacheSweepConfig holds configuration for the cache sweep command
type CacheSweepConfig struct {
	Grace time.Duration
}

// NewCacheSweepConfig creates a new CacheSweepConfig with default values
func NewCacheSweepConfig() *CacheSweepConfig {
	return &CacheSweepConfig{
		Grace: 0,
	}
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the result cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newCacheInvalidateCmd(), newCacheSweepCmd())
	return cmd
}

func newCacheInvalidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Remove cached results",
		Long: `Remove cached results for a namespace, for every entry that lists a member
file, or for everything. --namespace and --member together remove only the
entries of that namespace listing the member.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := getCacheInvalidateConfigFromFlags(cmd)
			if err := config.Validate(); err != nil {
				return err
			}
			engine, err := loadEngine(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			mgr := engine.Cache()
			var namespaces []string
			if config.Namespace != "" {
				namespaces = []string{config.Namespace}
			} else {
				if namespaces, err = mgr.Namespaces(); err != nil {
					return err
				}
			}

			removed := 0
			for _, ns := range namespaces {
				repo, err := mgr.Namespace(ns)
				if err != nil {
					return err
				}
				var n int
				if config.Member != "" {
					n, err = repo.InvalidateMember(ctx, config.Member)
				} else {
					n, err = repo.InvalidateAll(ctx)
				}
				removed += n
				if err != nil {
					return errors.Wrapf(err, "invalidating %s", ns)
				}
			}

			logger.G(ctx).WithField("removed", removed).Debug("cache invalidated")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d cache entries\n", removed)
			return err
		},
	}

	defaults := NewCacheInvalidateConfig()
	cmd.Flags().String("namespace", defaults.Namespace, "Namespace to clear")
	cmd.Flags().String("member", defaults.Member, "Remove entries whose scope includes this file")
	cmd.Flags().Bool("all", defaults.All, "Clear every namespace")
	return cmd
}

func getCacheInvalidateConfigFromFlags(cmd *cobra.Command) *CacheInvalidateConfig {
	config := NewCacheInvalidateConfig()

	if namespace, err := cmd.Flags().GetString("namespace"); err == nil {
		config.Namespace = namespace
	}
	if member, err := cmd.Flags().GetString("member"); err == nil {
		config.Member = member
	}
	if all, err := cmd.Flags().GetBool("all"); err == nil {
		config.All = all
	}

	return config
}

func newCacheSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired entries and abandoned temporary files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config := getCacheSweepConfigFromFlags(cmd)
			if config.Grace < 0 {
				return errors.Errorf("grace cannot be negative: %s", config.Grace)
			}
			engine, err := loadEngine(cmd)
			if err != nil {
				return err
			}
			grace := config.Grace
			if grace == 0 {
				grace = engine.Settings().TmpGrace
			}

			stats, err := engine.Cache().Sweep(cmd.Context(), grace)
			if _, werr := fmt.Fprintf(cmd.OutOrStdout(), "swept %d expired, %d corrupt, %d temporary files\n",
				stats.Expired, stats.Corrupt, stats.TempFiles); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}

	defaults := NewCacheSweepConfig()
	cmd.Flags().Duration("grace", defaults.Grace, "Minimum age of temporary files to delete (default tmp_grace from config)")
	return cmd
}

func getCacheSweepConfigFromFlags(cmd *cobra.Command) *CacheSweepConfig {
	config := NewCacheSweepConfig()
	if grace, err := cmd.Flags().GetDuration("grace"); err == nil {
		config.Grace = grace
	}
	return config
}
