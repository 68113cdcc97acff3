package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arch-stack/scancache/internal/logger"
	"github.com/arch-stack/scancache/internal/watch"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Invalidate cached results as soon as their inputs change",
		Long: `Watch the repository and drop cache entries when a file they were computed
from changes. Writing a trigger file of a namespace profile, such as go.sum
for dependency-audit, clears that whole namespace.

Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := loadEngine(cmd)
			if err != nil {
				return err
			}
			w, err := watch.New(engine.Cache(), engine.Settings())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			w.OnEvent = func(ev watch.Event) {
				if len(ev.Namespaces) > 0 {
					fmt.Fprintf(out, "%s: cleared %s\n", ev.Path, strings.Join(ev.Namespaces, ", "))
					return
				}
				fmt.Fprintf(out, "%s: removed %d cache entries\n", ev.Path, ev.Removed)
			}

			err = w.Run(ctx, func() {
				logger.G(ctx).Info("press Ctrl+C to stop")
			})
			return err
		},
	}
}
