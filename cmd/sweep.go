package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/kasp-primer-api/internal/server"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired job workspaces once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.BuildSweeper(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("build sweeper: %w", err)
			}
			defer func() {
				if closeErr := app.Close(cmd.Context()); closeErr != nil {
					e.logger.Warn("sweeper cleanup failed", zap.Error(closeErr))
				}
			}()
			report, err := app.SweepOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			e.logger.Info("sweep finished",
				zap.Int("scanned", report.Scanned),
				zap.Int("deleted", len(report.Deleted)),
				zap.Int("failed", len(report.Failed)),
			)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d deleted=%d failed=%d\n",
				report.Scanned, len(report.Deleted), len(report.Failed))
			return err
		},
	}
}
