package cmd

import (
	"context"
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/incident-harvester/internal/config"
	"github.com/JakeFAU/incident-harvester/internal/incident"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Re-fetches known IDs from a seed file or the confirmed-ID index",
		Long: `Loads previously confirmed IDs within [lower, upper] (both inclusive)
from --seed-file, or from the confirmed-ID index when only database.dsn is
set, and re-harvests them. An --upper of 0 leaves the range open above.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a App, cfg config.Config) error {
				return runValidate(ctx, cmd, a, cfg)
			})
		},
	}
	addScanFlags(cmd)
	cmd.Flags().String("seed-file", "", "CSV file with an ids column")
	return cmd
}

func runValidate(ctx context.Context, cmd *cobra.Command, a App, cfg config.Config) error {
	lower, upper := incident.RecordID(cfg.Scan.Lower), incident.RecordID(cfg.Scan.Upper)
	if upper == 0 {
		upper = math.MaxInt64
	}
	sum, err := a.Validate(ctx, lower, upper)
	printSummary(cmd.OutOrStdout(), a.RunID(), sum)
	if err != nil {
		return err
	}
	if sum.Canceled() {
		return fmt.Errorf("validate interrupted: %w", context.Canceled)
	}
	return nil
}
