package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/incident-harvester/internal/config"
	"github.com/JakeFAU/incident-harvester/internal/incident"
)

// errNoRange is returned when neither flags nor config name a scan range.
var errNoRange = errors.New("a scan range is required: set --lower and --upper or scan.lower/scan.upper")

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scans the half-open ID range [lower, upper)",
		Long: `Splits [lower, upper) into contiguous spans, one per worker, and fetches
every ID in each span. Found pages are extracted (or, in discover mode,
only their IDs are kept) and flushed to one CSV partition per span.
Ctrl-C stops the scan; completed partitions and the last checkpoint of
each interrupted one stay on disk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a App, cfg config.Config) error {
				return runScan(ctx, cmd, a, cfg)
			})
		},
	}
	addScanFlags(cmd)
	cmd.Flags().String("mode", "", "harvest (full records) or discover (IDs only)")
	return cmd
}

func addScanFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int64("lower", 0, "first ID of the range")
	f.Int64("upper", 0, "end of the range")
	f.Int("workers", 0, "worker count (default GOMAXPROCS)")
	f.Int("partition-size", 0, "IDs per partition; 0 gives one partition per worker")
	f.Int("flush-interval", 0, "processed IDs between checkpoints")
	f.String("output", "", "directory for partition files")
	f.String("archive", "", "archive backend: none, local, memory or gcs")
	f.Float64("rps", 0, "requests per second per host; 0 is unlimited")
	f.Int("port", 0, "status server port; 0 disables it")
	f.Bool("no-bars", false, "disable terminal progress bars")
}

func runScan(ctx context.Context, cmd *cobra.Command, a App, cfg config.Config) error {
	if !cfg.HasRange() {
		return errNoRange
	}
	lower, upper := incident.RecordID(cfg.Scan.Lower), incident.RecordID(cfg.Scan.Upper)
	sum, err := a.Scan(ctx, lower, upper)
	printSummary(cmd.OutOrStdout(), a.RunID(), sum)
	if err != nil {
		return err
	}
	if sum.Canceled() {
		return fmt.Errorf("scan [%d, %d) interrupted: %w", lower, upper, context.Canceled)
	}
	return nil
}
