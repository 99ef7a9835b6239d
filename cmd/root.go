// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/incident-harvester/internal/app"
	"github.com/JakeFAU/incident-harvester/internal/config"
	"github.com/JakeFAU/incident-harvester/internal/dispatcher"
	"github.com/JakeFAU/incident-harvester/internal/incident"
	"github.com/JakeFAU/incident-harvester/internal/logging"
)

// App is the subset of *app.App the commands drive. Tests swap in a fake.
type App interface {
	RunID() string
	Scan(ctx context.Context, lower, upper incident.RecordID) (dispatcher.Summary, error)
	Validate(ctx context.Context, lower, upper incident.RecordID) (dispatcher.Summary, error)
	Close()
}

// newApp is the application factory, replaceable in tests.
var newApp = func(ctx context.Context, opts app.Options) (App, error) {
	return app.New(ctx, opts)
}

// runtime carries what PersistentPreRunE resolved for the subcommand.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

type runtimeKey struct{}

// flagBindings maps CLI flag names to config keys. Only flags a command
// defines are bound, and only changed flags override file and env values.
var flagBindings = map[string]string{
	"lower":          "scan.lower",
	"upper":          "scan.upper",
	"workers":        "scan.workers",
	"partition-size": "scan.partition_size",
	"flush-interval": "scan.flush_interval",
	"mode":           "scan.mode",
	"seed-file":      "scan.seed_file",
	"output":         "output.dir",
	"archive":        "archive.backend",
	"rps":            "http.rps",
	"port":           "server.port",
	"log-level":      "logging.level",
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests incident records from a sequential-ID web archive.",
		Long: `harvester walks a range of numeric record IDs against a public incident
archive, classifies every response, extracts the detail page into a flat
record and writes checkpointed CSV partitions, one per worker.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["skipConfig"] == "true" {
				return nil
			}
			v := config.New()
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Read(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if noBars, _ := cmd.Flags().GetBool("no-bars"); noBars {
				cfg.Progress.Bars = false
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newScanCmd(), newValidateCmd(), newVersionCmd())
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagBindings[f.Name]
		if !ok {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withApp builds the application, runs fn and closes the application.
func withApp(cmd *cobra.Command, fn func(context.Context, App, config.Config) error) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	var bars io.Writer
	if rt.cfg.Progress.Bars {
		bars = cmd.ErrOrStderr()
	}
	a, err := newApp(cmd.Context(), app.Options{Config: rt.cfg, Logger: rt.logger, BarOutput: bars})
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer a.Close()
	return fn(cmd.Context(), a, rt.cfg)
}

func printSummary(w io.Writer, runID string, sum dispatcher.Summary) {
	fmt.Fprintf(w, "run %s: %d partitions, %d processed, %d found, %d rows in %s\n",
		runID, len(sum.Reports), sum.Processed, sum.Found, sum.Rows, sum.Elapsed.Round(time.Millisecond))
	for _, r := range sum.Reports {
		fmt.Fprintf(w, "  %-24s %-9s processed=%d found=%d rows=%d %s\n",
			r.Partition, r.Status, r.Processed, r.Found, r.Rows, r.Path)
	}
}

// Execute runs the root command until completion or SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
