// Package dispatcher fans spans of the ID space out to a bounded worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/incident-harvester/internal/incident"
	"github.com/JakeFAU/incident-harvester/internal/progress"
	"github.com/JakeFAU/incident-harvester/internal/worker"
)

// Runner scans one span.
type Runner interface {
	Run(ctx context.Context, index int, span incident.Span) worker.Report
}

// Config controls pool size and partitioning.
type Config struct {
	// Workers bounds concurrent spans; defaults to GOMAXPROCS.
	Workers int
	// PartitionSize splits ranges into fixed-size spans instead of one span
	// per worker.
	PartitionSize int
}

// Dispatcher partitions work into disjoint spans and runs them.
type Dispatcher struct {
	cfg     Config
	runner  Runner
	emitter progress.Emitter
	run     progress.Run
	logger  *zap.Logger
}

// New builds a Dispatcher.
func New(cfg Config, runner Runner, emitter progress.Emitter, run progress.Run, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, runner: runner, emitter: emitter, run: run, logger: logger}
}

// Summary aggregates the reports of one run.
type Summary struct {
	Reports   []worker.Report
	Processed int64
	Found     int64
	Rows      int
	Flushes   int
	Elapsed   time.Duration
}

// Canceled reports whether any span stopped on cancellation.
func (s Summary) Canceled() bool {
	for _, r := range s.Reports {
		if r.Status == worker.StatusCanceled {
			return true
		}
	}
	return false
}

// Failed returns the reports of spans that stopped on an error.
func (s Summary) Failed() []worker.Report {
	var out []worker.Report
	for _, r := range s.Reports {
		if r.Status == worker.StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// Spans returns the partitioning Run would use for [lower, upper).
func (d *Dispatcher) Spans(lower, upper incident.RecordID) []incident.Span {
	if d.cfg.PartitionSize > 0 {
		return incident.SplitBySize(lower, upper, d.cfg.PartitionSize)
	}
	return incident.SplitRange(lower, upper, d.cfg.Workers)
}

// Run scans [lower, upper).
func (d *Dispatcher) Run(ctx context.Context, lower, upper incident.RecordID) (Summary, error) {
	if upper <= lower {
		return Summary{}, fmt.Errorf("empty range [%d, %d)", lower, upper)
	}
	return d.RunSpans(ctx, d.Spans(lower, upper))
}

// RunSeeds re-validates a seed list of previously confirmed IDs.
func (d *Dispatcher) RunSeeds(ctx context.Context, ids []incident.RecordID) (Summary, error) {
	if len(ids) == 0 {
		return Summary{}, errors.New("empty seed list")
	}
	n := d.cfg.Workers
	if d.cfg.PartitionSize > 0 {
		n = max(n, (len(ids)+d.cfg.PartitionSize-1)/d.cfg.PartitionSize)
	}
	return d.RunSpans(ctx, incident.SplitIDs(ids, n))
}

// RunSpans runs every span on the pool. Spans never share a partition file.
// A failing span does not stop the others; the returned error joins every
// span error.
func (d *Dispatcher) RunSpans(ctx context.Context, spans []incident.Span) (Summary, error) {
	start := time.Now()
	startEvt := d.run.Event(progress.StageRunStart)
	startEvt.Total = totalIDs(spans)
	d.emitter.Emit(startEvt)
	d.logger.Info("scan started",
		zap.Int("spans", len(spans)),
		zap.Int("workers", d.cfg.Workers),
		zap.Int64("ids", startEvt.Total),
	)

	reports := make([]worker.Report, len(spans))
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for i, span := range spans {
		if ctx.Err() != nil {
			reports[i] = worker.Report{Worker: i, Span: span, Partition: span.Key(), Status: worker.StatusCanceled}
			continue
		}
		g.Go(func() error {
			reports[i] = d.runner.Run(ctx, i, span)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{Reports: reports, Elapsed: time.Since(start)}
	var errs []error
	for _, r := range reports {
		sum.Processed += r.Processed
		sum.Found += r.Found
		sum.Rows += r.Rows
		sum.Flushes += r.Flushes
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	err := errors.Join(errs...)

	doneEvt := d.run.Event(progress.StageRunDone)
	doneEvt.Processed, doneEvt.Found, doneEvt.Total = sum.Processed, sum.Found, startEvt.Total
	doneEvt.Rows = sum.Rows
	if err != nil {
		doneEvt.Note = err.Error()
	}
	d.emitter.Emit(doneEvt)
	d.logger.Info("scan finished",
		zap.Int64("processed", sum.Processed),
		zap.Int64("found", sum.Found),
		zap.Int("rows", sum.Rows),
		zap.Int("failed_spans", len(errs)),
		zap.Bool("canceled", sum.Canceled()),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, err
}

func totalIDs(spans []incident.Span) int64 {
	var n int64
	for _, s := range spans {
		n += int64(s.Len())
	}
	return n
}
