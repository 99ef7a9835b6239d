// Package worker scans one span of the ID space: fetch, extract, buffer and
// flush, in increasing ID order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/incident-harvester/internal/checkpoint"
	"github.com/JakeFAU/incident-harvester/internal/extract"
	"github.com/JakeFAU/incident-harvester/internal/fetcher"
	"github.com/JakeFAU/incident-harvester/internal/incident"
	"github.com/JakeFAU/incident-harvester/internal/progress"
)

// Defaults for Config.
const (
	DefaultFlushInterval = 1000
	DefaultReportEvery   = 100
	DefaultDrainTimeout  = 5 * time.Second
	confirmTimeout       = 30 * time.Second
)

// Status is the terminal state of one span.
type Status string

// Span outcomes.
const (
	StatusSucceeded Status = "succeeded"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// Fetcher resolves one ID.
type Fetcher interface {
	Fetch(ctx context.Context, id incident.RecordID) (fetcher.Page, error)
}

// FetcherFactory returns the fetcher a worker uses for its span.
type FetcherFactory func(worker int, partition string) Fetcher

// Extractor parses a found page.
type Extractor interface {
	Extract(id incident.RecordID, body []byte) (extract.Result, error)
}

// Confirmer records IDs durably flushed to a partition.
type Confirmer interface {
	Confirm(ctx context.Context, partition string, ids []incident.RecordID) error
}

// Partition describes a closed partition file handed to an Archiver.
type Partition struct {
	Key    string
	Span   incident.Span
	Path   string
	Rows   int
	Status Status
}

// Archiver ships a partition once its final flush has succeeded.
type Archiver interface {
	Archive(ctx context.Context, p Partition) error
}

// Config controls Worker behavior.
type Config struct {
	// FlushInterval is the number of processed IDs between flushes.
	FlushInterval int
	// ReportEvery is the number of processed IDs between PROGRESS events.
	ReportEvery int
	// DrainTimeout bounds how long an in-flight fetch may run after cancellation.
	DrainTimeout time.Duration
	Checkpoint   checkpoint.Config
}

// Deps wires a Worker's collaborators. Fetchers is required; a nil
// Extractor records IDs only (discovery mode).
type Deps struct {
	Fetchers  FetcherFactory
	Extractor Extractor
	Confirmer Confirmer
	Archiver  Archiver
	Emitter   progress.Emitter
	Run       progress.Run
	Logger    *zap.Logger
}

// Report summarises one span.
type Report struct {
	Worker    int
	Partition string
	Span      incident.Span
	Path      string
	Status    Status
	Processed int64
	Found     int64
	Flushes   int
	Rows      int
	// Confirmed is the last processed ID covered by a successful flush.
	Confirmed incident.RecordID
	// Unconfirmed lists buffered IDs lost to a failed flush.
	Unconfirmed []incident.RecordID
	Err         error
	Elapsed     time.Duration
}

// Worker runs the scan pipeline over spans. A single Worker may run many
// spans concurrently; all per-span state lives inside Run.
type Worker struct {
	cfg  Config
	deps Deps
}

// New constructs a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Fetchers == nil {
		return nil, errors.New("worker: fetcher factory is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = DefaultReportEvery
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, deps: deps}, nil
}

// spanRun is the state owned by one Run call.
type spanRun struct {
	w      *Worker
	index  int
	span   incident.Span
	writer *checkpoint.Writer
	fetch  Fetcher
	logger *zap.Logger
	report Report

	last       incident.RecordID
	sinceFlush int
}

// Run scans span and always attempts a final flush before returning, even
// when ctx is canceled or a fetch is exhausted. A failed flush stops the
// span at once.
func (w *Worker) Run(ctx context.Context, index int, span incident.Span) Report {
	start := time.Now()
	partition := span.Key()
	sr := &spanRun{
		w:      w,
		index:  index,
		span:   span,
		writer: checkpoint.NewWriter(w.cfg.Checkpoint, span),
		fetch:  w.deps.Fetchers(index, partition),
		logger: w.deps.Logger.With(zap.Int("worker", index), zap.String("partition", partition)),
	}
	sr.report = Report{
		Worker:    index,
		Partition: partition,
		Span:      span,
		Path:      sr.writer.Path(),
	}
	defer func() {
		if err := sr.writer.Close(); err != nil {
			sr.logger.Warn("close partition failed", zap.Error(err))
		}
	}()

	startEvt := sr.event(progress.StageWorkerStart)
	w.deps.Emitter.Emit(startEvt)
	sr.logger.Info("worker started", zap.Int("ids", span.Len()), zap.String("path", sr.writer.Path()))

	fetchCtx, stopFetch := drainContext(ctx, w.cfg.DrainTimeout)
	defer stopFetch()

	err := sr.scan(ctx, fetchCtx)
	var perr *checkpoint.PersistenceError
	if !errors.As(err, &perr) {
		if ferr := sr.flush(ctx); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}
	sr.finish(ctx, err, time.Since(start))
	return sr.report
}

func (sr *spanRun) scan(ctx, fetchCtx context.Context) error {
	var err error
	sr.span.Each(func(id incident.RecordID) bool {
		if ctx.Err() != nil {
			return false
		}
		page, ferr := sr.fetch.Fetch(fetchCtx, id)
		if ferr != nil {
			if ctx.Err() != nil && fetchCtx.Err() != nil {
				// Drain window expired; the ID was never resolved.
				return false
			}
			err = fmt.Errorf("worker %d: %w", sr.index, ferr)
			return false
		}
		sr.process(id, page)
		if sr.sinceFlush >= sr.w.cfg.FlushInterval {
			if ferr := sr.flush(ctx); ferr != nil {
				err = ferr
				return false
			}
		}
		return true
	})
	return err
}

func (sr *spanRun) process(id incident.RecordID, page fetcher.Page) {
	sr.report.Processed++
	sr.last = id
	sr.sinceFlush++
	if page.Found() {
		sr.report.Found++
		sr.writer.Record(sr.record(id, page))
	}
	if sr.report.Processed%int64(sr.w.cfg.ReportEvery) == 0 {
		evt := sr.event(progress.StageProgress)
		evt.ID = int64(id)
		sr.w.deps.Emitter.Emit(evt)
	}
}

func (sr *spanRun) record(id incident.RecordID, page fetcher.Page) incident.Record {
	if sr.w.deps.Extractor == nil {
		return incident.Record{ID: id}
	}
	res, err := sr.w.deps.Extractor.Extract(id, page.Body)
	if err != nil {
		sr.shapeIssue(id, extract.Issue{Section: "Document", Field: "body", Reason: err.Error()})
		return incident.Record{ID: id}
	}
	for _, issue := range res.Issues {
		sr.shapeIssue(id, issue)
	}
	return res.Record
}

func (sr *spanRun) shapeIssue(id incident.RecordID, issue extract.Issue) {
	sr.logger.Debug("default-filled field",
		zap.Int64("id", int64(id)),
		zap.String("section", string(issue.Section)),
		zap.String("field", issue.Field),
		zap.String("reason", issue.Reason),
	)
	evt := sr.event(progress.StageShapeIssue)
	evt.ID = int64(id)
	evt.Section = string(issue.Section)
	evt.Note = issue.Field + ": " + issue.Reason
	sr.w.deps.Emitter.Emit(evt)
}

// flush checkpoints the batch, advances the confirmed boundary and hands the
// flushed IDs to the Confirmer.
func (sr *spanRun) flush(ctx context.Context) error {
	ids := sr.writer.Pending()
	start := time.Now()
	n, err := sr.writer.Flush()
	if err != nil {
		var perr *checkpoint.PersistenceError
		if errors.As(err, &perr) {
			sr.report.Unconfirmed = perr.Unconfirmed
		}
		return fmt.Errorf("worker %d: %w", sr.index, err)
	}
	sr.sinceFlush = 0
	sr.report.Confirmed = sr.last
	sr.report.Flushes = sr.writer.Flushes()
	sr.report.Rows = sr.writer.Rows()

	evt := sr.event(progress.StageFlush)
	evt.ID = int64(sr.last)
	evt.Rows = n
	evt.Dur = time.Since(start)
	sr.w.deps.Emitter.Emit(evt)

	if sr.w.deps.Confirmer != nil && len(ids) > 0 {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), confirmTimeout)
		defer cancel()
		if err := sr.w.deps.Confirmer.Confirm(cctx, sr.report.Partition, ids); err != nil {
			sr.logger.Warn("confirm flushed ids failed", zap.Int("ids", len(ids)), zap.Error(err))
		}
	}
	return nil
}

func (sr *spanRun) finish(ctx context.Context, err error, elapsed time.Duration) {
	rep := &sr.report
	rep.Elapsed = elapsed
	rep.Err = err
	switch {
	case err != nil:
		rep.Status = StatusFailed
	case ctx.Err() != nil:
		rep.Status = StatusCanceled
	default:
		rep.Status = StatusSucceeded
	}

	fields := []zap.Field{
		zap.String("status", string(rep.Status)),
		zap.Int64("processed", rep.Processed),
		zap.Int64("found", rep.Found),
		zap.Int("flushes", rep.Flushes),
		zap.Int("rows", rep.Rows),
		zap.Int64("confirmed", int64(rep.Confirmed)),
		zap.Duration("elapsed", elapsed),
	}
	stage := progress.StageWorkerDone
	if err != nil {
		stage = progress.StageWorkerError
		fields = append(fields, zap.Int("unconfirmed", len(rep.Unconfirmed)), zap.Error(err))
		sr.logger.Error("worker stopped", fields...)
	} else {
		sr.logger.Info("worker finished", fields...)
	}
	evt := sr.event(stage)
	evt.ID = int64(rep.Confirmed)
	if err != nil {
		evt.Note = err.Error()
	}
	sr.w.deps.Emitter.Emit(evt)

	if sr.w.deps.Archiver == nil || rep.Flushes == 0 || len(rep.Unconfirmed) > 0 {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), confirmTimeout)
	defer cancel()
	part := Partition{Key: rep.Partition, Span: rep.Span, Path: rep.Path, Rows: rep.Rows, Status: rep.Status}
	if aerr := sr.w.deps.Archiver.Archive(actx, part); aerr != nil {
		sr.logger.Warn("archive partition failed", zap.Error(aerr))
	}
}

func (sr *spanRun) event(stage progress.Stage) progress.Event {
	evt := sr.w.deps.Run.Event(stage)
	evt.Worker = sr.index
	evt.Partition = sr.report.Partition
	evt.Processed = sr.report.Processed
	evt.Found = sr.report.Found
	evt.Total = int64(sr.span.Len())
	return evt
}

// drainContext detaches fetches from parent cancellation for up to grace,
// so an in-flight fetch can complete or time out before the final flush.
func drainContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(grace, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}
