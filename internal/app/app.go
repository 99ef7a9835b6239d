// Package app builds the long-lived services of one harvester process from
// configuration and runs scans with them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/incident-harvester/internal/api"
	"github.com/JakeFAU/incident-harvester/internal/archive"
	"github.com/JakeFAU/incident-harvester/internal/checkpoint"
	"github.com/JakeFAU/incident-harvester/internal/classify"
	"github.com/JakeFAU/incident-harvester/internal/config"
	"github.com/JakeFAU/incident-harvester/internal/dispatcher"
	"github.com/JakeFAU/incident-harvester/internal/extract"
	"github.com/JakeFAU/incident-harvester/internal/fetcher"
	"github.com/JakeFAU/incident-harvester/internal/incident"
	"github.com/JakeFAU/incident-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/incident-harvester/internal/progress"
	"github.com/JakeFAU/incident-harvester/internal/progress/sinks"
	memorypub "github.com/JakeFAU/incident-harvester/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/incident-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/incident-harvester/internal/seed"
	"github.com/JakeFAU/incident-harvester/internal/storage"
	"github.com/JakeFAU/incident-harvester/internal/storage/gcs"
	"github.com/JakeFAU/incident-harvester/internal/storage/local"
	memstore "github.com/JakeFAU/incident-harvester/internal/storage/memory"
	"github.com/JakeFAU/incident-harvester/internal/storage/postgres"
	"github.com/JakeFAU/incident-harvester/internal/worker"
)

// DefaultTopic receives partition_ready messages when no Pub/Sub topic is set.
const DefaultTopic = "partition-ready"

// ErrNoSeeds is returned by Validate when no seed source is configured.
var ErrNoSeeds = errors.New("no seed source: set scan.seed_file or database.dsn")

// Options supplies process-level collaborators.
type Options struct {
	Config config.Config
	Logger *zap.Logger
	// BarOutput receives progress bars when progress.bars is enabled.
	BarOutput io.Writer
	// Listener overrides the status server listener (tests).
	Listener net.Listener
}

// App holds the shared services for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	run    progress.Run

	registry   *prometheus.Registry
	hub        *progress.Hub
	status     *sinks.StatusSink
	dispatcher *dispatcher.Dispatcher
	index      *postgres.IndexStore
	publisher  archive.Publisher

	closers    []func()
	serverStop context.CancelFunc
	serverDone chan error
}

// New initializes every configured service. It fails fast when a backend
// cannot be reached.
func New(ctx context.Context, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	a := &App{
		cfg:      cfg,
		logger:   logger,
		run:      progress.NewRun(),
		registry: prometheus.NewRegistry(),
		status:   sinks.NewStatusSink(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := a.initHub(opts.BarOutput); err != nil {
		return nil, err
	}

	var confirmer worker.Confirmer
	if cfg.Database.DSN != "" {
		if err := a.initIndex(ctx); err != nil {
			return nil, err
		}
		confirmer = a.index
	}

	archiver, err := a.initArchive(ctx)
	if err != nil {
		return nil, err
	}

	w, err := a.newWorker(confirmer, archiver)
	if err != nil {
		return nil, err
	}
	a.dispatcher = dispatcher.New(dispatcher.Config{
		Workers:       cfg.Scan.Workers,
		PartitionSize: cfg.Scan.PartitionSize,
	}, w, a.hub, a.run, logger.Named("dispatcher"))

	if cfg.Server.Port > 0 || opts.Listener != nil {
		if err := a.startServer(opts.Listener); err != nil {
			return nil, err
		}
	}

	logger.Info("harvester initialized",
		zap.String("run_id", a.run.ID.String()),
		zap.String("mode", cfg.Scan.Mode),
		zap.String("output", cfg.Output.Dir),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("index", a.index != nil),
	)
	return a, nil
}

func (a *App) initHub(barOut io.Writer) error {
	hubSinks := []progress.Sink{a.status}
	if a.cfg.Progress.Metrics {
		prom, err := sinks.NewPrometheusSink(a.registry)
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		hubSinks = append(hubSinks, prom)
	}
	if a.cfg.Progress.LogEvents {
		hubSinks = append(hubSinks, sinks.NewLogSink(a.logger.Named("progress")))
	}
	if a.cfg.Progress.Bars && barOut != nil {
		hubSinks = append(hubSinks, sinks.NewBarSink(barOut))
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchEvents,
		MaxBatchWait:   a.cfg.Progress.BatchWait,
		Logger:         a.logger.Named("hub"),
	}, hubSinks...)
	a.closers = append(a.closers, func() {
		if err := a.hub.Close(context.Background()); err != nil {
			a.logger.Warn("close progress hub", zap.Error(err))
		}
		if n := a.hub.Dropped(); n > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("dropped", n))
		}
	})
	return nil
}

func (a *App) initIndex(ctx context.Context) error {
	db := a.cfg.Database
	index, err := postgres.NewIndexStore(ctx, postgres.IndexStoreConfig{
		DSN:             db.DSN,
		Table:           db.Table,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("init index: %w", err)
	}
	a.index = index
	a.closers = append(a.closers, index.Close)
	if db.EnsureSchema {
		if err := index.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("init index: %w", err)
		}
	}
	return nil
}

func (a *App) initArchive(ctx context.Context) (worker.Archiver, error) {
	cfg := a.cfg
	var store storage.BlobStore
	switch cfg.Archive.Backend {
	case config.ArchiveNone:
	case config.ArchiveMemory:
		store = memstore.NewBlobStore()
	case config.ArchiveLocal:
		s, err := local.New(local.Config{BaseDir: cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		store = s
	case config.ArchiveGCS:
		s, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Archive.GCSBucket, Endpoint: cfg.Archive.GCSEndpoint})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := s.Close(); err != nil {
				a.logger.Warn("close gcs client", zap.Error(err))
			}
		})
		store = s
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", cfg.Archive.Backend)
	}

	topic := cfg.PubSub.Topic
	switch {
	case topic != "":
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub: %w", err)
		}
		pub := pubsubpub.New(client)
		a.publisher = pub
		a.closers = append(a.closers, func() {
			pub.Close()
			if err := client.Close(); err != nil {
				a.logger.Warn("close pubsub client", zap.Error(err))
			}
		})
	case store != nil:
		topic = DefaultTopic
		a.publisher = memorypub.New()
	default:
		return nil, nil
	}
	return archive.New(archive.Config{Prefix: cfg.Archive.Prefix, Topic: topic}, store, a.publisher, a.run, a.logger), nil
}

func (a *App) newWorker(confirmer worker.Confirmer, archiver worker.Archiver) (*worker.Worker, error) {
	cfg := a.cfg
	getter := fetcher.NewCollyGetter(fetcher.CollyConfig{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.HTTP.Timeout,
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	})
	base, err := fetcher.New(fetcher.Config{
		BaseURL:    cfg.Source.BaseURL,
		Getter:     getter,
		Classifier: classify.New(cfg.Source.NotFoundMarkers...),
		Retry:      fetcher.NewExponentialRetryPolicy(cfg.HTTP.MaxAttempts, cfg.HTTP.BackoffInitial, cfg.HTTP.BackoffMax),
		Limiter:    ratelimit.New(ratelimit.Config{RPS: cfg.HTTP.RPS, Burst: cfg.HTTP.Burst}),
		Emitter:    a.hub,
		Run:        a.run,
		Logger:     a.logger.Named("fetcher"),
	})
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}

	cp := checkpoint.Config{Dir: cfg.Output.Dir, Prefix: cfg.Output.Prefix, NoSync: cfg.Output.NoSync}
	deps := worker.Deps{
		Fetchers: func(i int, partition string) worker.Fetcher { return base.ForWorker(i, partition) },
		Emitter:  a.hub,
		Run:      a.run,
		Logger:   a.logger.Named("worker"),
	}
	if cfg.Scan.Mode == config.ModeDiscover {
		cp.Encoder = checkpoint.IDEncoder{}
	} else {
		cp.Encoder = checkpoint.RecordEncoder{}
		deps.Extractor = extract.New(cfg.Extract.MaxItems)
	}
	if confirmer != nil {
		deps.Confirmer = confirmer
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	w, err := worker.New(worker.Config{
		FlushInterval: cfg.Scan.FlushInterval,
		ReportEvery:   cfg.Progress.ReportEvery,
		DrainTimeout:  cfg.Scan.DrainTimeout,
		Checkpoint:    cp,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("init worker: %w", err)
	}
	return w, nil
}

func (a *App) startServer(ln net.Listener) error {
	srv, err := api.NewServer(a.status, a.registry, a.logger)
	if err != nil {
		return fmt.Errorf("init status server: %w", err)
	}
	apiCfg := api.Config{
		Addr:              net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
	if ln == nil {
		ln, err = net.Listen("tcp", apiCfg.Addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", apiCfg.Addr, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.serverStop = cancel
	a.serverDone = make(chan error, 1)
	go func() {
		a.serverDone <- srv.ServeListener(ctx, ln, apiCfg)
	}()
	return nil
}

// RunID returns the identifier stamped on every event of this process.
func (a *App) RunID() string { return a.run.ID.String() }

// Status returns the current progress snapshot.
func (a *App) Status() sinks.Snapshot { return a.status.Snapshot() }

// Publisher returns the partition_ready publisher, or nil.
func (a *App) Publisher() archive.Publisher { return a.publisher }

// Scan harvests the half-open range [lower, upper).
func (a *App) Scan(ctx context.Context, lower, upper incident.RecordID) (dispatcher.Summary, error) {
	sum, err := a.dispatcher.Run(ctx, lower, upper)
	if err != nil {
		return sum, fmt.Errorf("scan [%d, %d): %w", lower, upper, err)
	}
	return sum, nil
}

// Validate re-fetches previously confirmed IDs in the inclusive range
// [lower, upper], read from the seed file or else the index.
func (a *App) Validate(ctx context.Context, lower, upper incident.RecordID) (dispatcher.Summary, error) {
	var src seed.Source
	switch {
	case a.cfg.Scan.SeedFile != "":
		src = seed.File{Path: a.cfg.Scan.SeedFile}
	case a.index != nil:
		src = a.index
	default:
		return dispatcher.Summary{}, ErrNoSeeds
	}
	ids, err := src.KnownIDs(ctx, lower, upper)
	if err != nil {
		return dispatcher.Summary{}, fmt.Errorf("load seeds: %w", err)
	}
	a.logger.Info("seed list loaded", zap.Int("ids", len(ids)))
	sum, err := a.dispatcher.RunSeeds(ctx, ids)
	if err != nil {
		return sum, fmt.Errorf("validate [%d, %d]: %w", lower, upper, err)
	}
	return sum, nil
}

// Close shuts down services in reverse start order. Safe to call twice.
func (a *App) Close() {
	if a.serverStop != nil {
		a.serverStop()
		if err := <-a.serverDone; err != nil {
			a.logger.Warn("status server stopped", zap.Error(err))
		}
		a.serverStop = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}
