package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/incident-harvester/internal/progress"
)

// PrometheusSink exports scan progress via Prometheus. It owns all collectors
// for runs, workers, fetch attempts, flushes and shape issues.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	workersRunning prometheus.Gauge
	workersDone    *prometheus.CounterVec

	fetchAttempts *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	flushes       prometheus.Counter
	rowsFlushed   prometheus.Counter
	flushDuration prometheus.Histogram

	shapeIssues *prometheus.CounterVec

	tracker *workerTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_runs_started_total",
			Help: "Total scan runs that have started.",
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_workers_running",
			Help: "Current number of workers scanning a span.",
		}),
		workersDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_workers_completed_total",
			Help: "Workers that finished their span, partitioned by result.",
		}, []string{"result"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_fetch_attempts_total",
			Help: "Fetch attempts partitioned by classifier outcome and transient cause.",
		}, []string{"outcome", "cause"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_fetch_duration_seconds",
			Help:    "Fetch attempt latency partitioned by outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		}, []string{"outcome"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_flushes_total",
			Help: "Checkpoint flushes written to partition files.",
		}),
		rowsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_rows_flushed_total",
			Help: "Rows written to partition files.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_flush_duration_seconds",
			Help:    "Wall time per checkpoint flush.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		shapeIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_shape_issues_total",
			Help: "Default-filled fields partitioned by page section.",
		}, []string{"section"}),
		tracker: newWorkerTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.workersRunning,
		s.workersDone,
		s.fetchAttempts,
		s.fetchDuration,
		s.flushes,
		s.rowsFlushed,
		s.flushDuration,
		s.shapeIssues,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
	case progress.StageWorkerStart:
		if s.tracker.start(evt.RunID, evt.Worker) {
			s.workersRunning.Inc()
		}
	case progress.StageWorkerDone:
		s.workersDone.WithLabelValues("success").Inc()
		s.finishWorker(evt)
	case progress.StageWorkerError:
		s.workersDone.WithLabelValues("error").Inc()
		s.finishWorker(evt)
	case progress.StageFetchDone:
		cause := evt.Cause
		if cause == "" {
			cause = "none"
		}
		s.fetchAttempts.WithLabelValues(evt.Outcome, cause).Inc()
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
		}
	case progress.StageFlush:
		s.flushes.Inc()
		if evt.Rows > 0 {
			s.rowsFlushed.Add(float64(evt.Rows))
		}
		if evt.Dur > 0 {
			s.flushDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageShapeIssue:
		s.shapeIssues.WithLabelValues(evt.Section).Inc()
	}
}

func (s *PrometheusSink) finishWorker(evt progress.Event) {
	if s.tracker.complete(evt.RunID, evt.Worker) {
		s.workersRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type workerKey struct {
	run    [16]byte
	worker int
}

type workerTracker struct {
	mu      sync.Mutex
	running map[workerKey]struct{}
}

func newWorkerTracker() *workerTracker {
	return &workerTracker{running: make(map[workerKey]struct{})}
}

func (t *workerTracker) start(run [16]byte, worker int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := workerKey{run: run, worker: worker}
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *workerTracker) complete(run [16]byte, worker int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := workerKey{run: run, worker: worker}
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
