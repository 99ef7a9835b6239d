package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/incident-harvester/internal/checkpoint"
	"github.com/JakeFAU/incident-harvester/internal/classify"
	"github.com/JakeFAU/incident-harvester/internal/extract"
	"github.com/JakeFAU/incident-harvester/internal/fetcher"
	"github.com/JakeFAU/incident-harvester/internal/incident"
	"github.com/JakeFAU/incident-harvester/internal/progress"
)

const pageHTML = `<html><body><h1>May 5, 2018</h1>
<div><h2>Location</h2><span>1 Elm St</span><span>Austin, Texas</span><span>Geolocation: 30.26, -97.74</span></div>
<div><h2>Notes</h2><p>shots fired, one injured</p></div>
</body></html>`

// fakeFetcher marks every ID divisible by foundEvery as Found.
type fakeFetcher struct {
	foundEvery int64
	failAt     incident.RecordID
	onFetch    func(ctx context.Context, id incident.RecordID)

	mu      sync.Mutex
	visited []incident.RecordID
}

func (f *fakeFetcher) Fetch(ctx context.Context, id incident.RecordID) (fetcher.Page, error) {
	if f.onFetch != nil {
		f.onFetch(ctx, id)
	}
	if err := ctx.Err(); err != nil {
		return fetcher.Page{}, err
	}
	f.mu.Lock()
	f.visited = append(f.visited, id)
	f.mu.Unlock()
	if id == f.failAt {
		return fetcher.Page{ID: id}, &fetcher.ExhaustedError{ID: id, Attempts: 8, Cause: classify.CauseReset}
	}
	if f.foundEvery > 0 && int64(id)%f.foundEvery == 0 {
		return fetcher.Page{ID: id, Outcome: classify.Found, Body: []byte(pageHTML)}, nil
	}
	return fetcher.Page{ID: id, Outcome: classify.NotFound}, nil
}

func (f *fakeFetcher) ids() []incident.RecordID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]incident.RecordID(nil), f.visited...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

type fakeConfirmer struct {
	mu  sync.Mutex
	ids []incident.RecordID
}

func (c *fakeConfirmer) Confirm(_ context.Context, _ string, ids []incident.RecordID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, ids...)
	return nil
}

type fakeArchiver struct {
	mu    sync.Mutex
	parts []Partition
}

func (a *fakeArchiver) Archive(_ context.Context, p Partition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parts = append(a.parts, p)
	return nil
}

func newWorker(t *testing.T, f Fetcher, cfg Config, deps Deps) *Worker {
	t.Helper()
	deps.Fetchers = func(int, string) Fetcher { return f }
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Run = progress.NewRun()
	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = t.TempDir()
	}
	cfg.Checkpoint.NoSync = true
	w, err := New(cfg, deps)
	require.NoError(t, err)
	return w
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Count(string(data), "\n")
}

func TestWorkerFlushBoundary(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{foundEvery: 7}
	emitter := &recordingEmitter{}
	confirmer := &fakeConfirmer{}
	archiver := &fakeArchiver{}
	w := newWorker(t, f, Config{FlushInterval: 1000}, Deps{
		Extractor: extract.New(0),
		Emitter:   emitter,
		Confirmer: confirmer,
		Archiver:  archiver,
	})

	span := incident.Span{Lower: 1, Upper: 2501}
	rep := w.Run(context.Background(), 0, span)
	require.NoError(t, rep.Err)

	var found int64
	for id := span.Lower; id < span.Upper; id++ {
		if int64(id)%7 == 0 {
			found++
		}
	}
	assert.Equal(t, StatusSucceeded, rep.Status)
	assert.Equal(t, int64(2500), rep.Processed)
	assert.Equal(t, found, rep.Found)
	assert.Equal(t, 3, rep.Flushes)
	assert.Equal(t, int(found), rep.Rows)
	assert.Equal(t, incident.RecordID(2500), rep.Confirmed)

	flushes := emitter.stages(progress.StageFlush)
	require.Len(t, flushes, 3)
	rows := 0
	for _, evt := range flushes {
		rows += evt.Rows
	}
	assert.Equal(t, int(found), rows)
	assert.Equal(t, []int64{1000, 2000, 2500}, []int64{flushes[0].ID, flushes[1].ID, flushes[2].ID})

	assert.Equal(t, int(found)+1, countLines(t, rep.Path))
	assert.Len(t, confirmer.ids, int(found))
	require.Len(t, archiver.parts, 1)
	assert.Equal(t, rep.Path, archiver.parts[0].Path)
	assert.Len(t, emitter.stages(progress.StageProgress), 25)
	assert.Len(t, emitter.stages(progress.StageWorkerDone), 1)
}

func TestWorkerVisitsIDsInOrder(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	w := newWorker(t, f, Config{}, Deps{})
	span := incident.Span{Lower: 10, Upper: 20, IDs: []incident.RecordID{11, 13, 17}}
	rep := w.Run(context.Background(), 2, span)
	require.NoError(t, rep.Err)
	assert.Equal(t, []incident.RecordID{11, 13, 17}, f.ids())
	assert.Equal(t, 1, rep.Flushes)
	assert.Equal(t, "10-20", rep.Partition)
}

func TestWorkerCancellationPerformsFinalFlush(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeFetcher{foundEvery: 2}
	f.onFetch = func(_ context.Context, id incident.RecordID) {
		if id == 50 {
			cancel()
		}
	}
	w := newWorker(t, f, Config{FlushInterval: 1000, DrainTimeout: time.Second}, Deps{
		Extractor: extract.New(0),
	})

	rep := w.Run(ctx, 0, incident.Span{Lower: 1, Upper: 10000})
	require.NoError(t, rep.Err)
	assert.Equal(t, StatusCanceled, rep.Status)
	// The in-flight fetch of 50 completes inside the drain window.
	assert.Equal(t, int64(50), rep.Processed)
	assert.Equal(t, int64(25), rep.Found)
	assert.Equal(t, 1, rep.Flushes)
	assert.Equal(t, 25, rep.Rows)
	assert.Equal(t, incident.RecordID(50), rep.Confirmed)
	assert.Equal(t, 26, countLines(t, rep.Path))
}

func TestWorkerDrainTimeoutAbandonsFetch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeFetcher{foundEvery: 1}
	f.onFetch = func(fctx context.Context, id incident.RecordID) {
		if id == 5 {
			cancel()
			<-fctx.Done()
		}
	}
	w := newWorker(t, f, Config{DrainTimeout: 20 * time.Millisecond}, Deps{})

	rep := w.Run(ctx, 0, incident.Span{Lower: 1, Upper: 100})
	require.NoError(t, rep.Err)
	assert.Equal(t, StatusCanceled, rep.Status)
	assert.Equal(t, int64(4), rep.Processed)
	assert.Equal(t, 4, rep.Rows)
	assert.Equal(t, incident.RecordID(4), rep.Confirmed)
}

func TestWorkerFetchExhaustedStopsSpan(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{foundEvery: 3, failAt: 20}
	emitter := &recordingEmitter{}
	w := newWorker(t, f, Config{FlushInterval: 10}, Deps{Emitter: emitter})

	rep := w.Run(context.Background(), 0, incident.Span{Lower: 1, Upper: 100})
	require.Error(t, rep.Err)
	require.ErrorIs(t, rep.Err, fetcher.ErrFetchExhausted)
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Equal(t, int64(19), rep.Processed)
	// Flush at 10 plus the final flush of 11..19.
	assert.Equal(t, 2, rep.Flushes)
	assert.Equal(t, 6, rep.Rows)
	assert.Equal(t, incident.RecordID(19), rep.Confirmed)
	assert.Empty(t, rep.Unconfirmed)

	errs := emitter.stages(progress.StageWorkerError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Note, "fetch exhausted")
}

func TestWorkerPersistenceFailureReportsUnconfirmed(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	f := &fakeFetcher{foundEvery: 2}
	archiver := &fakeArchiver{}
	w := newWorker(t, f, Config{
		FlushInterval: 10,
		Checkpoint:    checkpoint.Config{Dir: filepath.Join(blocker, "out")},
	}, Deps{Archiver: archiver})

	rep := w.Run(context.Background(), 0, incident.Span{Lower: 1, Upper: 100})
	require.Error(t, rep.Err)
	var perr *checkpoint.PersistenceError
	require.True(t, errors.As(rep.Err, &perr))
	assert.Equal(t, StatusFailed, rep.Status)
	assert.Equal(t, int64(10), rep.Processed, "worker stops at the failed flush")
	assert.Equal(t, []incident.RecordID{2, 4, 6, 8, 10}, rep.Unconfirmed)
	assert.Zero(t, rep.Confirmed)
	assert.Zero(t, rep.Flushes)
	assert.Empty(t, archiver.parts)
}

func TestNewRequiresFetchers(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
