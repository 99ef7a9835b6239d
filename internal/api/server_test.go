package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/incident-harvester/internal/progress"
	"github.com/JakeFAU/incident-harvester/internal/progress/sinks"
)

type fakeStatus struct {
	mu   sync.Mutex
	snap sinks.Snapshot
}

func (f *fakeStatus) Snapshot() sinks.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func runningStatus(t *testing.T) *sinks.StatusSink {
	t.Helper()
	run := progress.NewRun()
	status := sinks.NewStatusSink()
	start := run.Event(progress.StageRunStart)
	ws := run.Event(progress.StageWorkerStart)
	ws.Worker, ws.Partition, ws.Total = 0, "1-100", 99
	pr := run.Event(progress.StageProgress)
	pr.Worker, pr.Partition, pr.Processed, pr.Found, pr.Total = 0, "1-100", 40, 3, 99
	require.NoError(t, status.Consume(context.Background(), []progress.Event{start, ws, pr}))
	return status
}

func newTestServer(t *testing.T, status StatusProvider) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv, err := NewServer(status, reg, nil)
	require.NoError(t, err)
	return srv, reg
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &fakeStatus{})
	rec := do(t, srv.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_ReadyzTracksRunState(t *testing.T) {
	t.Parallel()

	idle := &fakeStatus{snap: sinks.Snapshot{State: sinks.StateIdle}}
	srv, _ := newTestServer(t, idle)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv.Handler(), "/readyz").Code)

	srv, _ = newTestServer(t, runningStatus(t))
	rec := do(t, srv.Handler(), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), sinks.StateRunning)
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, runningStatus(t))
	rec := do(t, srv.Handler(), "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap sinks.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, sinks.StateRunning, snap.State)
	assert.Equal(t, int64(40), snap.Processed)
	require.Len(t, snap.Partitions, 1)
	assert.Equal(t, "1-100", snap.Partitions[0].Partition)
}

func TestServer_Partition(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, runningStatus(t))
	rec := do(t, srv.Handler(), "/v1/status/partitions/1-100")
	require.Equal(t, http.StatusOK, rec.Code)
	var ps sinks.PartitionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ps))
	assert.Equal(t, int64(3), ps.Found)

	rec = do(t, srv.Handler(), "/v1/status/partitions/5-6")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MetricsExposeRegistry(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, &fakeStatus{})
	sink, err := sinks.NewPrometheusSink(reg)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{progress.NewRun().Event(progress.StageRunStart)}))

	do(t, srv.Handler(), "/healthz")
	rec := do(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "harvest_runs_started_total 1")
	assert.Contains(t, body, `harvest_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &fakeStatus{})
	srv.router.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := do(t, srv.Handler(), "/boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNewServerRequiresStatus(t *testing.T) {
	t.Parallel()

	_, err := NewServer(nil, nil, nil)
	require.Error(t, err)
}

func TestServer_ServeListenerShutsDown(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &fakeStatus{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln, Config{}) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close() //nolint:errcheck
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(string(body), "ok")
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
