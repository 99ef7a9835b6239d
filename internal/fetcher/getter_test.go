package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollyGetterPassesStatusAndBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/incident/2":
			assert.Equal(t, "harvest-test", r.UserAgent())
			fmt.Fprint(w, "<html>ok</html>")
		case "/incident/3":
			http.Error(w, "gone", http.StatusNotFound)
		default:
			http.Error(w, "busy", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	g := NewCollyGetter(CollyConfig{UserAgent: "harvest-test", Timeout: time.Second})

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{name: "found", path: "/incident/2", status: http.StatusOK, body: "<html>ok</html>"},
		{name: "not found keeps body", path: "/incident/3", status: http.StatusNotFound, body: "gone\n"},
		{name: "server error", path: "/incident/4", status: http.StatusServiceUnavailable, body: "busy\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Get(context.Background(), srv.URL+tt.path)
			require.NoError(t, got.Err)
			assert.Equal(t, tt.status, got.StatusCode)
			assert.Equal(t, tt.body, string(got.Body))
		})
	}
}

func TestCollyGetterCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := NewCollyGetter(CollyConfig{Timeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	got := g.Get(ctx, srv.URL+"/incident/1")
	require.Error(t, got.Err)
	assert.True(t, errors.Is(got.Err, context.DeadlineExceeded), got.Err)
	assert.Zero(t, got.StatusCode)
}

func TestCollyGetterTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	got := NewCollyGetter(CollyConfig{Timeout: time.Second}).Get(context.Background(), addr+"/incident/1")
	require.Error(t, got.Err)
	assert.Zero(t, got.StatusCode)
}
