package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/incident-harvester/internal/classify"
)

// Getter performs exactly one HTTP GET and reports the raw attempt.
type Getter interface {
	Get(ctx context.Context, url string) classify.Attempt
}

// CollyConfig controls collector behavior.
type CollyConfig struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps the response body in bytes; 0 keeps colly's default.
	MaxBodySize int
	// Transport overrides the pooled transport, mostly for tests.
	Transport http.RoundTripper
}

// CollyGetter implements Getter using the Colly collector.
type CollyGetter struct {
	cfg           CollyConfig
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewCollyGetter builds a CollyGetter sharing one pooled transport across
// every attempt.
func NewCollyGetter(cfg CollyConfig) *CollyGetter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Transport == nil {
		cfg.Transport = newHTTPTransport()
	}
	c := colly.NewCollector(colly.Async(false))
	// Clones share the backend client, so transport and timeout are set once.
	c.WithTransport(cfg.Transport)
	c.SetRequestTimeout(cfg.Timeout)
	c.IgnoreRobotsTxt = true
	// Retries revisit the same URL and 4xx/5xx bodies must reach the classifier.
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	return &CollyGetter{cfg: cfg, baseCollector: c}
}

// Get executes a single GET. Context cancellation abandons the attempt and
// is reported as the attempt error.
func (g *CollyGetter) Get(ctx context.Context, url string) classify.Attempt {
	var (
		result   classify.Attempt
		fetchErr error
	)
	collector := g.buildCollector(&result, &fetchErr)

	finished, err := g.runCollector(ctx, collector, url, &fetchErr)
	switch {
	case !finished:
		// The visit goroutine still owns result.
		return classify.Attempt{Err: err}
	case err != nil:
		return classify.Attempt{StatusCode: result.StatusCode, Err: err}
	}
	return result
}

func (g *CollyGetter) buildCollector(result *classify.Attempt, fetchErr *error) *colly.Collector {
	collector := g.baseCollector.Clone()
	if g.cfg.UserAgent != "" {
		collector.UserAgent = g.cfg.UserAgent
	}
	configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, result *classify.Attempt, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*result = classify.Attempt{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (g *CollyGetter) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	fetchErr *error,
) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return true, fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return true, fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return true, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
