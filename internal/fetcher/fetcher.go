// Package fetcher resolves one record ID to Found or NotFound, retrying
// transient faults with bounded exponential backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/incident-harvester/internal/classify"
	"github.com/JakeFAU/incident-harvester/internal/incident"
	"github.com/JakeFAU/incident-harvester/internal/progress"
)

// DefaultBaseURL is the record page prefix of the source archive.
const DefaultBaseURL = "https://www.gunviolencearchive.org/incident"

// ErrFetchExhausted is matched by every *ExhaustedError.
var ErrFetchExhausted = errors.New("fetch exhausted")

// ExhaustedError reports an ID whose attempts were all Transient.
type ExhaustedError struct {
	ID       incident.RecordID
	Attempts int
	Cause    classify.Cause
	Err      error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("fetch exhausted for id %d after %d attempts (last cause %s)", e.ID, e.Attempts, e.Cause)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrFetchExhausted) hold.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrFetchExhausted
}

// Unwrap exposes the last transport error, if any.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Limiter gates attempts for politeness.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Page is the definitive result for one ID.
type Page struct {
	ID       incident.RecordID
	URL      string
	Outcome  classify.Outcome
	Body     []byte
	Attempts int
	Duration time.Duration
}

// Found reports whether the page backs a live record.
func (p Page) Found() bool {
	return p.Outcome == classify.Found
}

// Config wires a Fetcher's collaborators. Only Getter is required.
type Config struct {
	BaseURL    string
	Getter     Getter
	Classifier *classify.Classifier
	Retry      RetryPolicy
	Limiter    Limiter
	Emitter    progress.Emitter
	Run        progress.Run
	Logger     *zap.Logger
}

// Fetcher is safe for concurrent use; ForWorker derives a copy that tags
// its events with a worker and partition.
type Fetcher struct {
	base       string
	getter     Getter
	classifier *classify.Classifier
	retry      RetryPolicy
	limiter    Limiter
	emitter    progress.Emitter
	run        progress.Run
	logger     *zap.Logger
	worker     int
	partition  string
	sleep      func(ctx context.Context, d time.Duration) error
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Getter == nil {
		return nil, errors.New("fetcher: getter is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.New()
	}
	if cfg.Retry == nil {
		cfg.Retry = NewExponentialRetryPolicy(0, 0, 0)
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Fetcher{
		base:       base,
		getter:     cfg.Getter,
		classifier: cfg.Classifier,
		retry:      cfg.Retry,
		limiter:    cfg.Limiter,
		emitter:    cfg.Emitter,
		run:        cfg.Run,
		logger:     cfg.Logger,
		worker:     -1,
		sleep:      sleepCtx,
	}, nil
}

// ForWorker returns a copy whose events and logs carry the worker index and
// partition key.
func (f *Fetcher) ForWorker(worker int, partition string) *Fetcher {
	clone := *f
	clone.worker = worker
	clone.partition = partition
	clone.logger = f.logger.With(zap.Int("worker", worker), zap.String("partition", partition))
	return &clone
}

// URL renders the record page address for id.
func (f *Fetcher) URL(id incident.RecordID) string {
	return f.base + "/" + id.String()
}

// Fetch resolves id. Transient attempts are retried until the policy's cap,
// past which an *ExhaustedError is returned. NotFound returns at once.
// Cancellation aborts the loop and returns the context error.
func (f *Fetcher) Fetch(ctx context.Context, id incident.RecordID) (Page, error) {
	url := f.URL(id)
	page := Page{ID: id, URL: url, Outcome: classify.Transient}
	start := time.Now()

	var (
		verdict classify.Verdict
		lastErr error
	)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return page, fmt.Errorf("fetch %d: %w", id, err)
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, url); err != nil {
				return page, fmt.Errorf("fetch %d: %w", id, err)
			}
		}

		attemptStart := time.Now()
		raw := f.getter.Get(ctx, url)
		if ctx.Err() != nil {
			// An attempt cut short by cancellation says nothing about the ID.
			return page, fmt.Errorf("fetch %d: %w", id, ctx.Err())
		}
		verdict = f.classifier.Classify(raw)
		page.Attempts = attempt
		f.emit(id, attempt, verdict, time.Since(attemptStart))

		if verdict.Outcome != classify.Transient {
			page.Outcome = verdict.Outcome
			page.Duration = time.Since(start)
			if verdict.Outcome == classify.Found {
				page.Body = raw.Body
			}
			return page, nil
		}
		lastErr = raw.Err
		if !f.retry.Retry(verdict, attempt) {
			break
		}
		wait := f.retry.Backoff(attempt)
		f.logger.Debug("transient fetch, retrying",
			zap.Int64("id", int64(id)),
			zap.Int("attempt", attempt),
			zap.String("cause", string(verdict.Cause)),
			zap.Duration("backoff", wait),
			zap.Error(raw.Err),
		)
		if err := f.sleep(ctx, wait); err != nil {
			return page, fmt.Errorf("fetch %d: %w", id, err)
		}
	}

	page.Duration = time.Since(start)
	return page, &ExhaustedError{ID: id, Attempts: page.Attempts, Cause: verdict.Cause, Err: lastErr}
}

func (f *Fetcher) emit(id incident.RecordID, attempt int, v classify.Verdict, dur time.Duration) {
	evt := f.run.Event(progress.StageFetchDone)
	evt.Worker = f.worker
	evt.Partition = f.partition
	evt.ID = int64(id)
	evt.Attempt = attempt
	evt.Outcome = v.Outcome.String()
	evt.Cause = string(v.Cause)
	evt.Dur = dur
	f.emitter.Emit(evt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
