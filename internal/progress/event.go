// Package progress defines the event structures emitted by the scan workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunDone     Stage = "RUN_DONE"
	StageWorkerStart Stage = "WORKER_START"
	StageWorkerDone  Stage = "WORKER_DONE"
	StageWorkerError Stage = "WORKER_ERROR"
	StageFetchDone   Stage = "FETCH_DONE"
	StageShapeIssue  Stage = "SHAPE_ISSUE"
	StageFlush       Stage = "FLUSH"
	StageProgress    Stage = "PROGRESS"
)

// Event captures a single component of scan progress.
type Event struct {
	// RunID uniquely identifies a scan run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle, fetch, or flush milestone occurred.
	Stage Stage
	// Worker is the index of the emitting worker (-1 for run-level events).
	Worker int
	// Partition is the partition key of the worker's span.
	Partition string
	// ID is the record ID the event refers to, if any.
	ID int64
	// Attempt is the 1-based fetch attempt number.
	Attempt int
	// Outcome is the classifier verdict for fetch events.
	Outcome string
	// Cause labels a transient fetch outcome.
	Cause string
	// Section names the page section of a shape issue.
	Section string
	// Processed and Found are cumulative worker counters.
	Processed int64
	Found     int64
	// Total is the number of IDs in the worker's span.
	Total int64
	// Rows carries the number of rows written by a flush.
	Rows int
	// Dur captures latency for fetches and flushes.
	Dur time.Duration
	// Elapsed is the time since the run started.
	Elapsed time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageWorkerStart, StageWorkerDone, StageWorkerError, StageProgress:
	case StageFetchDone:
		if e.ID <= 0 {
			return errors.New("fetch done requires id")
		}
		if e.Outcome == "" {
			return errors.New("fetch done requires outcome")
		}
	case StageShapeIssue:
		if e.Section == "" {
			return errors.New("shape issue requires section")
		}
	case StageFlush:
		if e.Partition == "" {
			return errors.New("flush requires partition")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 || e.Elapsed < 0 {
		return errors.New("durations must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// Run carries the per-run context handed to every emitter at construction:
// the run ID and the start timestamp used for elapsed-time reporting.
type Run struct {
	ID      uuid.UUID
	Started time.Time
}

// NewRun starts a run clock with a fresh ID.
func NewRun() Run {
	return Run{ID: uuid.New(), Started: time.Now().UTC()}
}

// Event stamps a new event with the run ID, timestamp and elapsed time.
func (r Run) Event(stage Stage) Event {
	now := time.Now().UTC()
	elapsed := now.Sub(r.Started)
	if r.Started.IsZero() || elapsed < 0 {
		elapsed = 0
	}
	return Event{
		RunID:   UUIDToBytes(r.ID),
		TS:      now,
		Stage:   stage,
		Worker:  -1,
		Elapsed: elapsed,
	}
}
