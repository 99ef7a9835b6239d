package sinks

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/incident-harvester/internal/progress"
)

// PartitionStatus is the latest known state of one worker's span.
type PartitionStatus struct {
	Partition     string        `json:"partition"`
	Worker        int           `json:"worker"`
	State         string        `json:"state"`
	Processed     int64         `json:"processed"`
	Found         int64         `json:"found"`
	Total         int64         `json:"total"`
	Flushes       int           `json:"flushes"`
	Rows          int           `json:"rows"`
	LastConfirmed int64         `json:"last_confirmed"`
	Error         string        `json:"error,omitempty"`
	Updated       time.Time     `json:"updated"`
	Elapsed       time.Duration `json:"elapsed_ns"`
}

// Snapshot is the status view served over HTTP.
type Snapshot struct {
	RunID       string            `json:"run_id,omitempty"`
	State       string            `json:"state"`
	Started     time.Time         `json:"started,omitzero"`
	Processed   int64             `json:"processed"`
	Found       int64             `json:"found"`
	ShapeIssues int64             `json:"shape_issues"`
	Transient   int64             `json:"transient_attempts"`
	Partitions  []PartitionStatus `json:"partitions"`
}

// Partition states reported by StatusSink.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// StatusSink folds progress events into an in-memory Snapshot.
type StatusSink struct {
	mu         sync.RWMutex
	run        uuid.UUID
	state      string
	started    time.Time
	issues     int64
	transient  int64
	partitions map[string]*PartitionStatus
}

// NewStatusSink returns an idle StatusSink.
func NewStatusSink() *StatusSink {
	return &StatusSink{state: StateIdle, partitions: make(map[string]*PartitionStatus)}
}

// Consume applies the batch to the snapshot.
func (s *StatusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *StatusSink) apply(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.run = evt.RunUUID()
		s.state = StateRunning
		s.started = evt.TS
		s.issues, s.transient = 0, 0
		clear(s.partitions)
		return
	case progress.StageRunDone:
		s.state = StateDone
		if evt.Note != "" {
			s.state = StateFailed
		}
		return
	case progress.StageShapeIssue:
		s.issues++
		return
	case progress.StageFetchDone:
		if evt.Outcome == "transient" {
			s.transient++
		}
		return
	}
	if evt.Partition == "" {
		return
	}
	ps, ok := s.partitions[evt.Partition]
	if !ok {
		ps = &PartitionStatus{Partition: evt.Partition, Worker: evt.Worker, State: StateRunning}
		s.partitions[evt.Partition] = ps
	}
	ps.Updated = evt.TS
	ps.Elapsed = evt.Elapsed
	if evt.Total > 0 {
		ps.Total = evt.Total
	}
	switch evt.Stage {
	case progress.StageWorkerStart:
		ps.State = StateRunning
	case progress.StageProgress:
		ps.Processed, ps.Found = evt.Processed, evt.Found
	case progress.StageFlush:
		ps.Flushes++
		ps.Rows += evt.Rows
		if evt.ID > ps.LastConfirmed {
			ps.LastConfirmed = evt.ID
		}
	case progress.StageWorkerDone:
		ps.State = StateDone
		ps.Processed, ps.Found = evt.Processed, evt.Found
	case progress.StageWorkerError:
		ps.State = StateFailed
		ps.Processed, ps.Found = evt.Processed, evt.Found
		ps.Error = evt.Note
	}
}

// Snapshot returns a copy of the current status, partitions ordered by key.
func (s *StatusSink) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		State:       s.state,
		Started:     s.started,
		ShapeIssues: s.issues,
		Transient:   s.transient,
		Partitions:  make([]PartitionStatus, 0, len(s.partitions)),
	}
	if s.run != uuid.Nil {
		snap.RunID = s.run.String()
	}
	for _, ps := range s.partitions {
		snap.Processed += ps.Processed
		snap.Found += ps.Found
		snap.Partitions = append(snap.Partitions, *ps)
	}
	slices.SortFunc(snap.Partitions, func(a, b PartitionStatus) int {
		return strings.Compare(a.Partition, b.Partition)
	})
	return snap
}

// Close implements progress.Sink.
func (s *StatusSink) Close(context.Context) error { return nil }
