package sinks

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/incident-harvester/internal/progress"
)

func scanEvents(run progress.Run) []progress.Event {
	start := run.Event(progress.StageWorkerStart)
	start.Worker, start.Partition, start.Total = 0, "100-110", 10

	tick := run.Event(progress.StageProgress)
	tick.Worker, tick.Partition, tick.Processed, tick.Found, tick.Total = 0, "100-110", 5, 2, 10

	retry := run.Event(progress.StageFetchDone)
	retry.Worker, retry.ID, retry.Outcome, retry.Cause = 0, 104, "transient", "reset"

	issue := run.Event(progress.StageShapeIssue)
	issue.ID, issue.Section = 104, "Location"

	flush := run.Event(progress.StageFlush)
	flush.Worker, flush.Partition, flush.Rows, flush.ID = 0, "100-110", 2, 104

	done := run.Event(progress.StageWorkerDone)
	done.Worker, done.Partition, done.Processed, done.Found, done.Total = 0, "100-110", 10, 3, 10

	other := run.Event(progress.StageWorkerError)
	other.Worker, other.Partition, other.Processed, other.Note = 1, "110-120", 4, "disk full"

	return []progress.Event{run.Event(progress.StageRunStart), start, tick, retry, issue, flush, done, other}
}

func TestStatusSinkSnapshot(t *testing.T) {
	t.Parallel()

	sink := NewStatusSink()
	require.Equal(t, StateIdle, sink.Snapshot().State)

	run := progress.NewRun()
	require.NoError(t, sink.Consume(context.Background(), scanEvents(run)))

	snap := sink.Snapshot()
	assert.Equal(t, run.ID.String(), snap.RunID)
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, int64(14), snap.Processed)
	assert.Equal(t, int64(3), snap.Found)
	assert.Equal(t, int64(1), snap.ShapeIssues)
	assert.Equal(t, int64(1), snap.Transient)
	require.Len(t, snap.Partitions, 2)

	first := snap.Partitions[0]
	assert.Equal(t, "100-110", first.Partition)
	assert.Equal(t, StateDone, first.State)
	assert.Equal(t, 1, first.Flushes)
	assert.Equal(t, 2, first.Rows)
	assert.Equal(t, int64(104), first.LastConfirmed)

	second := snap.Partitions[1]
	assert.Equal(t, StateFailed, second.State)
	assert.Equal(t, "disk full", second.Error)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{run.Event(progress.StageRunDone)}))
	assert.Equal(t, StateDone, sink.Snapshot().State)
}

func TestBarSinkTracksPartitions(t *testing.T) {
	t.Parallel()

	sink := NewBarSink(io.Discard)
	events := scanEvents(progress.NewRun())
	require.NoError(t, sink.Consume(context.Background(), events[:3]))

	current, ok := sink.Current("100-110")
	require.True(t, ok)
	assert.Equal(t, int64(5), current)

	require.NoError(t, sink.Consume(context.Background(), events[3:]))
	current, ok = sink.Current("100-110")
	require.True(t, ok)
	assert.Equal(t, int64(10), current)

	_, ok = sink.Current("missing")
	assert.False(t, ok)
	require.NoError(t, sink.Close(context.Background()))
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), scanEvents(progress.NewRun())))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 8)
	levels := map[zapcore.Level]int{}
	for _, e := range entries {
		levels[e.Level]++
	}
	assert.Equal(t, 2, levels[zapcore.DebugLevel])
	assert.Equal(t, 1, levels[zapcore.ErrorLevel])
	assert.Equal(t, 5, levels[zapcore.InfoLevel])
}
