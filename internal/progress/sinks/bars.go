package sinks

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/JakeFAU/incident-harvester/internal/progress"
)

// BarSink renders one terminal progress bar per partition. Decorators read
// only atomics so rendering never contends with Consume.
type BarSink struct {
	p *mpb.Progress

	mu   sync.Mutex
	bars map[string]*partitionBar
}

type partitionBar struct {
	bar   *mpb.Bar
	found atomic.Int64
	done  bool
}

// NewBarSink builds a BarSink writing to out (stderr when nil).
func NewBarSink(out io.Writer) *BarSink {
	if out == nil {
		out = os.Stderr
	}
	p := mpb.New(
		mpb.WithWidth(48),
		mpb.WithOutput(out),
		mpb.WithRefreshRate(150*time.Millisecond),
	)
	return &BarSink{p: p, bars: make(map[string]*partitionBar)}
}

// Consume advances the bars touched by the batch.
func (s *BarSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		if evt.Partition == "" {
			continue
		}
		switch evt.Stage {
		case progress.StageWorkerStart:
			s.ensure(evt.Partition, evt.Total)
		case progress.StageProgress:
			pb := s.ensure(evt.Partition, evt.Total)
			if pb.done {
				continue
			}
			pb.found.Store(evt.Found)
			pb.bar.SetCurrent(evt.Processed)
		case progress.StageWorkerDone, progress.StageWorkerError:
			pb := s.ensure(evt.Partition, evt.Total)
			s.finish(pb, evt.Processed)
		}
	}
	return nil
}

func (s *BarSink) ensure(partition string, total int64) *partitionBar {
	if pb, ok := s.bars[partition]; ok {
		return pb
	}
	pb := &partitionBar{}
	pb.bar = s.p.New(
		total,
		mpb.BarStyle().Rbound("]"),
		mpb.PrependDecorators(
			decor.Name(partition+"  "),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WCSyncWidth),
			decor.CountersNoUnit(" | %d/%d ids", decor.WCSyncWidth),
			decor.Any(func(decor.Statistics) string {
				return fmt.Sprintf(" | %d found", pb.found.Load())
			}),
		),
	)
	s.bars[partition] = pb
	return pb
}

func (s *BarSink) finish(pb *partitionBar, processed int64) {
	if pb.done {
		return
	}
	pb.done = true
	if processed > 0 {
		pb.bar.SetCurrent(processed)
	}
	pb.bar.SetTotal(-1, true)
}

// Current reports the processed count rendered for a partition.
func (s *BarSink) Current(partition string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pb, ok := s.bars[partition]
	if !ok {
		return 0, false
	}
	return pb.bar.Current(), true
}

// Close completes every open bar and waits for the final render.
func (s *BarSink) Close(context.Context) error {
	s.mu.Lock()
	for _, pb := range s.bars {
		s.finish(pb, 0)
	}
	s.mu.Unlock()
	s.p.Wait()
	return nil
}
