package progress

import "context"

// Sink receives events in batches from the Hub's background goroutine.
// Consume is called with a deadline; Close is called once on shutdown.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events without blocking the caller. Fetchers,
// workers and the dispatcher only ever see this side of the Hub.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
