package events

import (
	"context"
	"sync"
)

// Sink receives lifecycle events. Emit must not block the caller for long
// and must not affect execution; failures are the sink's to log.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// SafeEmit emits e and swallows panics from a buggy sink.
func SafeEmit(ctx context.Context, s Sink, e Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Emit(ctx, e)
}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		SafeEmit(ctx, s, e)
	}
}

// Recorder is a concurrency-safe in-memory collector.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(_ context.Context, e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Snapshot returns a copy of all recorded events in emission order.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ForNode returns the events of one node in emission order.
func (r *Recorder) ForNode(workspace, task string) []Event {
	var out []Event
	for _, e := range r.Snapshot() {
		if e.Workspace == workspace && e.Task == task {
			out = append(out, e)
		}
	}
	return out
}

// Types returns the event types of one node in emission order.
func (r *Recorder) Types(workspace, task string) []Type {
	var out []Type
	for _, e := range r.ForNode(workspace, task) {
		out = append(out, e.Type)
	}
	return out
}
