package events

import "sync"

// Event represents a structured state change emitted by the escrow engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (schedulers, watchers,
// loggers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Fanout forwards every event to each registered emitter in registration
// order.
type Fanout struct {
	mu      sync.RWMutex
	targets []Emitter
}

// NewFanout returns a fanout over the supplied emitters. Nil entries are
// skipped.
func NewFanout(targets ...Emitter) *Fanout {
	f := &Fanout{}
	for _, t := range targets {
		f.Add(t)
	}
	return f
}

// Add registers another emitter.
func (f *Fanout) Add(target Emitter) {
	if f == nil || target == nil {
		return
	}
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
}

// Emit implements the Emitter interface.
func (f *Fanout) Emit(evt Event) {
	if f == nil || evt == nil {
		return
	}
	f.mu.RLock()
	targets := append([]Emitter(nil), f.targets...)
	f.mu.RUnlock()
	for _, t := range targets {
		t.Emit(evt)
	}
}

// Recorder keeps every emitted event in memory. It is intended for tests and
// debugging endpoints.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the event types recorded so far.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}
