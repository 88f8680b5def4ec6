// Package events carries the run's observable event stream. The
// coordinator owns a Bus at construction and hands it to the pipeline and
// writer; external consumers read the channel or the NDJSON encoding.
// There is no global bus.
package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event kinds, in the order they can appear in a run.
const (
	KindRunStarted         = "run.started"
	KindStageStarted       = "stage.started"
	KindParentExpanded     = "parent.expanded"
	KindStageRework        = "stage.rework"
	KindStageComplete      = "stage.complete"
	KindWriteBatchComplete = "write.batch.complete"
	KindRunComplete        = "run.complete"
	KindRunFailed          = "run.failed"
)

// Event is one entry in the stream.
type Event struct {
	T       time.Time `json:"t"`
	Kind    string    `json:"kind"`
	Payload any       `json:"payload,omitempty"`
}

// Sink accepts events. Components write; they never read.
type Sink interface {
	Emit(kind string, payload any)
}

// Bus is a channel-backed sink owned by the coordinator. Emit blocks when
// the buffer is full rather than dropping: event ordering is part of the
// contract (no stage.started{k+1} before stage.complete{k}).
type Bus struct {
	// mu is read-locked for the lifetime of a send and write-locked by
	// Close, so the channel never closes under an in-flight Emit and
	// concurrent emitters do not serialize on each other.
	mu     sync.RWMutex
	ch     chan Event
	closed bool
	clock  func() time.Time
}

// NewBus creates a bus with the given buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{ch: make(chan Event, buffer), clock: time.Now}
}

// SetClock overrides the event timestamp source (tests).
func (b *Bus) SetClock(clock func() time.Time) { b.clock = clock }

// Emit appends an event to the stream. Emitting on a closed bus is a
// no-op so late goroutines cannot panic the run teardown.
func (b *Bus) Emit(kind string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ch <- Event{T: b.clock(), Kind: kind, Payload: payload}
}

// Events exposes the stream for consumers.
func (b *Bus) Events() <-chan Event { return b.ch }

// Close ends the stream. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

// Nop is a sink that discards everything.
type Nop struct{}

func (Nop) Emit(string, any) {}

// Recorder is a sink that retains every event in order, for tests and
// in-process consumers that want the full history.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	clock  func() time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{clock: time.Now}
}

func (r *Recorder) Emit(kind string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{T: r.clock(), Kind: kind, Payload: payload})
}

// Events returns a copy of the recorded stream.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns just the recorded kinds, in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// EncodeNDJSON drains a bus channel onto w as newline-delimited JSON,
// one {t, kind, payload} object per line, until the channel closes or
// ctx is cancelled. Encoding errors stop consumption and are returned.
func EncodeNDJSON(ctx context.Context, ch <-chan Event, w io.Writer) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	}
}

// Tee fans one sink out to several.
type Tee []Sink

func (t Tee) Emit(kind string, payload any) {
	for _, s := range t {
		s.Emit(kind, payload)
	}
}
