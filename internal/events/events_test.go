package events

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(8)
	bus.SetClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) })

	bus.Emit(KindRunStarted, map[string]string{"run_id": "abc"})
	bus.Emit(KindStageStarted, nil)
	bus.Close()

	var kinds []string
	for ev := range bus.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{KindRunStarted, KindStageStarted}, kinds)
}

func TestBusConcurrentEmittersWithSlowConsumer(t *testing.T) {
	// Buffer smaller than the event count forces emitters to block on the
	// channel; the consumer drains while they do. Emit must not hold other
	// emitters out, and Close must not race the in-flight sends.
	const emitters, perEmitter = 4, 25
	bus := NewBus(2)

	got := make(chan int, 1)
	go func() {
		n := 0
		for range bus.Events() {
			n++
		}
		got <- n
	}()

	var wg sync.WaitGroup
	for i := 0; i < emitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perEmitter; j++ {
				bus.Emit(KindParentExpanded, nil)
			}
		}()
	}
	wg.Wait()
	bus.Close()
	assert.Equal(t, emitters*perEmitter, <-got)
}

func TestBusEmitAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(1)
	bus.Close()
	bus.Close() // idempotent
	assert.NotPanics(t, func() { bus.Emit(KindRunComplete, nil) })
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	rec.Emit(KindStageStarted, StagePayloadStub{Stage: 1})
	rec.Emit(KindStageComplete, StagePayloadStub{Stage: 1})

	assert.Equal(t, []string{KindStageStarted, KindStageComplete}, rec.Kinds())
	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, StagePayloadStub{Stage: 1}, events[0].Payload)
}

// StagePayloadStub stands in for the pipeline payload types, which live in
// a package above this one.
type StagePayloadStub struct {
	Stage int `json:"stage"`
}

func TestTee(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	sink := Tee{a, b}
	sink.Emit(KindRunStarted, nil)
	assert.Equal(t, []string{KindRunStarted}, a.Kinds())
	assert.Equal(t, []string{KindRunStarted}, b.Kinds())
}

func TestEncodeNDJSON(t *testing.T) {
	bus := NewBus(4)
	bus.SetClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) })
	bus.Emit(KindRunStarted, map[string]string{"run_id": "abc"})
	bus.Emit(KindRunComplete, nil)
	bus.Close()

	var buf bytes.Buffer
	require.NoError(t, EncodeNDJSON(context.Background(), bus.Events(), &buf))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first struct {
		T       time.Time         `json:"t"`
		Kind    string            `json:"kind"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, KindRunStarted, first.Kind)
	assert.Equal(t, "abc", first.Payload["run_id"])
	assert.False(t, first.T.IsZero())
}

func TestEncodeNDJSONStopsOnCancel(t *testing.T) {
	bus := NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := EncodeNDJSON(ctx, bus.Events(), &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
	bus.Close()
}
