package stream

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/sais-dev/sais/go/pkg/errors"
	"github.com/sais-dev/sais/go/pkg/sse"
)

// Test helpers

func valuesEvent(values map[string]any) sse.Event {
	return sse.Event{Event: "values", Data: sse.JSONPayload(values)}
}

func subgraphValuesEvent(namespace string, values map[string]any) sse.Event {
	return sse.Event{Event: "values|" + namespace, Data: sse.JSONPayload(values)}
}

func frameTransport(events ...sse.Event) Transport {
	return func(ctx context.Context) (*Stream, error) {
		ch := make(chan sse.Event, len(events))
		errc := make(chan error, 1)
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		close(errc)
		return New(ch, errc), nil
	}
}

func failingTransport(err error) Transport {
	return func(ctx context.Context) (*Stream, error) {
		return nil, err
	}
}

// errorStream is a transport that delivers events and then ends with a
// stream-level error.
func errorStream(err error, events ...sse.Event) Transport {
	return func(ctx context.Context) (*Stream, error) {
		ch := make(chan sse.Event, len(events))
		errc := make(chan error, 1)
		for _, ev := range events {
			ch <- ev
		}
		errc <- err
		close(ch)
		close(errc)
		return New(ch, errc), nil
	}
}

// Tests

func TestMachine_StartProcessesValues(t *testing.T) {
	m := NewMachine()

	var observed []State
	m.Subscribe(func(st State) { observed = append(observed, st) })

	cancelled := m.Start(context.Background(), frameTransport(
		sse.Event{Event: "metadata", Data: sse.JSONPayload(map[string]any{"run_id": "run-1"})},
		valuesEvent(map[string]any{"topic": "fraud"}),
	))

	assert.False(t, cancelled)
	st := m.State()
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, "fraud", st.Values["topic"])
	assert.False(t, st.IsLoading)
	assert.NoError(t, st.Err)

	require.NotEmpty(t, observed)
	assert.True(t, observed[0].IsLoading, "first notification sets loading")
	assert.False(t, observed[len(observed)-1].IsLoading)
}

func TestMachine_ValuesReplaceWholesale(t *testing.T) {
	m := NewMachine()
	m.Start(context.Background(), frameTransport(
		valuesEvent(map[string]any{"a": 1, "stale": true}),
		valuesEvent(map[string]any{"a": 2}),
	))

	st := m.State()
	assert.Equal(t, float64(2), toF64(t, st.Values["a"]))
	assert.NotContains(t, st.Values, "stale")
}

func TestMachine_InterruptMerges(t *testing.T) {
	m := NewMachine()
	m.Start(context.Background(), frameTransport(
		valuesEvent(map[string]any{"a": "kept"}),
		valuesEvent(map[string]any{
			"__interrupt__": []any{map[string]any{"value": "approve?"}},
			"b":             "added",
		}),
	))

	st := m.State()
	assert.Equal(t, "kept", st.Values["a"], "interrupt must not erase accumulated state")
	assert.Equal(t, "added", st.Values["b"])
	assert.Contains(t, st.Values, "__interrupt__")
}

func TestMachine_CacheFallback(t *testing.T) {
	m := NewMachine()
	m.Start(context.Background(), frameTransport(
		valuesEvent(map[string]any{
			"sais_ui": map[string]any{"intent": "investigate"},
		}),
		valuesEvent(map[string]any{"other": true}),
	))

	st := m.State()
	ui, ok := st.Values[UIContextKey].(map[string]any)
	require.True(t, ok, "cached UI context must backfill values without one")
	assert.Equal(t, "investigate", ui["intent"])
	assert.Equal(t, true, st.Values["other"])
}

func TestMachine_CacheSurvivesBetweenRuns(t *testing.T) {
	m := NewMachine()
	m.Start(context.Background(), frameTransport(
		valuesEvent(map[string]any{"sais_ui": map[string]any{"flow": "triage"}}),
	))

	// a fresh run resets error/loading but never the cache
	m.Start(context.Background(), frameTransport())

	assert.Equal(t, map[string]any{"flow": "triage"}, m.UIContext())
}

func TestMachine_SubgraphUIContextMerges(t *testing.T) {
	m := NewMachine()
	m.Start(context.Background(), frameTransport(
		valuesEvent(map[string]any{"topic": "fraud"}),
		subgraphValuesEvent("collect", map[string]any{
			"sais_ui": map[string]any{"progress": "collecting"},
			"scratch": "ignored",
		}),
		subgraphValuesEvent("analyze", map[string]any{
			"sais_ui": map[string]any{"confidence": 0.7},
		}),
	))

	st := m.State()
	assert.Equal(t, "fraud", st.Values["topic"], "nested snapshot must not replace top-level values")
	assert.NotContains(t, st.Values, "scratch")

	ui := m.UIContext()
	assert.Equal(t, "collecting", ui["progress"], "contributions from multiple units accumulate")
	assert.Equal(t, 0.7, ui["confidence"])
}

func TestMachine_NewMessageSignal(t *testing.T) {
	m := NewMachine()
	signals := 0
	m.OnNewMessage(func() { signals++ })

	// no message growth: only the end-of-run catch-all fires
	m.Start(context.Background(), frameTransport(valuesEvent(map[string]any{"a": 1})))
	assert.Equal(t, 1, signals)

	// growth mid-run fires immediately, plus the catch-all
	signals = 0
	m.Start(context.Background(), frameTransport(
		valuesEvent(map[string]any{"messages": []any{map[string]any{"id": "m1"}}}),
	))
	assert.Equal(t, 2, signals)

	// same count again is not growth
	signals = 0
	m.Start(context.Background(), frameTransport(
		valuesEvent(map[string]any{"messages": []any{map[string]any{"id": "m1"}}}),
	))
	assert.Equal(t, 1, signals)
}

func TestMachine_ErrorEventRecorded(t *testing.T) {
	m := NewMachine()
	cancelled := m.Start(context.Background(), frameTransport(
		valuesEvent(map[string]any{"partial": true}),
		sse.Event{Event: "error", Data: sse.JSONPayload(map[string]any{"message": "graph exploded"})},
	))

	assert.False(t, cancelled)
	st := m.State()
	require.Error(t, st.Err)
	assert.Contains(t, st.Err.Error(), "graph exploded")
	assert.Equal(t, true, st.Values["partial"], "accumulated state stays visible next to the error")
}

func TestMachine_TransportErrorRecorded(t *testing.T) {
	m := NewMachine()
	transportErr := apperrors.New(apperrors.ErrCodeRunStream, "failed to start run",
		&apperrors.HTTPError{Status: http.StatusInternalServerError, Body: "boom"})

	cancelled := m.Start(context.Background(), failingTransport(transportErr))

	assert.False(t, cancelled)
	st := m.State()
	assert.ErrorIs(t, st.Err, transportErr)
	assert.False(t, st.IsLoading)
}

func TestMachine_StreamErrorRecorded(t *testing.T) {
	m := NewMachine()
	streamErr := errors.New("connection reset")

	m.Start(context.Background(), errorStream(streamErr, valuesEvent(map[string]any{"a": 1})))

	st := m.State()
	assert.ErrorIs(t, st.Err, streamErr)
	assert.Equal(t, float64(1), toF64(t, st.Values["a"]), "events before the drop are kept")
}

func TestMachine_RejoinGoneIsBenign(t *testing.T) {
	m := NewMachine()
	m.SetValues(map[string]any{"topic": "fraud"})

	goneErr := apperrors.New(apperrors.ErrCodeRunJoin, "failed to join run",
		&apperrors.HTTPError{Status: http.StatusNotFound})
	res := m.Rejoin(context.Background(), failingTransport(goneErr))

	assert.False(t, res.Cancelled)
	st := m.State()
	assert.NoError(t, st.Err, "a finished run is not an error")
	assert.False(t, st.IsLoading)
	assert.Equal(t, "fraud", st.Values["topic"], "previously fetched state is retained")
}

func TestMachine_RejoinGoneOnlyOnRejoin(t *testing.T) {
	m := NewMachine()
	goneErr := apperrors.New(apperrors.ErrCodeRunStream, "failed to start run",
		&apperrors.HTTPError{Status: http.StatusNotFound})

	m.Start(context.Background(), failingTransport(goneErr))

	assert.Error(t, m.State().Err, "a 404 on start is a real error")
}

func TestMachine_RejoinPreservesStateAndCounts(t *testing.T) {
	m := NewMachine()
	m.SetValues(map[string]any{
		"sais_ui":  map[string]any{"flow": "triage"},
		"messages": []any{map[string]any{"id": "m1"}},
	})

	res := m.Rejoin(context.Background(), frameTransport(
		valuesEvent(map[string]any{
			"messages": []any{map[string]any{"id": "m1"}, map[string]any{"id": "m2"}},
		}),
	))

	assert.False(t, res.Cancelled)
	assert.Equal(t, 1, res.EventCount)
	assert.Equal(t, map[string]any{"flow": "triage"}, m.UIContext())
}

func TestMachine_CustomEventsForwardedVerbatim(t *testing.T) {
	m := NewMachine()

	type custom struct {
		namespace string
		payload   sse.Payload
	}
	var received []custom
	m.OnCustomEvent(func(namespace string, payload sse.Payload) {
		received = append(received, custom{namespace, payload})
	})

	payload := sse.JSONPayload(map[string]any{"kind": "chart", "rows": []any{1.0, 2.0}})
	m.Start(context.Background(), frameTransport(
		sse.Event{Event: "custom", Data: payload},
		sse.Event{Event: "custom|enrich", Data: payload},
	))

	require.Len(t, received, 2)
	assert.Equal(t, "", received[0].namespace)
	assert.Equal(t, "enrich", received[1].namespace)
	assert.Equal(t, payload, received[0].payload)
	assert.Nil(t, m.State().Values, "custom events cause no state change")
}

func TestMachine_StopCancelsInFlightRun(t *testing.T) {
	m := NewMachine()
	blocking := func(ctx context.Context) (*Stream, error) {
		ch := make(chan sse.Event)
		errc := make(chan error, 1)
		go func() {
			<-ctx.Done()
			close(ch)
			close(errc)
		}()
		return New(ch, errc), nil
	}

	done := make(chan bool, 1)
	go func() { done <- m.Start(context.Background(), blocking) }()

	require.Eventually(t, func() bool { return m.State().IsLoading },
		2*time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop() // idempotent

	select {
	case cancelled := <-done:
		assert.True(t, cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	st := m.State()
	assert.False(t, st.IsLoading, "a cancelled run presents as no longer loading")
	assert.NoError(t, st.Err, "cancellation is not an error")
}

func TestMachine_CancellationRace(t *testing.T) {
	m := NewMachine()

	ch := make(chan sse.Event, 2)
	errc := make(chan error, 1)
	started := make(chan struct{})
	release := make(chan struct{})

	first := func(ctx context.Context) (*Stream, error) {
		go func() {
			ch <- valuesEvent(map[string]any{"phase": "first"})
			close(started)
			<-release
			ch <- valuesEvent(map[string]any{"phase": "stale", "poison": true})
			close(ch)
			close(errc)
		}()
		return New(ch, errc), nil
	}

	done := make(chan bool, 1)
	go func() { done <- m.Start(context.Background(), first) }()

	<-started
	require.Eventually(t, func() bool {
		st := m.State()
		return st.Values != nil && st.Values["phase"] == "first"
	}, 2*time.Second, 5*time.Millisecond)

	// second run takes over while the first is still blocked mid-stream
	cancelled := m.Start(context.Background(), frameTransport(
		valuesEvent(map[string]any{"phase": "second"}),
	))
	assert.False(t, cancelled)

	close(release)
	select {
	case firstCancelled := <-done:
		assert.True(t, firstCancelled, "superseded run reports cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("first run did not unwind")
	}

	st := m.State()
	assert.Equal(t, "second", st.Values["phase"], "only the second run is observable")
	assert.NotContains(t, st.Values, "poison")
	assert.False(t, st.IsLoading)
	assert.NoError(t, st.Err)
}

func TestMachine_SetValuesRefreshesCacheAndCount(t *testing.T) {
	m := NewMachine()
	signals := 0
	m.OnNewMessage(func() { signals++ })

	m.SetValues(map[string]any{
		"sais_ui":  map[string]any{"intent": "investigate"},
		"messages": []any{map[string]any{"id": "m1"}},
	})
	assert.Equal(t, 1, signals, "out-of-band growth signals like an event would")

	m.SetValues(nil)
	st := m.State()
	require.NotNil(t, st.Values, "cache backfills a nil assignment")
	assert.Equal(t, map[string]any{"intent": "investigate"}, st.Values[UIContextKey])
}

func TestMachine_ApplyOptimistic(t *testing.T) {
	m := NewMachine()
	m.SetValues(map[string]any{"messages": []any{}})

	m.ApplyOptimistic(func(values map[string]any) map[string]any {
		values["messages"] = []any{map[string]any{"id": "local"}}
		return values
	})

	st := m.State()
	msgs := st.Values["messages"].([]any)
	assert.Len(t, msgs, 1)
	assert.False(t, st.IsLoading, "optimistic updates never touch loading")
	assert.NoError(t, st.Err)
}

func TestMachine_ClearResetsEverything(t *testing.T) {
	m := NewMachine()
	m.Start(context.Background(), frameTransport(
		sse.Event{Event: "metadata", Data: sse.JSONPayload(map[string]any{"run_id": "run-1"})},
		valuesEvent(map[string]any{"sais_ui": map[string]any{"flow": "triage"}}),
	))

	m.Clear()

	st := m.State()
	assert.Nil(t, st.Values)
	assert.Empty(t, st.RunID)
	assert.NoError(t, st.Err)
	assert.Nil(t, m.UIContext(), "thread switch drops the cache")
}

func TestMachine_SubscriberPanicIsolated(t *testing.T) {
	m := NewMachine()

	secondCalled := false
	m.Subscribe(func(State) { panic("bad subscriber") })
	m.Subscribe(func(State) { secondCalled = true })

	m.SetValues(map[string]any{"a": 1})

	assert.True(t, secondCalled, "a panicking subscriber must not block the others")
}

func TestMachine_Metrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewMachine(WithMetrics(reg))

	m.Start(context.Background(), frameTransport(
		valuesEvent(map[string]any{"a": 1}),
		sse.Event{Event: "custom", Data: sse.JSONPayload(map[string]any{})},
	))

	families, err := reg.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	assert.True(t, found["sais_stream_events_total"])
	assert.True(t, found["sais_stream_runs_started_total"])
}

func toF64(t *testing.T, v any) float64 {
	t.Helper()
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		t.Fatalf("not numeric: %T", v)
		return 0
	}
}
