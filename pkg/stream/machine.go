package stream

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	saiserrors "github.com/sais-dev/sais/go/pkg/errors"
	"github.com/sais-dev/sais/go/pkg/sse"
)

const (
	// UIContextKey is the sub-object of thread values carrying
	// presentation-level state contributed by the backend graph.
	UIContextKey = "sais_ui"

	// interruptKey marks a values payload as an interrupt snapshot. The
	// backend sets it when a run pauses awaiting external input.
	interruptKey = "__interrupt__"

	messagesKey = "messages"
	runIDKey    = "run_id"
)

// State is the authoritative client-side view of one thread's run, as
// observed by subscribers. Values includes the cached UI context when the
// live values do not carry one themselves.
type State struct {
	Values    map[string]any
	IsLoading bool
	Err       error
	RunID     string
}

// RejoinResult reports how a Rejoin ended.
type RejoinResult struct {
	Cancelled  bool
	EventCount int
}

// runToken identifies one consumption. Finalizers compare their own token
// against the machine's active one so a superseded run never commits results
// over newer state.
type runToken struct {
	cancel context.CancelFunc
}

// Machine consumes decoded stream events and maintains the session state for
// one thread view. Each thread view owns its own instance; all mutation goes
// through event processing or the documented setters.
type Machine struct {
	log     logr.Logger
	metrics *machineMetrics

	mu           sync.Mutex
	values       map[string]any
	loading      bool
	err          error
	runID        string
	uiContext    map[string]any
	msgCount     int
	active       *runToken
	subscribers  []func(State)
	onCustom     func(namespace string, payload sse.Payload)
	onNewMessage func()
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for subscriber failures and discarded
// events. The default discards everything.
func WithLogger(log logr.Logger) Option {
	return func(m *Machine) {
		m.log = log
	}
}

// WithMetrics registers stream counters on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Machine) {
		m.metrics = newMachineMetrics(reg)
	}
}

// NewMachine creates an idle machine with empty state.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{log: logr.Discard()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn to be called synchronously after every meaningful
// state change. A panicking subscriber is logged and does not prevent the
// others from running.
func (m *Machine) Subscribe(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// OnCustomEvent registers the callback that receives in-band application
// events. They are forwarded verbatim and cause no state change.
func (m *Machine) OnCustomEvent(fn func(namespace string, payload sse.Payload)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCustom = fn
}

// OnNewMessage registers the callback invoked when the backend may have new
// messages to fetch. Message bodies are never extracted from stream events;
// callers re-fetch them through the thread client.
func (m *Machine) OnNewMessage(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNewMessage = fn
}

// Start begins consuming a new run. Any in-flight consumption is cancelled
// first; the error is reset and the loading flag set. Start blocks until the
// stream ends and reports whether this consumption was cancelled rather than
// run to completion, so callers can tell "I aborted this" from "the backend
// finished".
func (m *Machine) Start(ctx context.Context, transport Transport) bool {
	return m.consume(ctx, transport, false).Cancelled
}

// Rejoin resumes visibility into an already-running backend run. Unlike
// Start it never discards current values or the UI-context cache, and a
// rejoin target that is gone (404/410) counts as a completed run rather than
// an error.
func (m *Machine) Rejoin(ctx context.Context, transport Transport) RejoinResult {
	return m.consume(ctx, transport, true)
}

// Stop cancels the in-flight consumption, if any. Idempotent.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.cancel()
	}
}

// SetValues assigns values obtained out-of-band, e.g. a REST state fetch on
// mount. The UI-context cache and last-known message count refresh exactly
// as they would for an event-driven update.
func (m *Machine) SetValues(values map[string]any) {
	m.mu.Lock()
	m.values = values
	m.refreshUIContextLocked()
	newMessage := values != nil && m.bumpMessageCountLocked(values)
	m.mu.Unlock()

	m.notify()
	if newMessage {
		m.signalNewMessage()
	}
}

// ApplyOptimistic synchronously transforms current values before a run
// starts, for immediate feedback. Loading and error state are untouched.
func (m *Machine) ApplyOptimistic(update func(map[string]any) map[string]any) {
	m.mu.Lock()
	m.values = update(m.values)
	m.mu.Unlock()
	m.notify()
}

// Clear cancels in-flight work and resets everything, including the
// UI-context cache. Only thread switches call this; transient gaps between
// runs must not.
func (m *Machine) Clear() {
	m.mu.Lock()
	if m.active != nil {
		m.active.cancel()
		m.active = nil
	}
	m.values = nil
	m.uiContext = nil
	m.err = nil
	m.runID = ""
	m.msgCount = 0
	m.loading = false
	m.mu.Unlock()
	m.notify()
}

// State returns the current session state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// UIContext returns the effective UI context: the live values' own
// sub-object when present and non-empty, otherwise the cached one.
func (m *Machine) UIContext() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values != nil {
		if ui, ok := m.values[UIContextKey].(map[string]any); ok && len(ui) > 0 {
			return ui
		}
	}
	return m.uiContext
}

func (m *Machine) consume(ctx context.Context, transport Transport, rejoin bool) RejoinResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	token := &runToken{cancel: cancel}

	m.mu.Lock()
	if m.active != nil {
		m.active.cancel()
	}
	m.active = token
	m.err = nil
	m.loading = true
	m.mu.Unlock()
	m.notify()
	m.metrics.runStarted(rejoin)

	var count int
	err := func() error {
		s, err := transport(runCtx)
		if err != nil {
			return err
		}
		for ev := range s.Events() {
			if runCtx.Err() != nil {
				break
			}
			m.process(ev, token)
			count++
		}
		return s.Err()
	}()

	cancelled := runCtx.Err() != nil

	m.mu.Lock()
	if m.active != token {
		// a newer operation took over while we were unwinding
		m.mu.Unlock()
		return RejoinResult{Cancelled: cancelled, EventCount: count}
	}
	m.active = nil
	m.loading = false
	if err != nil && !cancelled {
		if rejoin && saiserrors.IsGone(err) {
			// the backend run already finished; keep what we have
			m.log.V(1).Info("rejoin target gone, treating as completed run")
		} else {
			m.err = err
			m.metrics.errored()
		}
	}
	m.mu.Unlock()

	m.notify()
	// dependent message fetchers get one last chance to resync, no matter
	// how the run ended
	m.signalNewMessage()

	return RejoinResult{Cancelled: cancelled, EventCount: count}
}

func (m *Machine) process(ev sse.Event, token *runToken) {
	tag := ParseTag(ev.Event)
	m.metrics.event(tag.Kind)

	var (
		changed    bool
		newMessage bool
		custom     func()
	)

	m.mu.Lock()
	if m.active != token {
		m.mu.Unlock()
		return
	}
	switch tag.Kind {
	case KindError:
		m.err = saiserrors.New(saiserrors.ErrCodeRunFailed, errorMessage(ev.Data), nil)
		changed = true

	case KindMetadata:
		if payload, ok := ev.Data.Map(); ok {
			if id, ok := payload[runIDKey].(string); ok && id != "" && id != m.runID {
				m.runID = id
				changed = true
			}
		}

	case KindValues:
		payload, ok := ev.Data.Map()
		if !ok {
			m.log.V(1).Info("discarding non-object values payload", "namespace", tag.Namespace)
			break
		}
		if tag.Namespace == "" {
			m.applyValuesLocked(payload)
		} else {
			m.applySubgraphValuesLocked(payload)
		}
		newMessage = m.bumpMessageCountLocked(payload)
		changed = true

	case KindCustom:
		if cb := m.onCustom; cb != nil {
			namespace, data := tag.Namespace, ev.Data
			custom = func() { cb(namespace, data) }
		}

	case KindEnd:
		// finalization happens when the consume loop unwinds

	default:
		m.log.V(1).Info("ignoring unrecognized event", "event", ev.Event)
	}
	m.mu.Unlock()

	if custom != nil {
		custom()
	}
	if changed {
		m.notify()
	}
	if newMessage {
		m.signalNewMessage()
	}
}

// applyValuesLocked handles a top-level snapshot. An interrupt snapshot is
// shallow-merged over existing values so it cannot erase previously
// accumulated state; anything else replaces values wholesale.
func (m *Machine) applyValuesLocked(payload map[string]any) {
	if _, interrupted := payload[interruptKey]; interrupted && m.values != nil {
		merged := make(map[string]any, len(m.values)+len(payload))
		maps.Copy(merged, m.values)
		maps.Copy(merged, payload)
		m.values = merged
	} else {
		m.values = payload
	}
	m.refreshUIContextLocked()
}

// applySubgraphValuesLocked handles a nested execution unit's snapshot. Only
// its UI-context contribution is taken, merged over what other units have
// already contributed; top-level values are never replaced from here.
func (m *Machine) applySubgraphValuesLocked(payload map[string]any) {
	ui, ok := payload[UIContextKey].(map[string]any)
	if !ok || len(ui) == 0 {
		return
	}
	merged := make(map[string]any, len(m.uiContext)+len(ui))
	maps.Copy(merged, m.uiContext)
	maps.Copy(merged, ui)
	m.uiContext = merged
	if m.values != nil {
		values := maps.Clone(m.values)
		values[UIContextKey] = merged
		m.values = values
	}
}

// refreshUIContextLocked replaces the cache with the live values' UI context
// when it is non-empty. The cache is never cleared here; only Clear does
// that.
func (m *Machine) refreshUIContextLocked() {
	if m.values == nil {
		return
	}
	if ui, ok := m.values[UIContextKey].(map[string]any); ok && len(ui) > 0 {
		m.uiContext = ui
	}
}

func (m *Machine) bumpMessageCountLocked(payload map[string]any) bool {
	msgs, ok := payload[messagesKey].([]any)
	if !ok || len(msgs) <= m.msgCount {
		return false
	}
	m.msgCount = len(msgs)
	return true
}

func (m *Machine) stateLocked() State {
	return State{
		Values:    m.effectiveValuesLocked(),
		IsLoading: m.loading,
		Err:       m.err,
		RunID:     m.runID,
	}
}

// effectiveValuesLocked applies the cache-fallback read contract: readers
// never observe previously known UI context disappearing in the gap between
// one run ending and the next beginning.
func (m *Machine) effectiveValuesLocked() map[string]any {
	if m.values == nil {
		if len(m.uiContext) == 0 {
			return nil
		}
		return map[string]any{UIContextKey: m.uiContext}
	}
	if len(m.uiContext) == 0 {
		return m.values
	}
	if ui, ok := m.values[UIContextKey].(map[string]any); ok && len(ui) > 0 {
		return m.values
	}
	merged := maps.Clone(m.values)
	merged[UIContextKey] = m.uiContext
	return merged
}

func (m *Machine) notify() {
	m.mu.Lock()
	st := m.stateLocked()
	subs := slices.Clone(m.subscribers)
	m.mu.Unlock()
	for _, fn := range subs {
		m.notifyOne(fn, st)
	}
}

func (m *Machine) notifyOne(fn func(State), st State) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(fmt.Errorf("%v", r), "subscriber panicked")
		}
	}()
	fn(st)
}

func (m *Machine) signalNewMessage() {
	m.mu.Lock()
	cb := m.onNewMessage
	m.mu.Unlock()
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(fmt.Errorf("%v", r), "new-message callback panicked")
		}
	}()
	cb()
}

func errorMessage(data sse.Payload) string {
	if payload, ok := data.Map(); ok {
		if msg, ok := payload["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if text := data.Text(); text != "" {
		return text
	}
	return "run failed"
}
