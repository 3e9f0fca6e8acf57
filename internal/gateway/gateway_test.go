package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pagewright/internal/bus"
	ctxengine "github.com/user/pagewright/internal/context"
	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/internal/runtime"
	"github.com/user/pagewright/internal/runtime/tools"
	"github.com/user/pagewright/internal/state"
	"github.com/user/pagewright/internal/types"
	"github.com/user/pagewright/pkg/llm"
	"github.com/user/pagewright/pkg/llm/llmtest"
)

const buttonCode = `export default function Button() {
  return <button className="px-4 py-2 rounded bg-blue-600 text-white">Click</button>
}`

type fixture struct {
	gw         *Gateway
	bus        *bus.Bus
	history    *state.JSONLHistory
	components *state.ComponentStore
}

func newFixture(t *testing.T, provider llm.Provider, maxConcurrent int64) *fixture {
	t.Helper()
	return newFixtureWithHistory(t, provider, maxConcurrent, nil)
}

// newFixtureWithHistory lets a test wrap the JSONL history the gateway
// persists to.
func newFixtureWithHistory(t *testing.T, provider llm.Provider, maxConcurrent int64, wrap func(types.HistoryStore) types.HistoryStore) *fixture {
	t.Helper()
	dir := t.TempDir()
	components := state.NewComponentStore(dir)
	history := state.NewJSONLHistory(dir)
	var store types.HistoryStore = history
	if wrap != nil {
		store = wrap(history)
	}

	registry := runtime.NewRegistry()
	require.NoError(t, registry.Register(tools.Components(components)...))
	rt := runtime.New(provider, registry, 10, 1024)

	engine, err := ctxengine.New("gpt-4", 200000, 8192, "")
	require.NoError(t, err)

	b := bus.New(bus.DefaultTTL)
	gw := New(b, rt, engine, store, components, maxConcurrent)
	gw.SetRetryPolicy(&RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond})
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)

	return &fixture{gw: gw, bus: b, history: history, components: components}
}

// gatedHistory holds every Save until release is closed.
type gatedHistory struct {
	types.HistoryStore
	release chan struct{}
	once    sync.Once
}

func (h *gatedHistory) open() { h.once.Do(func() { close(h.release) }) }

func (h *gatedHistory) Save(ctx context.Context, rec *types.TaskRecord) error {
	select {
	case <-h.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return h.HistoryStore.Save(ctx, rec)
}

func collect(t *testing.T, gw *Gateway, projectID types.ProjectID, since int64) []events.Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := gw.Stream(ctx, projectID, since)
	require.NoError(t, err)
	var out []events.Entry
	for entry := range ch {
		out = append(out, entry)
	}
	require.NoError(t, ctx.Err(), "stream did not end")
	return out
}

func count(entries []events.Entry, typ events.Type) int {
	n := 0
	for _, e := range entries {
		if e.Event.Type() == typ {
			n++
		}
	}
	return n
}

func TestGatewaySingleComponent(t *testing.T) {
	provider := &llmtest.Provider{Turns: [][]llm.Delta{
		llmtest.ToolTurn(llmtest.Call{ID: "t1", Name: "create_component", Args: map[string]string{"name": "Button", "code": buttonCode}}),
		llmtest.TextTurn("Added a button."),
	}}
	f := newFixture(t, provider, 2)

	handle, err := f.gw.Submit("site", "create a button")
	require.NoError(t, err)
	assert.Equal(t, types.ProjectID("site"), handle.ProjectID)
	assert.NotEmpty(t, handle.TaskID)

	entries := collect(t, f.gw, "site", 0)
	require.NotEmpty(t, entries)
	for i, e := range entries {
		assert.Equal(t, int64(i), e.Seq)
	}
	assert.Equal(t, 1, count(entries, events.TypeToolCall))
	assert.Equal(t, 1, count(entries, events.TypeToolResult))
	last := entries[len(entries)-1]
	complete, ok := last.Event.Data.(events.Complete)
	require.True(t, ok, "last event must be complete, got %s", last.Event.Type())
	assert.True(t, complete.Success)
	assert.Equal(t, "Added a button.", complete.Text)

	require.True(t, f.gw.WaitIdle(5*time.Second))
	snap, err := f.gw.Status("site")
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, snap.Status)
	assert.Equal(t, handle.TaskID, snap.TaskID)
	assert.Equal(t, len(entries), snap.EventCount)

	code, err := f.components.Read(context.Background(), "site", "Button")
	require.NoError(t, err)
	assert.Equal(t, buttonCode, code)

	rec, err := f.gw.Task(context.Background(), "site", handle.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, rec.Status)
	assert.Equal(t, "create a button", rec.Prompt)
	assert.Equal(t, 2, rec.Iterations)
	assert.Len(t, rec.Events, len(entries))
	require.NotEmpty(t, rec.Messages)
	assert.Equal(t, llm.RoleUser, rec.Messages[0].Role)
	assert.Equal(t, "create a button", rec.Messages[0].Content)

	list, err := f.gw.Components(context.Background(), "site")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Button", list[0].Name)
}

func TestGatewayRejectsConcurrentTask(t *testing.T) {
	hold := make(chan struct{})
	provider := &llmtest.Provider{Repeat: llmtest.TextTurn("ok"), Hold: hold}
	f := newFixture(t, provider, 2)

	first, err := f.gw.Submit("site", "first")
	require.NoError(t, err)

	_, err = f.gw.Submit("site", "second")
	assert.ErrorIs(t, err, types.ErrConflict)

	// The rejected request must not touch the running task.
	snap, err := f.gw.Status("site")
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, snap.TaskID)

	_, err = f.gw.Submit("other", "independent project")
	assert.NoError(t, err)

	close(hold)
	require.True(t, f.gw.WaitIdle(5*time.Second))

	next, err := f.gw.Submit("site", "third")
	require.NoError(t, err)
	assert.NotEqual(t, first.TaskID, next.TaskID)
}

func TestGatewayConflictWhileSaving(t *testing.T) {
	gate := &gatedHistory{release: make(chan struct{})}
	f := newFixtureWithHistory(t, &llmtest.Provider{Repeat: llmtest.TextTurn("ok")}, 1,
		func(h types.HistoryStore) types.HistoryStore {
			gate.HistoryStore = h
			return gate
		})
	t.Cleanup(gate.open)

	first, err := f.gw.Submit("site", "first")
	require.NoError(t, err)
	collect(t, f.gw, "site", 0)

	snap, err := f.gw.Status("site")
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, snap.Status)

	_, err = f.gw.Submit("site", "second")
	require.ErrorIs(t, err, types.ErrConflict)
	assert.Contains(t, err.Error(), "still being saved")
	assert.Contains(t, err.Error(), string(first.TaskID))

	gate.open()
	require.True(t, f.gw.WaitIdle(5*time.Second))
	_, err = f.gw.Submit("site", "second")
	assert.NoError(t, err)
}

func TestGatewayMalformedToolArgumentsPersist(t *testing.T) {
	provider := &llmtest.Provider{Turns: [][]llm.Delta{
		llmtest.ToolTurn(llmtest.Call{ID: "t1", Name: "list_components", Args: `{"x":`}),
		llmtest.TextTurn("done"),
	}, Repeat: llmtest.TextTurn("again")}
	f := newFixture(t, provider, 1)

	handle, err := f.gw.Submit("site", "list things")
	require.NoError(t, err)
	entries := collect(t, f.gw, "site", 0)
	require.True(t, f.gw.WaitIdle(5*time.Second))

	for _, e := range entries {
		_, err := json.Marshal(e)
		assert.NoError(t, err, "seq %d (%s) must encode", e.Seq, e.Event.Type())
	}
	result := entries[slices.IndexFunc(entries, func(e events.Entry) bool {
		return e.Event.Type() == events.TypeToolResult
	})].Event.Data.(events.ToolResult)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not valid JSON")

	rec, err := f.gw.Task(context.Background(), "site", handle.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusComplete, rec.Status)
	assert.Len(t, rec.Events, len(entries))

	// the saved conversation seeds the next task
	_, err = f.gw.Submit("site", "and again")
	require.NoError(t, err)
	collect(t, f.gw, "site", 0)
	require.True(t, f.gw.WaitIdle(5*time.Second))

	requests := provider.Requests()
	require.Len(t, requests, 3)
	seeded := requests[2].Messages
	require.Len(t, seeded, 4)
	assert.Equal(t, "list things", seeded[0].Content)
	require.Len(t, seeded[1].ToolCalls, 1)
	assert.Equal(t, llm.ToolCallFailed, seeded[1].ToolCalls[0].Status)
	assert.Equal(t, "and again", seeded[3].Content)
}

func TestGatewayGenerateInteraction(t *testing.T) {
	provider := &llmtest.Provider{Turns: [][]llm.Delta{
		llmtest.TextTurn(`{"handlerName":"handleSubmit","code":"const handleSubmit = () => {}","state":[]}`),
	}}
	f := newFixture(t, provider, 1)

	got, err := f.gw.GenerateInteraction(context.Background(), runtime.InteractionRequest{
		ComponentID: "form-1", ComponentName: "Signup", Description: "submit the form", EventType: "onSubmit",
	})
	require.NoError(t, err)
	assert.Equal(t, "handleSubmit", got.HandlerName)
	assert.Equal(t, "onSubmit", got.Type)

	// nothing is buffered or persisted for a one-shot call
	snap, err := f.gw.Status("form-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, snap.Status)
}

func TestGatewaySubmitValidation(t *testing.T) {
	f := newFixture(t, &llmtest.Provider{Repeat: llmtest.TextTurn("ok")}, 1)

	_, err := f.gw.Submit("site", "   ")
	assert.ErrorIs(t, err, types.ErrBadParameter)

	_, err = f.gw.Submit("../etc", "hello")
	assert.ErrorIs(t, err, types.ErrBadParameter)

	_, err = f.gw.Stream(context.Background(), "nothing-here", 0)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = f.gw.Stream(context.Background(), "site", -1)
	assert.ErrorIs(t, err, types.ErrBadParameter)

	snap, err := f.gw.Status("never-used")
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, snap.Status)
}

func TestGatewayNotStarted(t *testing.T) {
	gw := New(bus.New(bus.DefaultTTL), nil, nil, nil, nil)
	_, err := gw.Submit("site", "hello")
	assert.ErrorIs(t, err, types.ErrInternal)
}

func TestGatewaySeedsConversation(t *testing.T) {
	provider := &llmtest.Provider{Repeat: llmtest.TextTurn("done")}
	f := newFixture(t, provider, 1)

	_, err := f.gw.Submit("site", "first prompt")
	require.NoError(t, err)
	collect(t, f.gw, "site", 0)
	require.True(t, f.gw.WaitIdle(5*time.Second))

	_, err = f.gw.Submit("site", "second prompt")
	require.NoError(t, err)
	collect(t, f.gw, "site", 0)
	require.True(t, f.gw.WaitIdle(5*time.Second))

	requests := provider.Requests()
	require.Len(t, requests, 2)
	msgs := requests[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "first prompt", msgs[0].Content)
	assert.Equal(t, "done", msgs[1].Content)
	assert.Equal(t, "second prompt", msgs[2].Content)
	assert.Contains(t, requests[1].System, "Project: site")
	assert.NotEmpty(t, requests[1].Tools)

	records, err := f.gw.History(context.Background(), "site", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "second prompt", records[0].Prompt)
}

func TestGatewayProviderFailure(t *testing.T) {
	provider := &llmtest.Provider{Err: errors.New("connection refused")}
	f := newFixture(t, provider, 1)

	handle, err := f.gw.Submit("site", "create a button")
	require.NoError(t, err)

	entries := collect(t, f.gw, "site", 0)
	require.NotEmpty(t, entries)
	assert.Equal(t, events.TypeError, entries[len(entries)-1].Event.Type())
	assert.Equal(t, 1, count(entries, events.TypeError))

	require.True(t, f.gw.WaitIdle(5*time.Second))
	snap, _ := f.gw.Status("site")
	assert.Equal(t, types.StatusError, snap.Status)
	assert.Contains(t, snap.Error, "connection refused")

	rec, err := f.history.Get(context.Background(), "site", handle.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, rec.Status)
}

func TestGatewayShutdownPersistsInterruptedTask(t *testing.T) {
	hold := make(chan struct{})
	provider := &llmtest.Provider{Repeat: llmtest.TextTurn("never"), Hold: hold}
	f := newFixture(t, provider, 1)

	handle, err := f.gw.Submit("site", "long task")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, _ := f.gw.Status("site")
		return snap.Status == types.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	f.gw.Stop()

	snap, _ := f.gw.Status("site")
	assert.Equal(t, types.StatusError, snap.Status)

	rec, err := f.history.Get(context.Background(), "site", handle.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, rec.Status)
	require.NotEmpty(t, rec.Events)
	assert.Equal(t, events.TypeError, rec.Events[len(rec.Events)-1].Event.Type())

	_, err = f.gw.Submit("site", "after shutdown")
	assert.ErrorIs(t, err, types.ErrInternal)
}

func TestGatewayConcurrencyLimit(t *testing.T) {
	hold := make(chan struct{})
	provider := &llmtest.Provider{Repeat: llmtest.TextTurn("ok"), Hold: hold}
	f := newFixture(t, provider, 1)

	_, err := f.gw.Submit("a", "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, _ := f.gw.Status("a")
		return snap.Status == types.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	_, err = f.gw.Submit("b", "second")
	require.NoError(t, err)
	snap, _ := f.gw.Status("b")
	assert.Equal(t, types.StatusIdle, snap.Status, "second project waits for a free engine slot")

	close(hold)
	require.True(t, f.gw.WaitIdle(5*time.Second))
	for _, p := range []types.ProjectID{"a", "b"} {
		snap, _ := f.gw.Status(p)
		assert.Equal(t, types.StatusComplete, snap.Status)
	}
}
