package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWireShape(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	ev := Event{Message: "calling create_component", Time: at, Data: ToolCall{
		ID:   "toolu_1",
		Name: "create_component",
		Args: json.RawMessage(`{"name":"Button"}`),
	}}

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "tool_call",
		"message": "calling create_component",
		"timestampMs": 1700000000123,
		"data": {"id": "toolu_1", "name": "create_component", "args": {"name": "Button"}}
	}`, string(b))
}

func TestEntryRoundTrip(t *testing.T) {
	entry := Entry{Seq: 7, Event: New(ToolResult{
		ID:         "toolu_1",
		Name:       "create_component",
		Success:    true,
		Output:     "created",
		SideEffect: &SideEffect{Kind: "component", Payload: json.RawMessage(`{"name":"Button","lineCount":12}`)},
	}, "tool %s finished", "create_component")}

	b, err := json.Marshal(entry)
	require.NoError(t, err)

	var got Entry
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, int64(7), got.Seq)
	assert.Equal(t, TypeToolResult, got.Event.Type())
	assert.Equal(t, "tool create_component finished", got.Event.Message)

	res, ok := got.Event.Data.(ToolResult)
	require.True(t, ok, "expected ToolResult value, got %T", got.Event.Data)
	assert.True(t, res.Success)
	require.NotNil(t, res.SideEffect)
	assert.Equal(t, "component", res.SideEffect.Kind)
	assert.JSONEq(t, `{"name":"Button","lineCount":12}`, string(res.SideEffect.Payload))
}

func TestUnknownTypePassesThrough(t *testing.T) {
	raw := `{"seq":3,"type":"canvas_update","message":"moved","timestampMs":5,"data":{"x":10,"y":20}}`

	var entry Entry
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.Equal(t, Type("canvas_update"), entry.Event.Type())

	u, ok := entry.Event.Data.(Unknown)
	require.True(t, ok)
	assert.JSONEq(t, `{"x":10,"y":20}`, string(u.Raw))

	b, err := json.Marshal(entry)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(b))
}

func TestUnknownFieldsTolerated(t *testing.T) {
	raw := `{"type":"complete","message":"done","timestampMs":1,"data":{"success":true,"reason":"end_turn","iterations":2,"future":"x"}}`

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	c, ok := ev.Data.(Complete)
	require.True(t, ok)
	assert.True(t, c.Success)
	assert.Equal(t, 2, c.Iterations)
	assert.True(t, ev.Terminal())
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		data Data
		want bool
	}{
		{TurnStart{Iteration: 1}, false},
		{TextDelta{Text: "hi"}, false},
		{ToolResult{ID: "x"}, false},
		{Complete{Success: true}, true},
		{Error{Error: "boom"}, true},
		{Unknown{Kind: "other"}, false},
	}
	for _, tt := range tests {
		ev := New(tt.data, "")
		if got := ev.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, want %v", ev.Type(), got, tt.want)
		}
	}
}
