// Package events defines the stream events produced by a generation task
// and their wire encoding.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates the Data carried by an Event.
type Type string

const (
	TypeTurnStart     Type = "turn_start"
	TypeThinkingDelta Type = "thinking_delta"
	TypeTextDelta     Type = "text_delta"
	TypeToolCall      Type = "tool_call"
	TypeToolResult    Type = "tool_result"
	TypeComplete      Type = "complete"
	TypeError         Type = "error"
)

// Data is the type-specific payload of an Event.
type Data interface {
	EventType() Type
}

type TurnStart struct {
	Iteration     int `json:"iteration"`
	MaxIterations int `json:"maxIterations"`
}

type ThinkingDelta struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type TextDelta struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult reports one executed tool call. Forced is set when an artifact
// was accepted without passing validation.
type ToolResult struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Success    bool        `json:"success"`
	Output     string      `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	Forced     bool        `json:"forced,omitempty"`
	SideEffect *SideEffect `json:"sideEffect,omitempty"`
}

// SideEffect is a structured tool side effect, keyed by kind.
type SideEffect struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Complete is the terminal event of a task that ran to a stop. Success is
// false only when the iteration budget ran out.
type Complete struct {
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
	Text       string `json:"text,omitempty"`
	Iterations int    `json:"iterations"`
}

// Error is the terminal event of a task whose provider failed.
type Error struct {
	Error     string `json:"error"`
	Iteration int    `json:"iteration,omitempty"`
}

// Unknown preserves events of a type this build does not know about.
type Unknown struct {
	Kind Type
	Raw  json.RawMessage
}

func (TurnStart) EventType() Type     { return TypeTurnStart }
func (ThinkingDelta) EventType() Type { return TypeThinkingDelta }
func (TextDelta) EventType() Type     { return TypeTextDelta }
func (ToolCall) EventType() Type      { return TypeToolCall }
func (ToolResult) EventType() Type    { return TypeToolResult }
func (Complete) EventType() Type      { return TypeComplete }
func (Error) EventType() Type         { return TypeError }
func (u Unknown) EventType() Type     { return u.Kind }

// Reasons carried by Complete.
const (
	ReasonEndTurn       = "end_turn"
	ReasonMaxIterations = "max_iterations"
)

// Event is one entry produced by the turn engine.
type Event struct {
	Message string
	Time    time.Time
	Data    Data
}

// New returns an event stamped with the current time.
func New(data Data, format string, args ...any) Event {
	return Event{
		Message: fmt.Sprintf(format, args...),
		Time:    time.Now(),
		Data:    data,
	}
}

// Type returns the event's discriminator.
func (e Event) Type() Type {
	if e.Data == nil {
		return ""
	}
	return e.Data.EventType()
}

// Terminal reports whether the event ends a task.
func (e Event) Terminal() bool {
	switch e.Data.(type) {
	case Complete, *Complete, Error, *Error:
		return true
	}
	return false
}

// Entry is an event with its position in a project's log.
type Entry struct {
	Seq   int64
	Event Event
}

type wireEvent struct {
	Type        Type            `json:"type"`
	Message     string          `json:"message"`
	TimestampMs int64           `json:"timestampMs"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type wireEntry struct {
	Seq int64 `json:"seq"`
	wireEvent
}

func (e Event) wire() (wireEvent, error) {
	w := wireEvent{
		Type:        e.Type(),
		Message:     e.Message,
		TimestampMs: e.Time.UnixMilli(),
	}
	switch d := e.Data.(type) {
	case nil:
	case Unknown:
		w.Data = d.Raw
	case *Unknown:
		w.Data = d.Raw
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return w, fmt.Errorf("encoding %s data: %w", w.Type, err)
		}
		w.Data = raw
	}
	return w, nil
}

func (e *Event) fromWire(w wireEvent) error {
	e.Message = w.Message
	e.Time = time.UnixMilli(w.TimestampMs)

	data, err := decodeData(w.Type, w.Data)
	if err != nil {
		return err
	}
	e.Data = data
	return nil
}

func decodeData(t Type, raw json.RawMessage) (Data, error) {
	var data Data
	switch t {
	case TypeTurnStart:
		data = &TurnStart{}
	case TypeThinkingDelta:
		data = &ThinkingDelta{}
	case TypeTextDelta:
		data = &TextDelta{}
	case TypeToolCall:
		data = &ToolCall{}
	case TypeToolResult:
		data = &ToolResult{}
	case TypeComplete:
		data = &Complete{}
	case TypeError:
		data = &Error{}
	default:
		return Unknown{Kind: t, Raw: raw}, nil
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, data); err != nil {
			return nil, fmt.Errorf("decoding %s data: %w", t, err)
		}
	}
	return deref(data), nil
}

// deref stores concrete payloads by value so type switches see one form.
func deref(d Data) Data {
	switch v := d.(type) {
	case *TurnStart:
		return *v
	case *ThinkingDelta:
		return *v
	case *TextDelta:
		return *v
	case *ToolCall:
		return *v
	case *ToolResult:
		return *v
	case *Complete:
		return *v
	case *Error:
		return *v
	}
	return d
}

func (e Event) MarshalJSON() ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	return e.fromWire(w)
}

func (e Entry) MarshalJSON() ([]byte, error) {
	w, err := e.Event.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEntry{Seq: e.Seq, wireEvent: w})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var w wireEntry
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Seq = w.Seq
	return e.Event.fromWire(w.wireEvent)
}
