// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/user/pagewright/pkg/llm"
)

// Provider replays one scripted delta sequence per Stream call. Once Turns
// is used up every further call replays Repeat.
type Provider struct {
	Turns  [][]llm.Delta
	Repeat []llm.Delta

	// Err makes Stream fail without returning a channel.
	Err error

	// Hold, when set, delays every turn until it is closed or receives.
	Hold <-chan struct{}

	mu       sync.Mutex
	requests []llm.Request
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Delta, error) {
	p.mu.Lock()
	clone := *req
	clone.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, clone)
	idx := len(p.requests) - 1
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	deltas := p.Repeat
	if idx < len(p.Turns) {
		deltas = p.Turns[idx]
	}

	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		if p.Hold != nil {
			select {
			case <-p.Hold:
			case <-ctx.Done():
				return
			}
		}
		for _, d := range deltas {
			if !llm.Send(ctx, ch, d) {
				return
			}
		}
	}()
	return ch, nil
}

// Requests returns a copy of every request received so far.
func (p *Provider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

// Call is one scripted tool call.
type Call struct {
	ID   string
	Name string
	Args any
}

// TextTurn streams a single text block and ends the turn.
func TextTurn(text string) []llm.Delta {
	return []llm.Delta{
		{Type: llm.DeltaBlockStart, Index: 0, Block: llm.BlockText},
		{Type: llm.DeltaText, Index: 0, Text: text},
		{Type: llm.DeltaBlockStop, Index: 0},
		{Type: llm.DeltaStop, StopReason: llm.StopEndTurn},
	}
}

// ToolTurn streams one tool_use block per call and stops for tool use.
// Args is marshalled to JSON unless it already is a string, and arrives in
// two chunks the way providers split tool input.
func ToolTurn(calls ...Call) []llm.Delta {
	var out []llm.Delta
	for i, c := range calls {
		var args string
		switch v := c.Args.(type) {
		case string:
			args = v
		case nil:
			args = "{}"
		default:
			b, err := json.Marshal(v)
			if err != nil {
				panic(err)
			}
			args = string(b)
		}
		out = append(out,
			llm.Delta{Type: llm.DeltaBlockStart, Index: i, Block: llm.BlockToolUse, ID: c.ID, Name: c.Name},
			llm.Delta{Type: llm.DeltaToolInput, Index: i, Text: args[:len(args)/2]},
			llm.Delta{Type: llm.DeltaToolInput, Index: i, Text: args[len(args)/2:]},
			llm.Delta{Type: llm.DeltaBlockStop, Index: i},
		)
	}
	return append(out, llm.Delta{Type: llm.DeltaStop, StopReason: llm.StopToolUse})
}

// WithStop returns a copy of turn ending with reason instead.
func WithStop(turn []llm.Delta, reason llm.StopReason) []llm.Delta {
	out := append([]llm.Delta(nil), turn...)
	if n := len(out); n > 0 && out[n-1].Type == llm.DeltaStop {
		out[n-1].StopReason = reason
	}
	return out
}
