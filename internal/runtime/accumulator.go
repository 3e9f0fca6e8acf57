package runtime

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/user/pagewright/pkg/llm"
)

type block struct {
	kind      llm.BlockType
	id, name  string
	text      strings.Builder
	signature strings.Builder
	closed    bool
	args      json.RawMessage
	badArgs   string
}

// accumulator assembles one streamed assistant turn. Content arrives keyed
// by block index and different blocks may interleave.
type accumulator struct {
	blocks map[int]*block
}

func newAccumulator() *accumulator {
	return &accumulator{blocks: make(map[int]*block)}
}

func (a *accumulator) get(index int, kind llm.BlockType) *block {
	b, ok := a.blocks[index]
	if !ok {
		b = &block{kind: kind}
		a.blocks[index] = b
	}
	return b
}

func (a *accumulator) start(d llm.Delta) {
	b := a.get(d.Index, d.Block)
	b.kind = d.Block
	if d.ID != "" {
		b.id = d.ID
	}
	if d.Name != "" {
		b.name = d.Name
	}
}

func (a *accumulator) add(d llm.Delta) {
	switch d.Type {
	case llm.DeltaText:
		a.get(d.Index, llm.BlockText).text.WriteString(d.Text)
	case llm.DeltaThinking:
		a.get(d.Index, llm.BlockThinking).text.WriteString(d.Text)
	case llm.DeltaSignature:
		a.get(d.Index, llm.BlockThinking).signature.WriteString(d.Text)
	case llm.DeltaToolInput:
		a.get(d.Index, llm.BlockToolUse).text.WriteString(d.Text)
	}
}

// stop finalizes a block. Tool arguments are parsed here, once complete.
// Input that is not a JSON object is kept aside and replaced by {} so the
// conversation stays encodable.
func (a *accumulator) stop(index int) {
	b, ok := a.blocks[index]
	if !ok || b.closed {
		return
	}
	b.closed = true
	if b.kind != llm.BlockToolUse {
		return
	}
	raw := strings.TrimSpace(b.text.String())
	if raw == "" {
		raw = "{}"
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		b.badArgs = raw
		raw = "{}"
	}
	b.args = json.RawMessage(raw)
}

// message returns the assembled assistant message in block order. Tool
// calls whose block never closed are dropped. The second return maps the
// IDs of calls whose arguments were not a JSON object to the text the
// model actually sent.
func (a *accumulator) message() (llm.Message, map[string]string) {
	indexes := make([]int, 0, len(a.blocks))
	for i := range a.blocks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	msg := llm.Message{Role: llm.RoleAssistant}
	var text, thinking strings.Builder
	var bad map[string]string
	for _, i := range indexes {
		b := a.blocks[i]
		switch b.kind {
		case llm.BlockThinking:
			thinking.WriteString(b.text.String())
			msg.ThinkingBlocks = append(msg.ThinkingBlocks, llm.ThinkingBlock{
				Text:      b.text.String(),
				Signature: b.signature.String(),
			})
		case llm.BlockToolUse:
			if !b.closed {
				continue
			}
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: b.id, Name: b.name, Arguments: b.args})
			if b.badArgs != "" {
				if bad == nil {
					bad = make(map[string]string)
				}
				bad[b.id] = b.badArgs
			}
		default:
			text.WriteString(b.text.String())
		}
	}
	msg.Content = text.String()
	msg.Thinking = thinking.String()
	return msg, bad
}
