package llm

import "encoding/json"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message in a conversation.
//
// Assistant messages carry the tool calls the model requested. Once a call
// has been executed its Status and Result are filled in, and providers
// replay them as tool results on the following turn.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ThinkingBlocks keeps each signed reasoning block of the turn apart;
	// a signature is only valid for the text it was issued with. Thinking
	// holds their joined text.
	ThinkingBlocks []ThinkingBlock `json:"thinking_blocks,omitempty"`
}

// ThinkingBlock is one reasoning block of an assistant turn.
type ThinkingBlock struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ToolCallStatus records the outcome of an executed tool call.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = ""
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallFailed  ToolCallStatus = "error"
)

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Status    ToolCallStatus  `json:"status,omitempty"`
	Result    string          `json:"result,omitempty"`
}

// Tool describes a tool that can be provided to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is a single streaming turn sent to a provider.
type Request struct {
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []Tool    `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// BlockType identifies the kind of content block being streamed.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolUse  BlockType = "tool_use"
)

// StopReason is the provider's reason for ending a turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopSequence  StopReason = "stop_sequence"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// DeltaType identifies a streaming update.
type DeltaType string

const (
	DeltaBlockStart DeltaType = "block_start"
	DeltaText       DeltaType = "text"
	DeltaThinking   DeltaType = "thinking"
	DeltaSignature  DeltaType = "signature"
	DeltaToolInput  DeltaType = "tool_input"
	DeltaBlockStop  DeltaType = "block_stop"
	DeltaStop       DeltaType = "stop"
	DeltaError      DeltaType = "error"
)

// Delta represents an incremental update during streaming. Content arrives
// per block index, and blocks of different kinds may interleave.
type Delta struct {
	Type       DeltaType  `json:"type"`
	Index      int        `json:"index"`
	Block      BlockType  `json:"block,omitempty"`
	ID         string     `json:"id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Text       string     `json:"text,omitempty"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
	Err        error      `json:"-"`
}

// UserMessage returns a plain user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// HasToolCalls reports whether the message requested any tools.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}
