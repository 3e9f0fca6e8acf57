package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	client "github.com/mutablelogic/go-client"
	"github.com/user/pagewright/pkg/llm"
)

// Block indexes assigned to the chat-completions stream, which has no
// content-block framing of its own. Tool call i streams at toolIndex+i.
const (
	thinkingIndex = 0
	textIndex     = 1
	toolIndex     = 2
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	*client.Client
	config llm.Config
}

var _ llm.Provider = (*Client)(nil)

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config, opts ...client.ClientOpt) (*Client, error) {
	opts = append(opts,
		client.OptEndpoint(config.BaseURL),
		client.OptReqToken(client.Token{Scheme: client.Bearer, Value: config.APIKey}),
	)
	c, err := client.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{Client: c, config: *config}, nil
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []requestMessage `json:"messages"`
	Tools         []requestTool    `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float32         `json:"temperature,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type requestTool struct {
	Type     string          `json:"type"`
	Function requestFunction `json:"function"`
}

type requestFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// requestMessage is the OpenAI message format for requests.
type requestMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []requestToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

type requestToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

// functionCall carries arguments as a JSON-encoded string.
type functionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// chunk is one streamed chat completion chunk.
type chunk struct {
	Choices []chunkChoice  `json:"choices"`
	Usage   *responseUsage `json:"usage,omitempty"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

type chunkDelta struct {
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []chunkToolCall `json:"tool_calls,omitempty"`
}

type chunkToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Function functionCall `json:"function"`
}

// responseUsage is the OpenAI token usage format.
type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Stream sends a streaming chat completion request. Chunks are translated
// into block deltas: reasoning, text and each tool call get their own index.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Delta, error) {
	payload, err := client.NewJSONRequest(c.request(req))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)

		var (
			open     = map[int]bool{}
			finish   string
			usage    llm.Usage
			finished bool
		)
		send := func(d llm.Delta) error {
			if !llm.Send(ctx, ch, d) {
				return ctx.Err()
			}
			return nil
		}
		start := func(d llm.Delta) error {
			if open[d.Index] {
				return nil
			}
			open[d.Index] = true
			d.Type = llm.DeltaBlockStart
			return send(d)
		}
		done := func() error {
			if finished {
				return nil
			}
			finished = true
			indexes := make([]int, 0, len(open))
			for i := range open {
				indexes = append(indexes, i)
			}
			sort.Ints(indexes)
			for _, i := range indexes {
				if err := send(llm.Delta{Type: llm.DeltaBlockStop, Index: i}); err != nil {
					return err
				}
			}
			return send(llm.Delta{Type: llm.DeltaStop, StopReason: stopReason(finish), Usage: &usage})
		}

		callback := func(event client.TextStreamEvent) error {
			if event.Data == "[DONE]" {
				if err := done(); err != nil {
					return err
				}
				return io.EOF
			}
			var ck chunk
			if err := event.Json(&ck); err != nil {
				return err
			}
			if ck.Usage != nil {
				usage = llm.Usage{InputTokens: ck.Usage.PromptTokens, OutputTokens: ck.Usage.CompletionTokens}
			}
			for _, choice := range ck.Choices {
				if text := choice.Delta.ReasoningContent; text != "" {
					if err := start(llm.Delta{Index: thinkingIndex, Block: llm.BlockThinking}); err != nil {
						return err
					}
					if err := send(llm.Delta{Type: llm.DeltaThinking, Index: thinkingIndex, Text: text}); err != nil {
						return err
					}
				}
				if text := choice.Delta.Content; text != "" {
					if err := start(llm.Delta{Index: textIndex, Block: llm.BlockText}); err != nil {
						return err
					}
					if err := send(llm.Delta{Type: llm.DeltaText, Index: textIndex, Text: text}); err != nil {
						return err
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					index := toolIndex + tc.Index
					if err := start(llm.Delta{Index: index, Block: llm.BlockToolUse, ID: tc.ID, Name: tc.Function.Name}); err != nil {
						return err
					}
					if tc.Function.Arguments != "" {
						if err := send(llm.Delta{Type: llm.DeltaToolInput, Index: index, Text: tc.Function.Arguments}); err != nil {
							return err
						}
					}
				}
				if choice.FinishReason != "" {
					finish = choice.FinishReason
				}
			}
			return nil
		}

		var discard json.RawMessage
		err := c.DoWithContext(ctx, payload, &discard,
			client.OptPath("chat", "completions"),
			client.OptTextStreamCallback(callback),
			client.OptNoTimeout(),
		)
		switch {
		case err != nil && !errors.Is(err, io.EOF):
			llm.Send(ctx, ch, llm.Delta{Type: llm.DeltaError, Err: err})
		case !finished && finish != "":
			// some servers close without [DONE]
			if err := done(); err != nil {
				return
			}
		case !finished:
			llm.Send(ctx, ch, llm.Delta{Type: llm.DeltaError, Err: errors.New("stream ended without a finish reason")})
		}
	}()
	return ch, nil
}

func (c *Client) request(req *llm.Request) *chatRequest {
	out := &chatRequest{
		Model:         c.config.Model,
		Messages:      toRequestMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		MaxTokens:     req.MaxTokens,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = c.config.MaxTokens
	}
	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		out.Temperature = &temp
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, requestTool{
			Type:     "function",
			Function: requestFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	return out
}

// toRequestMessages flattens the conversation. Executed tool calls are
// replayed as role "tool" messages directly after their assistant message.
func toRequestMessages(system string, messages []llm.Message) []requestMessage {
	var out []requestMessage
	if system != "" {
		out = append(out, requestMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		rm := requestMessage{Role: m.Role, Content: m.Content}
		for _, call := range m.ToolCalls {
			args := string(call.Arguments)
			if args == "" {
				args = "{}"
			}
			rm.ToolCalls = append(rm.ToolCalls, requestToolCall{
				ID:       call.ID,
				Type:     "function",
				Function: functionCall{Name: call.Name, Arguments: args},
			})
		}
		out = append(out, rm)
		for _, call := range m.ToolCalls {
			if call.Status == llm.ToolCallPending {
				continue
			}
			out = append(out, requestMessage{Role: "tool", ToolCallID: call.ID, Content: call.Result})
		}
	}
	return out
}

func stopReason(finish string) llm.StopReason {
	switch finish {
	case "stop":
		return llm.StopEndTurn
	case "tool_calls", "function_call":
		return llm.StopToolUse
	case "length":
		return llm.StopMaxTokens
	default:
		return llm.StopReason(finish)
	}
}
