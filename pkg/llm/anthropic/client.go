/*
anthropic implements a streaming provider for the Anthropic Messages API.
https://docs.anthropic.com/en/api/messages-streaming
*/
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	client "github.com/mutablelogic/go-client"
	"github.com/user/pagewright/pkg/llm"
)

const (
	endPoint   = "https://api.anthropic.com/v1"
	apiVersion = "2023-06-01"

	defaultMaxTokens = 16000
)

// Client implements llm.Provider for the Anthropic Messages API.
type Client struct {
	*client.Client
	config llm.Config
}

var _ llm.Provider = (*Client)(nil)

// New creates a new Anthropic client. An empty BaseURL selects the public API.
func New(config *llm.Config, opts ...client.ClientOpt) (*Client, error) {
	endpoint := config.BaseURL
	if endpoint == "" {
		endpoint = endPoint
	}
	opts = append(opts,
		client.OptEndpoint(endpoint),
		client.OptHeader("x-api-key", config.APIKey),
		client.OptHeader("anthropic-version", apiVersion),
	)
	c, err := client.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{Client: c, config: *config}, nil
}

// Stream opens a streaming turn. Content block events are forwarded as
// deltas in arrival order and a final DeltaStop carries the stop reason.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Delta, error) {
	payload, err := client.NewJSONRequest(c.request(req))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)

		var (
			stopReason string
			usage      llm.Usage
			stopped    bool
		)
		send := func(d llm.Delta) error {
			if !llm.Send(ctx, ch, d) {
				return ctx.Err()
			}
			return nil
		}

		callback := func(event client.TextStreamEvent) error {
			var ev streamEvent
			if err := event.Json(&ev); err != nil {
				return err
			}

			switch ev.Type {
			case eventMessageStart:
				// usage for the prompt arrives nested in the message; ignored
			case eventContentBlockStart:
				if ev.ContentBlock == nil {
					return nil
				}
				d := llm.Delta{Type: llm.DeltaBlockStart, Index: ev.Index}
				switch ev.ContentBlock.Type {
				case blockTypeToolUse:
					d.Block, d.ID, d.Name = llm.BlockToolUse, ev.ContentBlock.ID, ev.ContentBlock.Name
				case blockTypeThinking:
					d.Block = llm.BlockThinking
				default:
					d.Block = llm.BlockText
				}
				return send(d)
			case eventContentBlockDelta:
				if ev.Delta == nil {
					return nil
				}
				switch ev.Delta.Type {
				case deltaTypeText:
					return send(llm.Delta{Type: llm.DeltaText, Index: ev.Index, Text: ev.Delta.Text})
				case deltaTypeThinking:
					return send(llm.Delta{Type: llm.DeltaThinking, Index: ev.Index, Text: ev.Delta.Thinking})
				case deltaTypeSignature:
					return send(llm.Delta{Type: llm.DeltaSignature, Index: ev.Index, Text: ev.Delta.Signature})
				case deltaTypeInputJSON:
					return send(llm.Delta{Type: llm.DeltaToolInput, Index: ev.Index, Text: ev.Delta.PartialJSON})
				}
			case eventContentBlockStop:
				return send(llm.Delta{Type: llm.DeltaBlockStop, Index: ev.Index})
			case eventMessageDelta:
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					stopReason = ev.Delta.StopReason
				}
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
					if ev.Usage.InputTokens > 0 {
						usage.InputTokens = ev.Usage.InputTokens
					}
				}
			case eventMessageStop:
				stopped = true
				if err := send(llm.Delta{Type: llm.DeltaStop, StopReason: llm.StopReason(stopReason), Usage: &usage}); err != nil {
					return err
				}
				return io.EOF
			case eventPing:
				// keepalive
			case eventError:
				if ev.Error != nil {
					return fmt.Errorf("stream error: %s: %s", ev.Error.Type, ev.Error.Message)
				}
				return errors.New("stream error")
			}
			return nil
		}

		var discard json.RawMessage
		err := c.DoWithContext(ctx, payload, &discard,
			client.OptPath("messages"),
			client.OptTextStreamCallback(callback),
			client.OptNoTimeout(),
		)
		switch {
		case err != nil && !errors.Is(err, io.EOF):
			llm.Send(ctx, ch, llm.Delta{Type: llm.DeltaError, Err: err})
		case !stopped:
			llm.Send(ctx, ch, llm.Delta{Type: llm.DeltaError, Err: errors.New("stream ended before message_stop")})
		}
	}()
	return ch, nil
}

func (c *Client) request(req *llm.Request) *messagesRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	out := &messagesRequest{
		Model:     c.config.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  toAnthropicMessages(req.Messages),
		Stream:    true,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	// Extended thinking rejects a custom temperature.
	if budget := c.config.ThinkingBudget; budget > 0 && budget < maxTokens {
		out.Thinking = &thinkingConfig{Type: "enabled", BudgetTokens: budget}
	} else if c.config.Temperature != 0 {
		temp := c.config.Temperature
		out.Temperature = &temp
	}
	return out
}

// toAnthropicMessages converts the conversation into content-block messages.
// Executed tool calls on an assistant message become tool_result blocks on
// the following user message, and consecutive same-role messages are merged.
func toAnthropicMessages(messages []llm.Message) []anthropicMessage {
	var out []anthropicMessage
	push := func(role string, blocks []contentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range messages {
		if m.Role != llm.RoleAssistant {
			if m.Content != "" {
				push(llm.RoleUser, []contentBlock{{Type: blockTypeText, Text: m.Content}})
			}
			continue
		}

		var blocks, results []contentBlock
		for _, tb := range m.ThinkingBlocks {
			if tb.Signature != "" {
				blocks = append(blocks, contentBlock{Type: blockTypeThinking, Thinking: tb.Text, Signature: tb.Signature})
			}
		}
		if m.Content != "" {
			blocks = append(blocks, contentBlock{Type: blockTypeText, Text: m.Content})
		}
		for _, call := range m.ToolCalls {
			input := call.Arguments
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, contentBlock{Type: blockTypeToolUse, ID: call.ID, Name: call.Name, Input: input})
			if call.Status != llm.ToolCallPending {
				results = append(results, contentBlock{
					Type:      blockTypeToolResult,
					ToolUseID: call.ID,
					Content:   call.Result,
					IsError:   call.Status == llm.ToolCallFailed,
				})
			}
		}
		push(llm.RoleAssistant, blocks)
		push(llm.RoleUser, results)
	}
	return out
}
