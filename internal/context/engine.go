// internal/context/engine.go
package context

import (
	"bytes"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/pagewright/internal/types"
	"github.com/user/pagewright/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	prompt    *template.Template
}

// PromptData is the data available to the system prompt template.
type PromptData struct {
	Time       string
	ProjectID  types.ProjectID
	Tools      []string
	Components []string
}

// New creates a context engine with the specified token budget.
// maxTokens is the model's context window size and reserve the number of
// tokens kept free for the response. An empty prompt uses DefaultPrompt.
func New(model string, maxTokens, reserve int, prompt string) (*Engine, error) {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	tmpl, err := template.New("system").Parse(prompt)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, estimating tokens from length", "model", model, "error", err)
			enc = nil
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		prompt:    tmpl,
	}, nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	if e.tokenizer == nil {
		return (len(text) + 3) / 4
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

func (e *Engine) messageTokens(msg llm.Message) int {
	n := e.countTokens(msg.Content) + e.countTokens(msg.Thinking)
	for _, tc := range msg.ToolCalls {
		n += e.countTokens(tc.Name)
		n += e.countTokens(string(tc.Arguments))
		n += e.countTokens(tc.Result)
	}
	return n
}

// SystemPrompt renders the system prompt for a project.
func (e *Engine) SystemPrompt(projectID types.ProjectID, tools, components []string) (string, error) {
	var buf bytes.Buffer
	if err := e.prompt.Execute(&buf, PromptData{
		Time:       time.Now().Format(time.RFC3339),
		ProjectID:  projectID,
		Tools:      tools,
		Components: components,
	}); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// BuildPrompt returns the newest slice of history that fits the token budget
// followed by the new user prompt. The kept history always starts at a user
// message so the conversation stays well-formed.
func (e *Engine) BuildPrompt(system string, history []llm.Message, prompt string) []llm.Message {
	user := llm.UserMessage(prompt)
	inputBudget := e.maxTokens - e.reserve
	remaining := inputBudget - e.countTokens(system) - e.messageTokens(user)

	// 90% for history, 10% safety margin
	budget := int(float64(remaining) * 0.9)

	start := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		n := e.messageTokens(history[i])
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	for start < len(history) && history[start].Role != llm.RoleUser {
		start++
	}
	if start > 0 {
		slog.Debug("trimmed conversation history", "dropped", start, "kept", len(history)-start, "tokens", used)
	}

	messages := make([]llm.Message, 0, len(history)-start+1)
	messages = append(messages, history[start:]...)
	messages = append(messages, user)
	return messages
}
