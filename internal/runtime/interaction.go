package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/user/pagewright/internal/events"
	"github.com/user/pagewright/internal/types"
	"github.com/user/pagewright/pkg/llm"
)

const (
	defaultEventType   = "onClick"
	defaultHandlerName = "handleEvent"
	interactionTokens  = 2048
)

// InteractionRequest describes an event handler to generate for a component.
type InteractionRequest struct {
	ComponentID   string `json:"componentId"`
	ComponentName string `json:"componentName"`
	Description   string `json:"description"`
	EventType     string `json:"eventType,omitempty"`
}

// StateVar is a useState variable a generated handler depends on.
type StateVar struct {
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	InitialValue json.RawMessage `json:"initialValue,omitempty"`
}

// Interaction is a generated event handler.
type Interaction struct {
	ID          string     `json:"id"`
	ComponentID string     `json:"componentId"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	HandlerName string     `json:"handlerName"`
	Code        string     `json:"code"`
	State       []StateVar `json:"state"`
}

const interactionPrompt = `Write a React event handler in TypeScript.

Component: %s
Event type: %s
Behavior: %s

Keep the handler small and focused on the behavior, with short comments. If
it needs component state, list each useState variable it relies on.

Reply with only a JSON object of this shape:
{"handlerName": "handleClick", "code": "const handleClick = () => {\n  ...\n}", "state": [{"name": "count", "type": "number", "initialValue": 0}]}`

// GenerateInteraction asks the model for a single event handler. It is a
// one-shot request: no tools, no events, nothing persisted.
func (rt *Runtime) GenerateInteraction(ctx context.Context, req InteractionRequest) (*Interaction, error) {
	req.ComponentID = strings.TrimSpace(req.ComponentID)
	req.ComponentName = strings.TrimSpace(req.ComponentName)
	req.Description = strings.TrimSpace(req.Description)
	if req.ComponentID == "" || req.ComponentName == "" || req.Description == "" {
		return nil, types.ErrBadParameter.With("componentId, componentName and description are required")
	}
	if req.EventType = strings.TrimSpace(req.EventType); req.EventType == "" {
		req.EventType = defaultEventType
	}

	maxTokens := interactionTokens
	if rt.maxTokens > 0 && rt.maxTokens < maxTokens {
		maxTokens = rt.maxTokens
	}
	msg, _, _, err := rt.turn(ctx, "", 1, &llm.Request{
		Messages:  []llm.Message{llm.UserMessage(fmt.Sprintf(interactionPrompt, req.ComponentName, req.EventType, req.Description))},
		MaxTokens: maxTokens,
	}, func(events.Event) {})
	if err != nil {
		return nil, types.ErrProviderStream.With(err)
	}

	reply := stripCodeFence(msg.Content)
	var parsed struct {
		HandlerName string     `json:"handlerName"`
		Code        string     `json:"code"`
		State       []StateVar `json:"state"`
	}
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		slog.Warn("unparseable interaction reply", "component", req.ComponentName, "error", err)
		return nil, types.ErrProviderStream.Withf("failed to parse model response: %v; response was: %s", err, clip(reply, 200))
	}

	out := &Interaction{
		ID:          uuid.NewString(),
		ComponentID: req.ComponentID,
		Type:        req.EventType,
		Description: req.Description,
		HandlerName: parsed.HandlerName,
		Code:        parsed.Code,
		State:       parsed.State,
	}
	if out.HandlerName == "" {
		out.HandlerName = defaultHandlerName
	}
	if out.State == nil {
		out.State = []StateVar{}
	}
	return out, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "```"); ok {
		rest = strings.TrimPrefix(rest, "json")
		s = strings.TrimSuffix(strings.TrimSpace(rest), "```")
	}
	return strings.TrimSpace(s)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
