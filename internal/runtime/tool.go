package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	servertypes "github.com/mutablelogic/go-server/pkg/types"
	"github.com/user/pagewright/internal/types"
	"github.com/user/pagewright/pkg/llm"
)

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	Schema() (*jsonschema.Schema, error)
	Execute(ctx context.Context, call Call) (*Result, error)
}

// ArtifactTool is a tool that produces a named artifact whose content is
// checked before it is written.
type ArtifactTool interface {
	Tool
	// Artifact returns the name the content is tracked under.
	Artifact(args json.RawMessage) string
	// Validate checks the content. A non-nil error is fed back to the model.
	Validate(args json.RawMessage) error
}

// Call is a single invocation handed to a tool. Args have already been
// validated against the tool's schema.
type Call struct {
	ProjectID types.ProjectID
	Args      json.RawMessage
}

// Result is what a tool returns on success.
type Result struct {
	Output     string
	SideEffect SideEffect
}

// SideEffect is a typed, structured description of what a tool changed.
type SideEffect interface {
	Kind() string
}

// Outcome is the result of Registry.Execute. It never carries a Go error:
// failures are described in Error.
type Outcome struct {
	Success    bool
	Output     string
	Error      string
	Forced     bool
	SideEffect SideEffect
}

// Text is the content returned to the model.
func (o Outcome) Text() string {
	if o.Success {
		return o.Output
	}
	return o.Error
}

// Registry holds registered tools and provides lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Resolved
	raw     map[string]json.RawMessage
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Resolved),
		raw:     make(map[string]json.RawMessage),
	}
}

// Register adds tools to the registry. Names must be identifiers and unique.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		name := t.Name()
		if !servertypes.IsIdentifier(name) {
			return types.ErrBadParameter.Withf("invalid tool name %q", name)
		}
		if _, exists := r.tools[name]; exists {
			return types.ErrConflict.Withf("duplicate tool name %q", name)
		}
		schema, err := t.Schema()
		if err != nil {
			return fmt.Errorf("schema for %s: %w", name, err)
		}
		if schema == nil {
			schema = &jsonschema.Schema{Type: "object"}
		}
		resolved, err := schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("resolve schema for %s: %w", name, err)
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("encode schema for %s: %w", name, err)
		}
		r.tools[name] = t
		r.schemas[name] = resolved
		r.raw[name] = raw
	}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AsLLMTools converts registered tools to the LLM provider format.
func (r *Registry) AsLLMTools() []llm.Tool {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, llm.Tool{
			Name:        name,
			Description: r.tools[name].Description(),
			InputSchema: r.raw[name],
		})
	}
	return out
}

// Execute runs one tool call. Unknown tools, invalid arguments, rejected
// content, handler errors and panics all come back as a failed Outcome.
func (r *Registry) Execute(ctx context.Context, scope *Scope, name string, args json.RawMessage) (out Outcome) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return Outcome{Error: fmt.Sprintf("error: unknown tool %q", name)}
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("tool panicked", "tool", name, "project_id", scope.ProjectID, "panic", p)
			out = Outcome{Error: fmt.Sprintf("error: tool %s failed: %v", name, p)}
		}
	}()

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var input map[string]any
	if err := json.Unmarshal(args, &input); err != nil {
		return Outcome{Error: fmt.Sprintf("error: arguments for %s are not a JSON object: %v", name, err)}
	}
	if err := schema.Validate(input); err != nil {
		return Outcome{Error: fmt.Sprintf("error: invalid arguments for %s: %v", name, err)}
	}

	var forced bool
	if at, ok := tool.(ArtifactTool); ok {
		if err := at.Validate(args); err != nil {
			artifact := at.Artifact(args)
			if scope.reject(artifact) {
				slog.Info("artifact rejected", "tool", name, "artifact", artifact, "project_id", scope.ProjectID, "error", err)
				return Outcome{Error: fmt.Sprintf("error: %v. Correct the %s content and call %s again.", err, artifact, name)}
			}
			slog.Warn("accepting artifact without validation", "tool", name, "artifact", artifact, "project_id", scope.ProjectID, "error", err)
			forced = true
		}
	}

	res, err := tool.Execute(ctx, Call{ProjectID: scope.ProjectID, Args: args})
	if err != nil {
		return Outcome{Error: fmt.Sprintf("error: %v", err)}
	}
	if res == nil {
		res = &Result{}
	}
	return Outcome{Success: true, Output: res.Output, Forced: forced, SideEffect: res.SideEffect}
}
