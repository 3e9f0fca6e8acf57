package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/user/pagewright/internal/runtime"
	"github.com/user/pagewright/internal/types"
)

const maxComponentName = 64

// Phrases that mark explanatory prose rather than source code.
var proseMarkers = []string{
	"here is",
	"i have created",
	"i've created",
	"i have updated",
	"i've updated",
	"this component",
	"the updated",
	"## ",
}

// ComponentChange is the side effect of writing a component.
type ComponentChange struct {
	Action    string `json:"action"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	LineCount int    `json:"lineCount"`
}

func (ComponentChange) Kind() string { return "component" }

type componentArgs struct {
	Name string `json:"name" jsonschema:"Component name in PascalCase (e.g. Button, PricingCard, HeroSection)."`
	Code string `json:"code" jsonschema:"The complete React TypeScript component source, including imports, types and the export."`
}

type nameArgs struct {
	Name string `json:"name" jsonschema:"Name of the component."`
}

type noArgs struct{}

// CheckComponentName requires a PascalCase identifier.
func CheckComponentName(name string) error {
	if name == "" {
		return errors.New("component name is required")
	}
	if len(name) > maxComponentName {
		return fmt.Errorf("component name is longer than %d characters", maxComponentName)
	}
	for i, r := range name {
		if i == 0 && !unicode.IsUpper(r) {
			return errors.New("component name must start with an uppercase letter")
		}
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return fmt.Errorf("component name may only contain letters and digits, found %q", r)
		}
	}
	return nil
}

// CheckComponentCode rejects content that reads like an explanation or
// does not look like a component at all.
func CheckComponentCode(code string) error {
	lower := strings.ToLower(code)
	for _, marker := range proseMarkers {
		if strings.Contains(lower, marker) {
			return errors.New("the code parameter must contain only the component source, not explanatory text")
		}
	}
	if !strings.Contains(lower, "function") && !strings.Contains(lower, "const") && !strings.Contains(code, "=>") {
		return errors.New("the code does not appear to contain a React component")
	}
	return nil
}

func lineCount(code string) int {
	code = strings.TrimRight(code, "\n")
	if code == "" {
		return 0
	}
	return strings.Count(code, "\n") + 1
}

func decode(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("parse args: %w", err)
	}
	return nil
}

func componentName(args json.RawMessage) string {
	var p nameArgs
	json.Unmarshal(args, &p)
	return p.Name
}

func checkCode(args json.RawMessage) error {
	var p componentArgs
	if err := decode(args, &p); err != nil {
		return err
	}
	return CheckComponentCode(p.Code)
}

// CreateComponent writes a new component file.
type CreateComponent struct {
	store types.ComponentStore
}

func NewCreateComponent(store types.ComponentStore) *CreateComponent {
	return &CreateComponent{store: store}
}

func (c *CreateComponent) Name() string { return "create_component" }
func (c *CreateComponent) Description() string {
	return "Create a new React TypeScript component file styled with Tailwind CSS. " +
		"The component must be a functional component with proper TypeScript types."
}
func (c *CreateComponent) Schema() (*jsonschema.Schema, error) {
	return jsonschema.For[componentArgs](nil)
}
func (c *CreateComponent) Artifact(args json.RawMessage) string { return componentName(args) }
func (c *CreateComponent) Validate(args json.RawMessage) error  { return checkCode(args) }

func (c *CreateComponent) Execute(ctx context.Context, call runtime.Call) (*runtime.Result, error) {
	var p componentArgs
	if err := decode(call.Args, &p); err != nil {
		return nil, err
	}
	if err := CheckComponentName(p.Name); err != nil {
		return nil, err
	}
	path, err := c.store.Create(ctx, call.ProjectID, p.Name, p.Code)
	if errors.Is(err, types.ErrConflict) {
		return nil, fmt.Errorf("component %q already exists, use update_component to modify it", p.Name)
	} else if err != nil {
		return nil, fmt.Errorf("create component: %w", err)
	}
	lines := lineCount(p.Code)
	return &runtime.Result{
		Output:     fmt.Sprintf("Component %s created (%d lines)", p.Name, lines),
		SideEffect: ComponentChange{Action: "created", Name: p.Name, Path: path, LineCount: lines},
	}, nil
}

// UpdateComponent replaces an existing component file.
type UpdateComponent struct {
	store types.ComponentStore
}

func NewUpdateComponent(store types.ComponentStore) *UpdateComponent {
	return &UpdateComponent{store: store}
}

func (u *UpdateComponent) Name() string        { return "update_component" }
func (u *UpdateComponent) Description() string { return "Replace the code of an existing React component." }
func (u *UpdateComponent) Schema() (*jsonschema.Schema, error) {
	return jsonschema.For[componentArgs](nil)
}
func (u *UpdateComponent) Artifact(args json.RawMessage) string { return componentName(args) }
func (u *UpdateComponent) Validate(args json.RawMessage) error  { return checkCode(args) }

func (u *UpdateComponent) Execute(ctx context.Context, call runtime.Call) (*runtime.Result, error) {
	var p componentArgs
	if err := decode(call.Args, &p); err != nil {
		return nil, err
	}
	if err := CheckComponentName(p.Name); err != nil {
		return nil, err
	}
	path, err := u.store.Update(ctx, call.ProjectID, p.Name, p.Code)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("component %q not found, use create_component to create it", p.Name)
	} else if err != nil {
		return nil, fmt.Errorf("update component: %w", err)
	}
	lines := lineCount(p.Code)
	return &runtime.Result{
		Output:     fmt.Sprintf("Component %s updated (%d lines)", p.Name, lines),
		SideEffect: ComponentChange{Action: "updated", Name: p.Name, Path: path, LineCount: lines},
	}, nil
}

// ReadComponent returns the source of a component.
type ReadComponent struct {
	store types.ComponentStore
}

func NewReadComponent(store types.ComponentStore) *ReadComponent {
	return &ReadComponent{store: store}
}

func (r *ReadComponent) Name() string        { return "read_component" }
func (r *ReadComponent) Description() string { return "Read the code of an existing React component." }
func (r *ReadComponent) Schema() (*jsonschema.Schema, error) {
	return jsonschema.For[nameArgs](nil)
}

func (r *ReadComponent) Execute(ctx context.Context, call runtime.Call) (*runtime.Result, error) {
	var p nameArgs
	if err := decode(call.Args, &p); err != nil {
		return nil, err
	}
	code, err := r.store.Read(ctx, call.ProjectID, p.Name)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("component %q not found", p.Name)
	} else if err != nil {
		return nil, fmt.Errorf("read component: %w", err)
	}
	return &runtime.Result{Output: code}, nil
}

// ListComponents lists the project's components.
type ListComponents struct {
	store types.ComponentStore
}

func NewListComponents(store types.ComponentStore) *ListComponents {
	return &ListComponents{store: store}
}

func (l *ListComponents) Name() string { return "list_components" }
func (l *ListComponents) Description() string {
	return "List all React components that have been generated for this project."
}
func (l *ListComponents) Schema() (*jsonschema.Schema, error) {
	return jsonschema.For[noArgs](nil)
}

func (l *ListComponents) Execute(ctx context.Context, call runtime.Call) (*runtime.Result, error) {
	infos, err := l.store.List(ctx, call.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	out, err := json.Marshal(struct {
		Components []string `json:"components"`
		Count      int      `json:"count"`
	}{names, len(names)})
	if err != nil {
		return nil, err
	}
	return &runtime.Result{Output: string(out)}, nil
}

// Components returns the component tools backed by store.
func Components(store types.ComponentStore) []runtime.Tool {
	return []runtime.Tool{
		NewCreateComponent(store),
		NewUpdateComponent(store),
		NewReadComponent(store),
		NewListComponents(store),
	}
}
