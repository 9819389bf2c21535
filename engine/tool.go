package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrToolNotFound = errors.New("tool not registered")
	ErrInvalidTool  = errors.New("invalid tool definition")
	ErrInvalidArgs  = errors.New("tool arguments do not match contract")
)

// FieldType is the JSON type of a contract field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field declares one argument of a tool's input contract.
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Required    bool
}

// Contract is a tool's declared input shape. It compiles to a JSON schema
// at registration; arguments are validated against it before dispatch.
type Contract struct {
	Fields []Field
}

// SchemaDocument renders the contract as a JSON-schema object, which also
// serves as the parameter definition advertised to the reasoning service.
func (c Contract) SchemaDocument() map[string]any {
	properties := make(map[string]any, len(c.Fields))
	var required []string
	for _, f := range c.Fields {
		prop := map[string]any{"type": string(f.Type)}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		properties[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// Handler executes a validated tool call. Errors and panics become
// error-flagged results; they never abort sibling calls.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named, contract-validated capability.
type Tool struct {
	Name        string
	Description string
	Contract    Contract
	Handler     Handler
}

// ToolInfo is the contract surface advertised to the reasoning service.
type ToolInfo struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type registeredTool struct {
	Tool
	schema *gojsonschema.Schema
	params map[string]any
}

func (rt *registeredTool) validateArgs(raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	result, err := rt.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidArgs, strings.Join(details, "; "))
}

// Registry maps tool names to executable capabilities. Registration is
// additive and last-wins; mutation is expected to finish before dispatch
// begins, but the registry is safe for concurrent use regardless.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds tool, replacing any previous registration under the same
// name.
func (r *Registry) Register(tool Tool) error {
	tool.Name = strings.TrimSpace(tool.Name)
	if tool.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidTool)
	}
	if tool.Handler == nil {
		return fmt.Errorf("%w: tool %q has no handler", ErrInvalidTool, tool.Name)
	}

	doc := tool.Contract.SchemaDocument()
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: compile schema for %q: %v", ErrInvalidTool, tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = &registeredTool{Tool: tool, schema: schema, params: doc}
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, error) {
	rt, ok := r.lookup(name)
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return rt.Tool, nil
}

func (r *Registry) lookup(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns the contract surface for every registered tool, sorted by
// name for a stable prompt order.
func (r *Registry) Infos() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for _, rt := range r.tools {
		infos = append(infos, ToolInfo{
			Name:        rt.Name,
			Description: rt.Description,
			Parameters:  rt.params,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
