package rights2roof

import (
	"fmt"
)

// Registry maps tool names to capabilities. It is fixed once built.
type Registry struct {
	caps  map[ToolName]Capability
	order []ToolName
}

// NewRegistry builds a registry, rejecting nil capabilities, names outside
// the closed tool set and duplicates.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{
		caps:  make(map[ToolName]Capability, len(caps)),
		order: make([]ToolName, 0, len(caps)),
	}
	for i, c := range caps {
		if c == nil {
			return nil, NewValidationError("registry", fmt.Sprintf("capability %d is nil", i), nil)
		}
		name := c.Name()
		if !name.Known() {
			return nil, NewUnknownToolError("registry", string(name))
		}
		if _, exists := r.caps[name]; exists {
			return nil, NewValidationError("registry", fmt.Sprintf("tool '%s' registered twice", name), nil)
		}
		r.caps[name] = c
		r.order = append(r.order, name)
	}
	return r, nil
}

// Lookup resolves a raw tool name. A nil registry resolves nothing.
func (r *Registry) Lookup(name string) (Capability, bool) {
	if r == nil {
		return nil, false
	}
	tool, ok := ParseToolName(name)
	if !ok || tool == ToolError {
		return nil, false
	}
	c, ok := r.caps[tool]
	return c, ok
}

// Names lists registered tools in registration order.
func (r *Registry) Names() []ToolName {
	if r == nil {
		return nil
	}
	out := make([]ToolName, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Schemas returns every tool's schema for use in planner prompts.
func (r *Registry) Schemas() map[ToolName]map[string]any {
	schemas := make(map[ToolName]map[string]any, r.Len())
	if r == nil {
		return schemas
	}
	for name, c := range r.caps {
		schemas[name] = c.Schema()
	}
	return schemas
}
