// Package adapters binds model flows, the knowledge base and plain Go
// functions to the pipeline's Planner, Retriever, Synthesizer and
// Capability interfaces.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OhziiiLov3/rights2roof"
)

// CapabilityFunc is the body of a capability.
type CapabilityFunc func(ctx context.Context, input map[string]any) (any, error)

// CapabilityAdapter adapts a Go function to the rights2roof.Capability
// interface.
type CapabilityAdapter struct {
	fn        CapabilityFunc
	schema    map[string]any
	name      rights2roof.ToolName
	validator func(map[string]any) error
}

// CapabilityOption configures a CapabilityAdapter.
type CapabilityOption func(*CapabilityAdapter)

// WithValidator sets a custom validator function for the capability.
func WithValidator(validator func(map[string]any) error) CapabilityOption {
	return func(a *CapabilityAdapter) {
		a.validator = validator
	}
}

// WithCategory sets the capability's category.
func WithCategory(category string) CapabilityOption {
	return func(a *CapabilityAdapter) {
		a.schema["category"] = category
	}
}

// WithDescription sets the description the planner sees.
func WithDescription(description string) CapabilityOption {
	return func(a *CapabilityAdapter) {
		a.schema["description"] = description
	}
}

// WithParameters sets the parameters description in the schema.
func WithParameters(parameters map[string]string) CapabilityOption {
	return func(a *CapabilityAdapter) {
		a.schema["parameters"] = parameters
	}
}

// WithReturns sets the return value description in the schema.
func WithReturns(returns string) CapabilityOption {
	return func(a *CapabilityAdapter) {
		a.schema["returns"] = returns
	}
}

// WithExamples adds usage examples to the schema.
func WithExamples(examples []string) CapabilityOption {
	return func(a *CapabilityAdapter) {
		a.schema["examples"] = examples
	}
}

// NewCapability creates a capability named name backed by fn.
func NewCapability(name rights2roof.ToolName, fn CapabilityFunc, options ...CapabilityOption) *CapabilityAdapter {
	a := &CapabilityAdapter{
		fn:     fn,
		name:   name,
		schema: map[string]any{"name": string(name)},
		validator: func(input map[string]any) error {
			if input == nil {
				return errors.New("input cannot be nil")
			}
			return nil
		},
	}

	for _, option := range options {
		option(a)
	}

	return a
}

// Invoke implements rights2roof.Capability.
func (a *CapabilityAdapter) Invoke(ctx context.Context, input map[string]any) (any, error) {
	if a.fn == nil {
		return nil, fmt.Errorf("capability %s has no function", a.name)
	}
	return a.fn(ctx, input)
}

// Schema implements rights2roof.Capability.
func (a *CapabilityAdapter) Schema() map[string]any {
	out := make(map[string]any, len(a.schema))
	for k, v := range a.schema {
		out[k] = v
	}
	return out
}

// Validate implements rights2roof.Capability.
func (a *CapabilityAdapter) Validate(input map[string]any) error {
	if a.validator != nil {
		return a.validator(input)
	}
	return nil
}

// Name implements rights2roof.Capability.
func (a *CapabilityAdapter) Name() rights2roof.ToolName {
	return a.name
}

// RequireKeys returns a validator rejecting input where any of keys is
// missing or blank.
func RequireKeys(keys ...string) func(map[string]any) error {
	return func(input map[string]any) error {
		if input == nil {
			return errors.New("input cannot be nil")
		}
		var missing []string
		for _, k := range keys {
			v, ok := input[k]
			if !ok || v == nil {
				missing = append(missing, k)
				continue
			}
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required input: %s", strings.Join(missing, ", "))
		}
		return nil
	}
}

// StringInput reads a string parameter, or "" when absent.
func StringInput(input map[string]any, key string) string {
	switch v := input[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
