package rights2roof

import (
	"context"
	"testing"
)

type stubCapability struct {
	name ToolName
}

func (s stubCapability) Name() ToolName { return s.name }
func (s stubCapability) Invoke(ctx context.Context, input map[string]any) (any, error) {
	return "ok", nil
}
func (s stubCapability) Schema() map[string]any {
	return map[string]any{"description": string(s.name)}
}
func (s stubCapability) Validate(input map[string]any) error { return nil }

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry(stubCapability{ToolNews}, stubCapability{ToolTime})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d", r.Len())
	}
	if names := r.Names(); names[0] != ToolNews || names[1] != ToolTime {
		t.Errorf("Names = %v", names)
	}
	if c, ok := r.Lookup(" NEWS_TOOL "); !ok || c.Name() != ToolNews {
		t.Error("lookup should ignore case and whitespace")
	}
	if _, ok := r.Lookup("wikipedia_search"); ok {
		t.Error("unregistered tool resolved")
	}
	if _, ok := r.Lookup("error"); ok {
		t.Error("the error sentinel is never a capability")
	}
	if s := r.Schemas(); len(s) != 2 || s[ToolTime]["description"] != "time_tool" {
		t.Errorf("Schemas = %v", s)
	}
}

func TestNewRegistry_Rejects(t *testing.T) {
	cases := map[string][]Capability{
		"nil":       {nil},
		"unknown":   {stubCapability{"weather_tool"}},
		"sentinel":  {stubCapability{ToolError}},
		"duplicate": {stubCapability{ToolNews}, stubCapability{ToolNews}},
	}
	for name, caps := range cases {
		if _, err := NewRegistry(caps...); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRegistry_NilIsEmpty(t *testing.T) {
	var r *Registry
	if _, ok := r.Lookup("news_tool"); ok {
		t.Error("nil registry resolved a tool")
	}
	if r.Len() != 0 || len(r.Names()) != 0 || len(r.Schemas()) != 0 {
		t.Error("nil registry should be empty")
	}
}
