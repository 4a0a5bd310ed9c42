package flows

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/llm"
)

// ParseDecomposition reads a planner reply. It accepts {"steps": [...]},
// {"plan": [...]} and a bare array, where each step is either an object or
// a plain intent string.
func ParseDecomposition(raw string) (*rights2roof.Decomposition, error) {
	text := llm.StripFences(raw)
	if text == "" {
		return nil, errors.New("planner returned an empty reply")
	}
	if start := strings.IndexAny(text, "{["); start > 0 {
		text = text[start:]
	}

	var items []json.RawMessage
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &items); err != nil {
			return nil, fmt.Errorf("failed to parse plan: %w", err)
		}
	} else {
		var envelope struct {
			Steps []json.RawMessage `json:"steps"`
			Plan  []json.RawMessage `json:"plan"`
		}
		if err := json.Unmarshal([]byte(text), &envelope); err != nil {
			return nil, fmt.Errorf("failed to parse plan: %w", err)
		}
		items = envelope.Steps
		if len(items) == 0 {
			items = envelope.Plan
		}
	}

	dec := &rights2roof.Decomposition{Steps: make([]rights2roof.Step, 0, len(items))}
	for i, item := range items {
		step, err := parseStep(item)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		dec.Steps = append(dec.Steps, step)
	}
	return dec, nil
}

func parseStep(item json.RawMessage) (rights2roof.Step, error) {
	var intent string
	if err := json.Unmarshal(item, &intent); err == nil {
		return rights2roof.Step{Intent: strings.TrimSpace(intent)}, nil
	}

	var wire struct {
		ID          string         `json:"id"`
		Intent      string         `json:"intent"`
		Description string         `json:"description"`
		Step        string         `json:"step"`
		Tool        string         `json:"tool"`
		ToolName    string         `json:"tool_name"`
		Input       map[string]any `json:"input"`
		Query       string         `json:"query"`
	}
	if err := json.Unmarshal(item, &wire); err != nil {
		return rights2roof.Step{}, err
	}

	step := rights2roof.Step{
		ID:     wire.ID,
		Intent: firstNonEmpty(wire.Intent, wire.Description, wire.Step),
		Tool:   firstNonEmpty(wire.Tool, wire.ToolName),
		Input:  wire.Input,
	}
	if wire.Query != "" {
		if step.Input == nil {
			step.Input = map[string]any{}
		}
		if _, ok := step.Input["query"]; !ok {
			step.Input["query"] = wire.Query
		}
	}
	if step.Intent == "" {
		step.Intent = step.Query()
	}
	return step, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
