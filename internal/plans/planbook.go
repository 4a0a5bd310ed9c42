// Package plans loads keyword routing rules from YAML and turns them into
// plan decompositions. It is the planner used when no model is configured.
package plans

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/OhziiiLov3/rights2roof"
)

//go:embed default.yaml
var defaultBook []byte

// QueryRef in a step input is replaced by the user's query.
const QueryRef = "$query"

// PlanBook is an ordered list of routing rules plus a fallback.
type PlanBook struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Rules       []Rule         `yaml:"rules"`
	Fallback    []StepTemplate `yaml:"fallback"`
}

// Rule routes queries containing any Match keyword to Steps.
type Rule struct {
	ID    string         `yaml:"id"`
	Match []string       `yaml:"match"`
	Steps []StepTemplate `yaml:"steps"`
}

// StepTemplate is one step of a rule.
type StepTemplate struct {
	ID     string         `yaml:"id"`
	Tool   string         `yaml:"tool"`
	Intent string         `yaml:"intent"`
	Input  map[string]any `yaml:"input"`
}

// Parse decodes and validates a plan book.
func Parse(raw []byte) (*PlanBook, error) {
	var book PlanBook
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&book); err != nil {
		return nil, fmt.Errorf("failed to parse plan book YAML: %w", err)
	}
	if err := book.Validate(); err != nil {
		return nil, err
	}
	return &book, nil
}

// Load reads a plan book file.
func Load(path string) (*PlanBook, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan book: %w", err)
	}
	return Parse(raw)
}

// Default returns the built-in plan book.
func Default() *PlanBook {
	book, err := Parse(defaultBook)
	if err != nil {
		panic(err)
	}
	return book
}

// Validate checks for duplicate rule IDs, empty rules and unknown tools.
func (b *PlanBook) Validate() error {
	ids := make(map[string]struct{}, len(b.Rules))
	for i, r := range b.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule %d has no id", i+1)
		}
		if _, exists := ids[r.ID]; exists {
			return fmt.Errorf("duplicate rule ID found: %s", r.ID)
		}
		ids[r.ID] = struct{}{}
		if len(r.Match) == 0 {
			return fmt.Errorf("rule '%s' has no match keywords", r.ID)
		}
		if len(r.Steps) == 0 {
			return fmt.Errorf("rule '%s' has no steps", r.ID)
		}
		if err := validateSteps(r.ID, r.Steps); err != nil {
			return err
		}
	}
	if len(b.Fallback) == 0 {
		return fmt.Errorf("plan book has no fallback steps")
	}
	return validateSteps("fallback", b.Fallback)
}

func validateSteps(owner string, steps []StepTemplate) error {
	for _, s := range steps {
		tool, ok := rights2roof.ParseToolName(s.Tool)
		if !ok || tool == rights2roof.ToolError {
			return fmt.Errorf("rule '%s' routes to unknown tool '%s'", owner, s.Tool)
		}
	}
	return nil
}

// Match returns the first rule with a keyword in query whose
// tools are all available. A nil available set allows every tool.
func (b *PlanBook) Match(query string, available map[rights2roof.ToolName]map[string]any) (*Rule, bool) {
	q := strings.ToLower(query)
	for i := range b.Rules {
		r := &b.Rules[i]
		if !matches(q, r.Match) || !usable(r.Steps, available) {
			continue
		}
		return r, true
	}
	return nil, false
}

// Decompose implements the planner decomposition contract without a model.
func (b *PlanBook) Decompose(ctx context.Context, input *rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return &rights2roof.Decomposition{Steps: []rights2roof.Step{}}, nil
	}

	templates := b.fallback(input.ToolSchema)
	if r, ok := b.Match(query, input.ToolSchema); ok {
		templates = r.Steps
	}

	steps := make([]rights2roof.Step, 0, len(templates))
	for _, t := range templates {
		steps = append(steps, t.resolve(query))
	}
	return &rights2roof.Decomposition{Steps: steps}, nil
}

func (b *PlanBook) fallback(available map[rights2roof.ToolName]map[string]any) []StepTemplate {
	if len(available) == 0 {
		return b.Fallback
	}
	out := make([]StepTemplate, 0, len(b.Fallback))
	for _, s := range b.Fallback {
		if usable([]StepTemplate{s}, available) {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return b.Fallback
	}
	return out
}

func (t StepTemplate) resolve(query string) rights2roof.Step {
	input := make(map[string]any, len(t.Input)+1)
	for k, v := range t.Input {
		if s, ok := v.(string); ok && s == QueryRef {
			v = query
		}
		input[k] = v
	}
	if _, ok := input["query"]; !ok {
		input["query"] = query
	}
	intent := t.Intent
	if intent == "" {
		intent = query
	}
	return rights2roof.Step{ID: t.ID, Intent: intent, Tool: t.Tool, Input: input}
}

// matches reports whether any keyword occurs in query as a run of whole
// words: "rent" matches "my rent went up" but not "current".
func matches(query string, keywords []string) bool {
	q := " " + strings.Join(words(query), " ") + " "
	for _, k := range keywords {
		kw := words(k)
		if len(kw) > 0 && strings.Contains(q, " "+strings.Join(kw, " ")+" ") {
			return true
		}
	}
	return false
}

// words splits s into lowercase words. Letters, digits and apostrophes form
// words; a percent sign is a word of its own.
func words(s string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '\'':
			cur.WriteRune(r)
		case r == '%':
			flush()
			out = append(out, "%")
		default:
			flush()
		}
	}
	flush()
	return out
}

func usable(steps []StepTemplate, available map[rights2roof.ToolName]map[string]any) bool {
	if len(available) == 0 {
		return true
	}
	for _, s := range steps {
		tool, _ := rights2roof.ParseToolName(s.Tool)
		if _, ok := available[tool]; !ok {
			return false
		}
	}
	return true
}
