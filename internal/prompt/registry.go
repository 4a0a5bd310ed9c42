// Package prompt holds the named prompt templates used by the model flows.
package prompt

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
)

//go:embed prompts/*.tmpl
var builtin embed.FS

// Prompt names.
const (
	PlannerSystem     = "planner.system"
	PlannerUser       = "planner.user"
	DraftSystem       = "draft.system"
	DraftUser         = "draft.user"
	SynthesizerSystem = "synthesizer.system"
	SynthesizerUser   = "synthesizer.user"
	ChatSystem        = "chat.system"
	ChatUser          = "chat.user"
)

// Registry manages the loading and rendering of prompt templates.
type Registry struct {
	mu        sync.RWMutex
	templates *template.Template
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return string(raw), nil
	},
	"trim": strings.TrimSpace,
}

// NewRegistry loads the built-in prompts.
func NewRegistry() (*Registry, error) {
	t, err := template.New("prompts").Funcs(funcs).ParseFS(builtin, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompts: %w", err)
	}
	return &Registry{templates: t}, nil
}

// MustRegistry is NewRegistry for callers that cannot recover from broken
// built-in prompts.
func MustRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// Define adds or replaces a prompt.
func (r *Registry) Define(name, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.templates.New(name).Parse(text); err != nil {
		return fmt.Errorf("failed to define prompt '%s': %w", name, err)
	}
	return nil
}

// Render executes the named prompt with data.
func (r *Registry) Render(name string, data any) (string, error) {
	r.mu.RLock()
	t := r.templates.Lookup(name)
	r.mu.RUnlock()
	if t == nil {
		return "", fmt.Errorf("prompt '%s' not found", name)
	}

	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render prompt '%s': %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Names lists the defined prompts.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, t := range r.templates.Templates() {
		if strings.Contains(t.Name(), ".") && !strings.HasSuffix(t.Name(), ".tmpl") {
			names = append(names, t.Name())
		}
	}
	sort.Strings(names)
	return names
}
