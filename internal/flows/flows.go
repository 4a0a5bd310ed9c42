// Package flows defines the model-backed genkit flows: planning, drafting,
// answer synthesis and follow-up chat.
package flows

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/firebase/genkit/go/core"
	"github.com/firebase/genkit/go/genkit"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/llm"
	"github.com/OhziiiLov3/rights2roof/internal/prompt"
)

// Flow names as registered with genkit.
const (
	PlannerFlowName     = "plannerFlow"
	DraftFlowName       = "draftFlow"
	SynthesizerFlowName = "synthesizerFlow"
	ChatFlowName        = "chatFlow"
)

// Flows bundles the defined flows.
type Flows struct {
	Planner     *core.Flow[*rights2roof.PlannerInput, *rights2roof.Decomposition, struct{}]
	Draft       *core.Flow[*rights2roof.DraftRequest, string, struct{}]
	Synthesizer *core.Flow[*rights2roof.SynthesisRequest, string, struct{}]
	Chat        *core.Flow[*rights2roof.ChatRequest, string, struct{}]
}

// Define registers every flow on g.
func Define(g *genkit.Genkit, completer llm.Completer, prompts *prompt.Registry, logger *slog.Logger) *Flows {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flows{
		Planner:     genkit.DefineFlow(g, PlannerFlowName, PlanFunc(completer, prompts, logger)),
		Draft:       genkit.DefineFlow(g, DraftFlowName, DraftFunc(completer, prompts)),
		Synthesizer: genkit.DefineFlow(g, SynthesizerFlowName, SynthesizeFunc(completer, prompts)),
		Chat:        genkit.DefineFlow(g, ChatFlowName, ChatFunc(completer, prompts)),
	}
}

type toolDoc struct {
	Name        string
	Description string
}

func toolDocs(schema map[rights2roof.ToolName]map[string]any) []toolDoc {
	docs := make([]toolDoc, 0, len(schema))
	for name, s := range schema {
		desc, _ := s["description"].(string)
		if params, ok := s["parameters"].(map[string]string); ok && len(params) > 0 {
			keys := make([]string, 0, len(params))
			for k := range params {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			desc = fmt.Sprintf("%s (input keys: %s)", desc, strings.Join(keys, ", "))
		}
		docs = append(docs, toolDoc{Name: string(name), Description: desc})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs
}

// PlanFunc decomposes a query with the model.
func PlanFunc(completer llm.Completer, prompts *prompt.Registry, logger *slog.Logger) func(context.Context, *rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
	return func(ctx context.Context, input *rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
		system, err := prompts.Render(prompt.PlannerSystem, map[string]any{"Tools": toolDocs(input.ToolSchema)})
		if err != nil {
			return nil, err
		}
		user, err := prompts.Render(prompt.PlannerUser, input)
		if err != nil {
			return nil, err
		}

		raw, err := completer.Complete(ctx, llm.Request{System: system, User: user})
		if err != nil {
			return nil, fmt.Errorf("planner generation failed: %w", err)
		}

		dec, err := ParseDecomposition(raw)
		if err != nil {
			logger.Error("Failed to parse planner output", "raw_output", raw, "error", err)
			return nil, err
		}
		logger.Info("Planner flow finished", "step_count", len(dec.Steps))
		return dec, nil
	}
}

// DraftFunc writes a grounded draft from retrieved documents.
func DraftFunc(completer llm.Completer, prompts *prompt.Registry) func(context.Context, *rights2roof.DraftRequest) (string, error) {
	return renderAndComplete[*rights2roof.DraftRequest](completer, prompts, prompt.DraftSystem, prompt.DraftUser)
}

// ChatFunc answers a follow-up question from the previous turn.
func ChatFunc(completer llm.Completer, prompts *prompt.Registry) func(context.Context, *rights2roof.ChatRequest) (string, error) {
	return renderAndComplete[*rights2roof.ChatRequest](completer, prompts, prompt.ChatSystem, prompt.ChatUser)
}

// SynthesizeFunc writes the final answer. Observations are normalized
// before they reach the prompt.
func SynthesizeFunc(completer llm.Completer, prompts *prompt.Registry) func(context.Context, *rights2roof.SynthesisRequest) (string, error) {
	inner := renderAndComplete[map[string]any](completer, prompts, prompt.SynthesizerSystem, prompt.SynthesizerUser)
	return func(ctx context.Context, req *rights2roof.SynthesisRequest) (string, error) {
		view := map[string]any{
			"Query":        req.Query,
			"Observations": rights2roof.Normalize(req.Observations),
			"Context":      req.Context,
			"Draft":        req.Draft,
			"PriorAnswer":  req.PriorAnswer,
		}
		return inner(ctx, view)
	}
}

func renderAndComplete[In any](completer llm.Completer, prompts *prompt.Registry, systemName, userName string) func(context.Context, In) (string, error) {
	return func(ctx context.Context, in In) (string, error) {
		system, err := prompts.Render(systemName, in)
		if err != nil {
			return "", err
		}
		user, err := prompts.Render(userName, in)
		if err != nil {
			return "", err
		}
		out, err := completer.Complete(ctx, llm.Request{System: system, User: user})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(out), nil
	}
}
