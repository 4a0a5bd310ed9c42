package adapters

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/OhziiiLov3/rights2roof"
)

// DecomposeFunc breaks a query into intent steps. The genkit planner flow's
// Run method and the offline plan book both satisfy it.
type DecomposeFunc func(ctx context.Context, input *rights2roof.PlannerInput) (*rights2roof.Decomposition, error)

// StepDispatcher resolves intent steps into Observations.
type StepDispatcher interface {
	DispatchAll(ctx context.Context, steps []rights2roof.Step) []rights2roof.Observation
}

// PlannerAdapter implements rights2roof.Planner: it decomposes the query,
// then enriches every step inline through the dispatcher.
type PlannerAdapter struct {
	decompose   DecomposeFunc
	dispatcher  StepDispatcher
	cache       rights2roof.Store
	cacheTTL    time.Duration
	maxSteps    int
	defaultTool rights2roof.ToolName
	logger      *slog.Logger
}

// PlannerOption configures a PlannerAdapter.
type PlannerOption func(*PlannerAdapter)

// WithPlanCache caches decompositions in store for ttl.
func WithPlanCache(store rights2roof.Store, ttl time.Duration) PlannerOption {
	return func(a *PlannerAdapter) {
		a.cache = store
		a.cacheTTL = ttl
	}
}

// WithMaxSteps caps the number of steps kept from a decomposition.
func WithMaxSteps(n int) PlannerOption {
	return func(a *PlannerAdapter) {
		if n > 0 {
			a.maxSteps = n
		}
	}
}

// WithDefaultTool routes steps that name no tool, and a non-empty query that
// decomposed to zero steps.
func WithDefaultTool(tool rights2roof.ToolName) PlannerOption {
	return func(a *PlannerAdapter) {
		a.defaultTool = tool
	}
}

// WithPlannerLogger sets the logger.
func WithPlannerLogger(logger *slog.Logger) PlannerOption {
	return func(a *PlannerAdapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewPlannerAdapter creates a planner over decompose and dispatcher.
func NewPlannerAdapter(decompose DecomposeFunc, dispatcher StepDispatcher, options ...PlannerOption) *PlannerAdapter {
	a := &PlannerAdapter{
		decompose:  decompose,
		dispatcher: dispatcher,
		maxSteps:   5,
		cacheTTL:   time.Hour,
		logger:     slog.Default(),
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// Plan implements rights2roof.Planner. The returned Plan is always usable;
// an error means it is the single-step fallback.
func (a *PlannerAdapter) Plan(ctx context.Context, input rights2roof.PlannerInput) (rights2roof.Plan, error) {
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return rights2roof.Plan{Steps: []rights2roof.Observation{}}, nil
	}

	dec, err := a.decomposition(ctx, input)
	if err != nil {
		a.logger.Warn("Plan generation failed", "error", err)
		return rights2roof.FallbackPlan(input.Query, "planning failed: "+err.Error()),
			rights2roof.NewSynthesisError("planning", err)
	}

	steps := make([]rights2roof.Step, 0, len(dec.Steps))
	for _, s := range dec.Steps {
		if strings.TrimSpace(s.Query()) == "" {
			s.Intent = query
		}
		if strings.TrimSpace(s.Tool) == "" && a.defaultTool != "" {
			s.Tool = string(a.defaultTool)
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 && a.defaultTool != "" {
		steps = append(steps, rights2roof.Step{Intent: query, Tool: string(a.defaultTool)})
	}
	if len(steps) > a.maxSteps {
		a.logger.Info("Plan truncated", "steps", len(steps), "max_steps", a.maxSteps)
		steps = steps[:a.maxSteps]
	}

	obs := a.dispatcher.DispatchAll(ctx, steps)
	if obs == nil {
		obs = []rights2roof.Observation{}
	}
	return rights2roof.Plan{Steps: obs}, nil
}

func (a *PlannerAdapter) decomposition(ctx context.Context, input rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
	if a.decompose == nil {
		return nil, errors.New("no planner configured")
	}

	key := a.cacheKey(input)
	if a.cache != nil {
		raw, found, err := a.cache.Get(ctx, key)
		if err != nil {
			a.logger.Warn("Plan cache lookup failed", "error", err)
		} else if found {
			var dec rights2roof.Decomposition
			if err := json.Unmarshal(raw, &dec); err == nil {
				a.logger.Debug("Plan cache hit", "key", key)
				return &dec, nil
			}
		}
	}

	dec, err := a.decompose(ctx, &input)
	if err != nil {
		return nil, err
	}
	if dec == nil {
		return nil, errors.New("planner returned no decomposition")
	}

	if a.cache != nil && len(dec.Steps) > 0 {
		if raw, err := json.Marshal(dec); err == nil {
			if err := a.cache.Set(ctx, key, raw, a.cacheTTL); err != nil {
				a.logger.Warn("Plan cache write failed", "error", err)
			}
		}
	}
	return dec, nil
}

// cacheKey hashes everything the decomposition depends on.
func (a *PlannerAdapter) cacheKey(input rights2roof.PlannerInput) string {
	tools := make([]string, 0, len(input.ToolSchema))
	for name := range input.ToolSchema {
		tools = append(tools, string(name))
	}
	sort.Strings(tools)

	raw, _ := json.Marshal(struct {
		Query        string   `json:"query"`
		PriorContext string   `json:"prior_context"`
		Tools        []string `json:"tools"`
	}{strings.TrimSpace(input.Query), input.PriorContext, tools})

	sum := sha1.Sum(raw)
	return "planner:" + hex.EncodeToString(sum[:])
}
