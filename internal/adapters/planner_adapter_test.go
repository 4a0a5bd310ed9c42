package adapters

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/OhziiiLov3/rights2roof"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls [][]rights2roof.Step
}

func (d *recordingDispatcher) DispatchAll(ctx context.Context, steps []rights2roof.Step) []rights2roof.Observation {
	d.mu.Lock()
	d.calls = append(d.calls, steps)
	d.mu.Unlock()

	out := make([]rights2roof.Observation, len(steps))
	for i, s := range steps {
		tool, ok := rights2roof.ParseToolName(s.Tool)
		if !ok || tool == rights2roof.ToolError {
			out[i] = rights2roof.NewErrorObservation(s.Query(), map[string]any{"error": "tool not found"}, rights2roof.StepLabel(i))
			continue
		}
		out[i] = rights2roof.Observation{Tool: tool, Input: s.Query(), Output: "ok:" + s.Query(), Step: rights2roof.StepLabel(i)}
	}
	return out
}

type kvStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newKVStore() *kvStore { return &kvStore{data: make(map[string][]byte)} }

func (s *kvStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *kvStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *kvStore) Append(ctx context.Context, key string, value []byte) error { return nil }

func (s *kvStore) Read(ctx context.Context, key string, limit int) ([][]byte, error) {
	return nil, nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPlannerAdapter_ResolvesStepsInOrder(t *testing.T) {
	d := &recordingDispatcher{}
	p := NewPlannerAdapter(func(ctx context.Context, in *rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
		return &rights2roof.Decomposition{Steps: []rights2roof.Step{
			{Intent: "find brooklyn housing news", Tool: "news_tool"},
			{Intent: "explain rent stabilization", Tool: "knowledge_base_search"},
		}}, nil
	}, d, WithPlannerLogger(silentLogger()))

	plan, err := p.Plan(context.Background(), rights2roof.PlannerInput{Query: "Brooklyn rent news"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Len() != 2 {
		t.Fatalf("expected 2 steps, got %d", plan.Len())
	}
	if plan.Steps[0].Tool != rights2roof.ToolNews || plan.Steps[1].Tool != rights2roof.ToolKnowledgeBase {
		t.Errorf("tools out of order: %v", plan.Tools())
	}
	if err := plan.Validate(); err != nil {
		t.Errorf("plan invalid: %v", err)
	}
}

func TestPlannerAdapter_FailureYieldsErrorStep(t *testing.T) {
	p := NewPlannerAdapter(func(ctx context.Context, in *rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
		return nil, errors.New("model unavailable")
	}, &recordingDispatcher{}, WithPlannerLogger(silentLogger()))

	plan, err := p.Plan(context.Background(), rights2roof.PlannerInput{Query: "can my landlord evict me"})
	if err == nil {
		t.Fatal("expected a fallback error")
	}
	if rights2roof.CodeOf(err) != rights2roof.ErrCodeSynthesis {
		t.Errorf("code = %s", rights2roof.CodeOf(err))
	}
	if plan.Len() != 1 {
		t.Fatalf("expected single fallback step, got %d", plan.Len())
	}
	step := plan.Steps[0]
	if step.Tool != rights2roof.ToolError || step.Input != "can my landlord evict me" || step.Step != "1" {
		t.Errorf("fallback step = %+v", step)
	}
	if out, _ := step.Output.(string); out != "planning failed: model unavailable" {
		t.Errorf("output = %#v", step.Output)
	}
}

func TestPlannerAdapter_NoDecomposerFallsBack(t *testing.T) {
	plan, err := NewPlannerAdapter(nil, &recordingDispatcher{}, WithPlannerLogger(silentLogger())).
		Plan(context.Background(), rights2roof.PlannerInput{Query: "x"})
	if err == nil || plan.Len() != 1 || plan.Steps[0].Tool != rights2roof.ToolError {
		t.Errorf("plan = %+v, err = %v", plan, err)
	}
}

func TestPlannerAdapter_EmptyQueryGivesEmptyPlan(t *testing.T) {
	called := false
	p := NewPlannerAdapter(func(ctx context.Context, in *rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
		called = true
		return &rights2roof.Decomposition{}, nil
	}, &recordingDispatcher{})

	plan, err := p.Plan(context.Background(), rights2roof.PlannerInput{Query: "   "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Steps == nil || plan.Len() != 0 {
		t.Errorf("expected empty non-nil plan, got %#v", plan.Steps)
	}
	if called {
		t.Error("decomposer called for a blank query")
	}
}

func TestPlannerAdapter_DefaultToolAndCap(t *testing.T) {
	d := &recordingDispatcher{}
	none := NewPlannerAdapter(func(ctx context.Context, in *rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
		return &rights2roof.Decomposition{}, nil
	}, d, WithDefaultTool(rights2roof.ToolDuckDuckGo))

	plan, err := none.Plan(context.Background(), rights2roof.PlannerInput{Query: "deposit rules"})
	if err != nil || plan.Len() != 1 || plan.Steps[0].Tool != rights2roof.ToolDuckDuckGo {
		t.Fatalf("plan = %+v, err = %v", plan, err)
	}

	many := NewPlannerAdapter(func(ctx context.Context, in *rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
		steps := make([]rights2roof.Step, 8)
		for i := range steps {
			steps[i] = rights2roof.Step{Tool: "time_tool"}
		}
		return &rights2roof.Decomposition{Steps: steps}, nil
	}, d, WithMaxSteps(3), WithPlannerLogger(silentLogger()))

	plan, _ = many.Plan(context.Background(), rights2roof.PlannerInput{Query: "what time is it"})
	if plan.Len() != 3 {
		t.Errorf("expected 3 steps, got %d", plan.Len())
	}
	if plan.Steps[0].Input != "what time is it" {
		t.Errorf("blank intent not filled from query: %#v", plan.Steps[0].Input)
	}
}

func TestPlannerAdapter_IntentOnlyStepsUseDefaultTool(t *testing.T) {
	decompose := func(ctx context.Context, in *rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
		return &rights2roof.Decomposition{Steps: []rights2roof.Step{
			{Intent: "search tenant deposit law"},
			{Intent: "current time", Tool: "time_tool"},
			{Intent: "find eviction rules", Tool: "  "},
		}}, nil
	}

	d := &recordingDispatcher{}
	plan, err := NewPlannerAdapter(decompose, d, WithDefaultTool(rights2roof.ToolDuckDuckGo)).
		Plan(context.Background(), rights2roof.PlannerInput{Query: "deposit and eviction"})
	if err != nil {
		t.Fatal(err)
	}
	want := []rights2roof.ToolName{rights2roof.ToolDuckDuckGo, rights2roof.ToolTime, rights2roof.ToolDuckDuckGo}
	for i, tool := range want {
		if plan.Steps[i].Tool != tool || plan.Steps[i].Failed() {
			t.Errorf("step %d = %+v, want tool %s", i, plan.Steps[i], tool)
		}
	}

	// Without a default tool the step stays unresolved and fails in dispatch.
	d = &recordingDispatcher{}
	plan, _ = NewPlannerAdapter(decompose, d).Plan(context.Background(), rights2roof.PlannerInput{Query: "deposit and eviction"})
	if !plan.Steps[0].Failed() {
		t.Errorf("step without a tool should fail without a default: %+v", plan.Steps[0])
	}
}

func TestPlannerAdapter_CachesDecomposition(t *testing.T) {
	calls := 0
	p := NewPlannerAdapter(func(ctx context.Context, in *rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
		calls++
		return &rights2roof.Decomposition{Steps: []rights2roof.Step{{Intent: in.Query, Tool: "news_tool"}}}, nil
	}, &recordingDispatcher{}, WithPlanCache(newKVStore(), time.Minute))

	in := rights2roof.PlannerInput{Query: "queens eviction news", PriorContext: "User: hi"}
	for i := 0; i < 3; i++ {
		if _, err := p.Plan(context.Background(), in); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("decomposer called %d times", calls)
	}

	in.PriorContext = "User: something else"
	if _, err := p.Plan(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("prior context change should miss the cache; calls = %d", calls)
	}
}
