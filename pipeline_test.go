package rights2roof_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/adapters"
	"github.com/OhziiiLov3/rights2roof/internal/dispatch"
	"github.com/OhziiiLov3/rights2roof/internal/store"
)

// fixedPlan returns the same steps for every query.
func fixedPlan(steps ...rights2roof.Step) adapters.DecomposeFunc {
	return func(ctx context.Context, input *rights2roof.PlannerInput) (*rights2roof.Decomposition, error) {
		out := make([]rights2roof.Step, len(steps))
		copy(out, steps)
		return &rights2roof.Decomposition{Steps: out}, nil
	}
}

type harness struct {
	pipeline *rights2roof.Pipeline
	store    rights2roof.Store
	history  *rights2roof.History
}

func newHarness(t *testing.T, decompose adapters.DecomposeFunc, st rights2roof.Store, caps ...rights2roof.Capability) *harness {
	t.Helper()
	if st == nil {
		mem := store.NewMemory(time.Minute, nil)
		t.Cleanup(func() { _ = mem.Close() })
		st = mem
	}
	registry, err := rights2roof.NewRegistry(caps...)
	require.NoError(t, err)

	d := dispatch.New(registry, dispatch.WithRetryDelay(time.Millisecond), dispatch.WithStepTimeout(time.Second))
	cfg := rights2roof.DefaultConfig()
	cfg.EnableEventBus = false
	p, err := rights2roof.New(
		rights2roof.WithConfig(cfg),
		rights2roof.WithPlanner(adapters.NewPlannerAdapter(decompose, d)),
		rights2roof.WithSynthesizer(adapters.NewSynthesizerAdapter(nil)),
		rights2roof.WithStore(st),
		rights2roof.WithRegistry(registry),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return &harness{pipeline: p, store: st, history: rights2roof.NewHistory(st, cfg.CacheTTL)}
}

func newsTool(calls *atomic.Int32) rights2roof.Capability {
	return adapters.NewCapability(rights2roof.ToolNews,
		func(ctx context.Context, input map[string]any) (any, error) {
			calls.Add(1)
			return []map[string]any{
				{"title": "Brooklyn tenants win rent freeze vote", "link": "https://news.example/brooklyn-freeze"},
				{"title": "Crown Heights building gets repair order", "link": "https://news.example/crown-heights"},
			}, nil
		}, adapters.WithValidator(adapters.RequireKeys("query")))
}

func TestRunTurn_BrooklynNews(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, fixedPlan(rights2roof.Step{Intent: "Find Brooklyn housing news", Tool: string(rights2roof.ToolNews)}), nil, newsTool(&calls))
	ctx := context.Background()

	turn, err := h.pipeline.RunTurnDetailed(ctx, "Find recent housing news in Brooklyn", "U100")
	require.NoError(t, err)

	assert.Contains(t, turn.FinalAnswer, "Brooklyn tenants win rent freeze vote")
	assert.Contains(t, turn.FinalAnswer, "Crown Heights building gets repair order")
	assert.Contains(t, turn.FinalAnswer, "https://news.example/brooklyn-freeze")
	require.Len(t, turn.Plan.Steps, 1)
	step := turn.Plan.Steps[0]
	assert.Equal(t, rights2roof.ToolNews, step.Tool)
	assert.Equal(t, "1", step.Step)
	assert.Equal(t, "Find Brooklyn housing news", step.Input)
	articles, ok := step.Output.([]any)
	require.True(t, ok, "output = %#v", step.Output)
	assert.Len(t, articles, 2)
	assert.Equal(t, int32(1), calls.Load())

	turns, err := h.pipeline.Turns(ctx, "U100", 5)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, turn.ID, turns[0].ID)
	assert.Equal(t, "U100", turns[0].SessionID)
}

func TestRunTurn_UnknownToolDegradesGracefully(t *testing.T) {
	h := newHarness(t, fixedPlan(rights2roof.Step{Intent: "Get the weather in Oakland", Tool: "weather_tool"}), nil,
		adapters.NewCapability(rights2roof.ToolTime, func(ctx context.Context, input map[string]any) (any, error) {
			return "now", nil
		}))

	turn, err := h.pipeline.RunTurnDetailed(context.Background(), "What's the weather in Oakland?", "U1")
	require.NoError(t, err)

	assert.Equal(t, rights2roof.UnableToAnswer, turn.FinalAnswer)
	require.Len(t, turn.Plan.Steps, 1)
	assert.True(t, turn.Plan.Steps[0].Failed())
	assert.Equal(t, rights2roof.ToolError, turn.Plan.Steps[0].Tool)
}

func TestRunTurn_RepeatedQueryServedFromCache(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, fixedPlan(rights2roof.Step{Intent: "news", Tool: string(rights2roof.ToolNews)}), nil, newsTool(&calls))
	ctx := context.Background()

	first, err := h.pipeline.RunTurn(ctx, "Brooklyn housing news", "U2")
	require.NoError(t, err)
	second, err := h.pipeline.RunTurn(ctx, "Brooklyn housing news", "U2")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	turns, err := h.pipeline.Turns(ctx, "U2", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 1, "a cache hit is not a new turn")

	_, err = h.pipeline.RunTurn(ctx, "Brooklyn housing news", "U3")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "the cache is per session")
}

func TestRunTurn_PartialFailure(t *testing.T) {
	var calls atomic.Int32
	broken := adapters.NewCapability(rights2roof.ToolLegiScan,
		func(ctx context.Context, input map[string]any) (any, error) {
			return nil, errors.New("legiscan: upstream 503")
		})
	h := newHarness(t, fixedPlan(
		rights2roof.Step{Intent: "Brooklyn news", Tool: string(rights2roof.ToolNews)},
		rights2roof.Step{Intent: "NY rent bills", Tool: string(rights2roof.ToolLegiScan)},
	), nil, newsTool(&calls), broken)

	turn, err := h.pipeline.RunTurnDetailed(context.Background(), "Brooklyn rent news and bills", "U4")
	require.NoError(t, err)

	require.Len(t, turn.Plan.Steps, 2)
	assert.False(t, turn.Plan.Steps[0].Failed())
	assert.True(t, turn.Plan.Steps[1].Failed())
	assert.Equal(t, rights2roof.ToolLegiScan, turn.Plan.Steps[1].Tool)
	assert.Contains(t, turn.FinalAnswer, "Brooklyn tenants win rent freeze vote")
}

type failingAppend struct {
	rights2roof.Store
}

func (failingAppend) Append(ctx context.Context, key string, value []byte) error {
	return errors.New("append rejected")
}

func TestRunTurn_AppendFailureApologizesAndSavesNothing(t *testing.T) {
	var calls atomic.Int32
	mem := store.NewMemory(time.Minute, nil)
	defer mem.Close()
	h := newHarness(t, fixedPlan(rights2roof.Step{Intent: "news", Tool: string(rights2roof.ToolNews)}), failingAppend{mem}, newsTool(&calls))
	ctx := context.Background()

	answer, err := h.pipeline.RunTurn(ctx, "Brooklyn housing news", "U5")
	require.Error(t, err)
	assert.True(t, rights2roof.IsCoordinatorError(err))
	assert.Equal(t, rights2roof.Apology, answer)

	turns, err := rights2roof.NewHistory(mem, time.Hour).ReadTurns(ctx, "U5", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
	_, hit, err := h.history.CachedAnswer(ctx, "U5", "Brooklyn housing news")
	require.NoError(t, err)
	assert.False(t, hit)
}

type failingSet struct {
	rights2roof.Store
}

func (failingSet) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("cache unavailable")
}

func TestRunTurn_CacheWriteFailureStillAnswers(t *testing.T) {
	var calls atomic.Int32
	mem := store.NewMemory(time.Minute, nil)
	defer mem.Close()
	h := newHarness(t, fixedPlan(rights2roof.Step{Intent: "news", Tool: string(rights2roof.ToolNews)}), failingSet{mem}, newsTool(&calls))
	ctx := context.Background()

	answer, err := h.pipeline.RunTurn(ctx, "Brooklyn housing news", "U7")
	require.NoError(t, err)
	assert.NotEqual(t, rights2roof.Apology, answer)
	assert.Contains(t, answer, "Brooklyn tenants win rent freeze vote")

	turns, err := h.pipeline.Turns(ctx, "U7", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, answer, turns[0].FinalAnswer)
}

func TestRunTurn_SameSessionIsSerialized(t *testing.T) {
	var (
		mu       sync.Mutex
		inflight = map[string]int{}
		peak     = map[string]int{}
	)
	slow := adapters.NewCapability(rights2roof.ToolTime,
		func(ctx context.Context, input map[string]any) (any, error) {
			session, _ := rights2roof.SessionIDFrom(ctx)
			mu.Lock()
			inflight[session]++
			if inflight[session] > peak[session] {
				peak[session] = inflight[session]
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inflight[session]--
			mu.Unlock()
			return "tick", nil
		})
	h := newHarness(t, fixedPlan(rights2roof.Step{Intent: "time", Tool: string(rights2roof.ToolTime)}), nil, slow)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, session := range []string{"A", "B"} {
			wg.Add(1)
			go func(i int, session string) {
				defer wg.Done()
				_, err := h.pipeline.RunTurn(context.Background(), fmt.Sprintf("question %d", i), session)
				assert.NoError(t, err)
			}(i, session)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, peak["A"])
	assert.Equal(t, 1, peak["B"])
	for _, session := range []string{"A", "B"} {
		turns, err := h.pipeline.Turns(context.Background(), session, 0)
		require.NoError(t, err)
		assert.Len(t, turns, 4)
	}
}

func TestRunTurn_BlankSessionIsAnonymous(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, fixedPlan(rights2roof.Step{Intent: "news", Tool: string(rights2roof.ToolNews)}), nil, newsTool(&calls))

	turn, err := h.pipeline.RunTurnDetailed(context.Background(), "news", "   ")
	require.NoError(t, err)
	assert.Equal(t, rights2roof.DefaultSessionID, turn.SessionID)
}

func TestRunTurnAsync(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, fixedPlan(rights2roof.Step{Intent: "news", Tool: string(rights2roof.ToolNews)}), nil, newsTool(&calls))

	id, err := h.pipeline.RunTurnAsync(context.Background(), "Brooklyn housing news", "U6")
	require.NoError(t, err)

	var turn rights2roof.Turn
	require.Eventually(t, func() bool {
		turn, err = h.pipeline.GetAsyncResult(id)
		return !errors.Is(err, rights2roof.ErrExecutionInProgress)
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(turn.FinalAnswer, "Here is what I found"))

	status, err := h.pipeline.GetAsyncStatus(id)
	require.NoError(t, err)
	assert.True(t, status.IsComplete)
	assert.Equal(t, rights2roof.StateDone, status.CurrentState)
	assert.Contains(t, h.pipeline.ListAsyncExecutions(), id)

	assert.Equal(t, 0, h.pipeline.CleanupCompletedExecutions(time.Hour))
	assert.Equal(t, 1, h.pipeline.CleanupCompletedExecutions(0))
	_, err = h.pipeline.GetAsyncStatus(id)
	assert.ErrorIs(t, err, rights2roof.ErrExecutionNotFound)
}
