package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/eventbus"
)

type mockCapability struct {
	name     rights2roof.ToolName
	invoke   func(ctx context.Context, input map[string]any) (any, error)
	validate func(input map[string]any) error
}

func (m *mockCapability) Name() rights2roof.ToolName { return m.name }
func (m *mockCapability) Invoke(ctx context.Context, input map[string]any) (any, error) {
	return m.invoke(ctx, input)
}
func (m *mockCapability) Schema() map[string]any { return map[string]any{"description": "mock"} }
func (m *mockCapability) Validate(input map[string]any) error {
	if m.validate != nil {
		return m.validate(input)
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, caps []rights2roof.Capability, opts ...Option) *Dispatcher {
	t.Helper()
	reg, err := rights2roof.NewRegistry(caps...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return New(reg, append([]Option{WithLogger(quietLogger()), WithRetryDelay(time.Millisecond)}, opts...)...)
}

func TestDispatch_Success(t *testing.T) {
	d := newTestDispatcher(t, []rights2roof.Capability{
		&mockCapability{name: rights2roof.ToolNews, invoke: func(ctx context.Context, input map[string]any) (any, error) {
			return []map[string]string{{"title": "Brooklyn tenants rally", "url": "https://example.com/a"}}, nil
		}},
	})

	obs := d.Dispatch(context.Background(), rights2roof.Step{Intent: "brooklyn housing news", Tool: "news_tool"}, 0)
	if obs.Tool != rights2roof.ToolNews || obs.Step != "1" || obs.Input != "brooklyn housing news" {
		t.Fatalf("unexpected observation %+v", obs)
	}
	items, ok := obs.Output.([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("output not normalized: %#v", obs.Output)
	}
	if items[0].(map[string]any)["title"] != "Brooklyn tenants rally" {
		t.Errorf("unexpected item %#v", items[0])
	}
	if obs.Failed() {
		t.Error("successful step reported as failed")
	}
}

func TestDispatch_UnknownToolNeverRaises(t *testing.T) {
	d := newTestDispatcher(t, nil)

	for _, name := range []string{"weather_tool", "", "error", "NEWS"} {
		obs := d.Dispatch(context.Background(), rights2roof.Step{ID: "s9", Intent: "q", Tool: name}, 3)
		if obs.Tool != rights2roof.ToolError {
			t.Fatalf("%q: expected error tool, got %s", name, obs.Tool)
		}
		out, ok := obs.Output.(map[string]any)
		if !ok || out["error"] != "tool not found" || out["requested_tool"] != name {
			t.Errorf("%q: unexpected output %#v", name, obs.Output)
		}
		if obs.Step != "s9" {
			t.Errorf("step id not kept: %q", obs.Step)
		}
	}
	if m := d.GetMetrics(); m.UnknownTools != 4 || m.StepsFailed != 4 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestDispatch_InvocationErrorKeepsToolName(t *testing.T) {
	d := newTestDispatcher(t, []rights2roof.Capability{
		&mockCapability{name: rights2roof.ToolWikipedia, invoke: func(ctx context.Context, input map[string]any) (any, error) {
			return nil, errors.New("503 from upstream")
		}},
	})

	obs := d.Dispatch(context.Background(), rights2roof.Step{Intent: "q", Tool: "wikipedia_search"}, 1)
	if obs.Tool != rights2roof.ToolWikipedia {
		t.Errorf("tool = %s", obs.Tool)
	}
	if obs.Output != "Error executing tool: 503 from upstream" {
		t.Errorf("output = %#v", obs.Output)
	}
	if obs.Step != "2" {
		t.Errorf("step = %q", obs.Step)
	}
}

func TestDispatch_ValidationFailure(t *testing.T) {
	called := false
	d := newTestDispatcher(t, []rights2roof.Capability{
		&mockCapability{
			name:     rights2roof.ToolDisputeLetter,
			invoke:   func(ctx context.Context, input map[string]any) (any, error) { called = true; return "x", nil },
			validate: func(input map[string]any) error { return errors.New("missing tenant_name") },
		},
	})

	obs := d.Dispatch(context.Background(), rights2roof.Step{Intent: "letter", Tool: "dispute_resolution_tool", Input: map[string]any{"dispute_type": "repair_request"}}, 0)
	if called {
		t.Error("capability invoked despite invalid input")
	}
	if obs.Output != "Error executing tool: missing tenant_name" {
		t.Errorf("output = %#v", obs.Output)
	}
	in, ok := obs.Input.(map[string]any)
	if !ok || in["dispute_type"] != "repair_request" || in["query"] != "letter" {
		t.Errorf("input = %#v", obs.Input)
	}
}

func TestDispatch_PanicIsRecovered(t *testing.T) {
	d := newTestDispatcher(t, []rights2roof.Capability{
		&mockCapability{name: rights2roof.ToolTime, invoke: func(ctx context.Context, input map[string]any) (any, error) {
			panic("clock exploded")
		}},
	})

	obs := d.Dispatch(context.Background(), rights2roof.Step{Intent: "what time", Tool: "time_tool"}, 0)
	out, _ := obs.Output.(string)
	if !strings.HasPrefix(out, rights2roof.ErrorOutputPrefix) || !strings.Contains(out, "clock exploded") {
		t.Errorf("output = %#v", obs.Output)
	}
}

func TestDispatch_TimeoutDoesNotHang(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	d := newTestDispatcher(t, []rights2roof.Capability{
		&mockCapability{name: rights2roof.ToolTavily, invoke: func(ctx context.Context, input map[string]any) (any, error) {
			<-block
			return "late", nil
		}},
	}, WithStepTimeout(20*time.Millisecond))

	start := time.Now()
	obs := d.Dispatch(context.Background(), rights2roof.Step{Intent: "q", Tool: "tavily_tool"}, 0)
	if time.Since(start) > time.Second {
		t.Fatal("dispatch waited for a stuck tool")
	}
	out, _ := obs.Output.(string)
	if !strings.HasPrefix(out, rights2roof.ErrorOutputPrefix) || !strings.Contains(out, "timed out") {
		t.Errorf("output = %#v", obs.Output)
	}
	if m := d.GetMetrics(); m.Timeouts != 1 {
		t.Errorf("timeouts = %d", m.Timeouts)
	}
}

func TestDispatch_Retries(t *testing.T) {
	var calls int32
	d := newTestDispatcher(t, []rights2roof.Capability{
		&mockCapability{name: rights2roof.ToolBingRSS, invoke: func(ctx context.Context, input map[string]any) (any, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("flaky")
			}
			return "feed", nil
		}},
	}, WithMaxRetries(2))

	obs := d.Dispatch(context.Background(), rights2roof.Step{Intent: "q", Tool: "bing_rss_tool"}, 0)
	if obs.Output != "feed" {
		t.Errorf("output = %#v", obs.Output)
	}
	if m := d.GetMetrics(); m.TotalRetries != 2 || m.StepsSuccessful != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestDispatchAll_PreservesOrderUnderConcurrency(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	d := newTestDispatcher(t, []rights2roof.Capability{
		&mockCapability{name: rights2roof.ToolNews, invoke: func(ctx context.Context, input map[string]any) (any, error) {
			q := input["query"].(string)
			if q == "first" {
				time.Sleep(30 * time.Millisecond)
			}
			mu.Lock()
			seen = append(seen, q)
			mu.Unlock()
			return "news:" + q, nil
		}},
		&mockCapability{name: rights2roof.ToolTime, invoke: func(ctx context.Context, input map[string]any) (any, error) {
			return nil, errors.New("down")
		}},
	}, WithMaxWorkers(4))

	steps := []rights2roof.Step{
		{Intent: "first", Tool: "news_tool"},
		{Intent: "second", Tool: "time_tool"},
		{Intent: "third", Tool: "weather_tool"},
		{Intent: "fourth", Tool: "news_tool"},
	}
	got := d.DispatchAll(context.Background(), steps)
	if len(got) != 4 {
		t.Fatalf("expected 4 observations, got %d", len(got))
	}
	if got[0].Output != "news:first" || got[3].Output != "news:fourth" {
		t.Errorf("successful steps out of order: %+v", got)
	}
	if !got[1].Failed() || got[1].Tool != rights2roof.ToolTime {
		t.Errorf("step 2 should be a failed time_tool step: %+v", got[1])
	}
	if got[2].Tool != rights2roof.ToolError {
		t.Errorf("step 3 should be an unknown-tool record: %+v", got[2])
	}
	for i, o := range got {
		if o.Step != rights2roof.StepLabel(i) {
			t.Errorf("step %d labelled %q", i, o.Step)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "fourth" {
		t.Errorf("expected concurrent execution, saw %v", seen)
	}
}

func TestDispatch_ObserverSeesEveryStep(t *testing.T) {
	var outcomes []string
	d := newTestDispatcher(t, []rights2roof.Capability{
		&mockCapability{name: rights2roof.ToolNews, invoke: func(ctx context.Context, input map[string]any) (any, error) {
			return "ok", nil
		}},
	}, WithObserver(func(tool rights2roof.ToolName, outcome string, _ time.Duration) {
		outcomes = append(outcomes, string(tool)+":"+outcome)
	}))

	d.Dispatch(context.Background(), rights2roof.Step{Intent: "q", Tool: "news_tool"}, 0)
	d.Dispatch(context.Background(), rights2roof.Step{Intent: "q", Tool: "nope"}, 1)

	if strings.Join(outcomes, ",") != "news_tool:success,error:unknown_tool" {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestDispatch_PublishesStepEvents(t *testing.T) {
	bus := eventbus.NewChannelEventBus(eventbus.WithLogger(quietLogger()))
	defer bus.Close()

	var (
		mu   sync.Mutex
		seen = map[eventbus.EventType]int{}
	)
	got := make(chan struct{}, 8)
	if _, err := bus.SubscribeAll(func(ctx context.Context, e eventbus.Event) error {
		mu.Lock()
		seen[e.Type()]++
		mu.Unlock()
		got <- struct{}{}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	d := newTestDispatcher(t, []rights2roof.Capability{
		&mockCapability{name: rights2roof.ToolTime, invoke: func(ctx context.Context, input map[string]any) (any, error) {
			return "noon", nil
		}},
	}, WithEventBus(bus))

	d.DispatchAll(context.Background(), []rights2roof.Step{
		{Intent: "what time is it", Tool: "time_tool"},
		{Intent: "weather", Tool: "weather_tool"},
	})

	for i := 0; i < 3; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 3 events delivered", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if seen[eventbus.EventStepStarted] != 1 || seen[eventbus.EventStepSuccess] != 1 || seen[eventbus.EventStepFailure] != 1 {
		t.Errorf("events = %v", seen)
	}
}
