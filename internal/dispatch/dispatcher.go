// Package dispatch routes plan steps to registered capabilities and turns
// every outcome, including failures, into an Observation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/eventbus"
	"github.com/sourcegraph/conc/pool"
)

// Step outcomes reported to an Observer.
const (
	OutcomeSuccess     = "success"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeUnknownTool = "unknown_tool"
)

// Observer is told about every dispatched step.
type Observer func(tool rights2roof.ToolName, outcome string, duration time.Duration)

// Dispatcher invokes plan steps against a Registry.
type Dispatcher struct {
	registry    *rights2roof.Registry
	maxWorkers  int
	maxRetries  int
	retryDelay  time.Duration
	stepTimeout time.Duration
	logger      *slog.Logger
	observer    Observer
	eventBus    eventbus.EventBus

	metrics DispatchMetrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxWorkers bounds how many steps run at once in DispatchAll.
func WithMaxWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxWorkers = n
		}
	}
}

// WithMaxRetries sets how many times a failed invocation is retried.
func WithMaxRetries(retries int) Option {
	return func(d *Dispatcher) {
		if retries >= 0 {
			d.maxRetries = retries
		}
	}
}

// WithRetryDelay sets the delay between retries.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		d.retryDelay = delay
	}
}

// WithStepTimeout bounds each invocation attempt.
func WithStepTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.stepTimeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObserver installs a per-step observer, typically a metrics recorder.
func WithObserver(fn Observer) Option {
	return func(d *Dispatcher) {
		d.observer = fn
	}
}

// WithEventBus publishes step events on bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(d *Dispatcher) {
		d.eventBus = bus
	}
}

// New creates a Dispatcher over registry.
func New(registry *rights2roof.Registry, options ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		maxWorkers:  5,
		retryDelay:  500 * time.Millisecond,
		stepTimeout: 20 * time.Second,
		logger:      slog.Default(),
	}
	for _, option := range options {
		option(d)
	}
	if registry.Len() == 0 {
		d.logger.Warn("Dispatcher initialized with an empty tool registry")
	}
	return d
}

// DispatchAll runs steps concurrently and returns their Observations in
// step order. A failing step never cancels its siblings.
func (d *Dispatcher) DispatchAll(ctx context.Context, steps []rights2roof.Step) []rights2roof.Observation {
	out := make([]rights2roof.Observation, len(steps))
	if len(steps) == 0 {
		return out
	}

	d.logger.Debug("Starting step dispatch", "total_steps", len(steps))
	p := pool.New().WithMaxGoroutines(d.maxWorkers)
	for i, step := range steps {
		p.Go(func() {
			out[i] = d.Dispatch(ctx, step, i)
		})
	}
	p.Wait()

	return out
}

// Dispatch runs one step. It never fails: unknown tools, invalid input,
// invocation errors, panics and timeouts all become error Observations.
func (d *Dispatcher) Dispatch(ctx context.Context, step rights2roof.Step, index int) rights2roof.Observation {
	start := time.Now()
	stepID := step.ID
	if stepID == "" {
		stepID = rights2roof.StepLabel(index)
	}

	input := make(map[string]any, len(step.Input)+1)
	for k, v := range step.Input {
		input[k] = v
	}
	input["query"] = step.Query()
	var recorded any = step.Query()
	if len(input) > 1 {
		recorded = rights2roof.Normalize(input)
	}

	capability, ok := d.registry.Lookup(step.Tool)
	if !ok {
		d.logger.Warn("Tool not found", "step", stepID, "requested_tool", step.Tool)
		d.record(rights2roof.ToolError, OutcomeUnknownTool, time.Since(start), 0)
		obs := rights2roof.NewErrorObservation(recorded, map[string]any{
			"error":          "tool not found",
			"requested_tool": step.Tool,
		}, stepID)
		d.publish(ctx, eventbus.EventStepFailure, obs)
		return obs
	}
	name := capability.Name()
	obs := rights2roof.Observation{Tool: name, Input: recorded, Step: stepID}
	d.publish(ctx, eventbus.EventStepStarted, obs)

	if err := capability.Validate(input); err != nil {
		d.logger.Warn("Step input rejected", "step", stepID, "tool", name, "error", err)
		d.record(name, OutcomeError, time.Since(start), 0)
		obs.Output = rights2roof.ErrorOutputPrefix + err.Error()
		d.publish(ctx, eventbus.EventStepFailure, obs)
		return obs
	}

	var (
		result  any
		err     error
		retries int
	)
	for attempt := 0; ; attempt++ {
		result, err = d.invoke(ctx, capability, input)
		if err == nil || attempt >= d.maxRetries {
			break
		}
		retries++
		d.logger.Info("Step failed, retrying", "step", stepID, "tool", name, "error", err, "retry", retries, "max_retries", d.maxRetries)
		d.publish(ctx, eventbus.EventStepRetry, obs)
		select {
		case <-ctx.Done():
		case <-time.After(d.retryDelay):
		}
		if ctx.Err() != nil {
			break
		}
	}

	duration := time.Since(start)
	if err != nil {
		outcome := OutcomeError
		if rights2roof.CodeOf(err) == rights2roof.ErrCodeTimeout {
			outcome = OutcomeTimeout
		}
		d.logger.Warn("Step failed", "step", stepID, "tool", name, "error", err, "duration", duration)
		d.record(name, outcome, duration, retries)
		obs.Output = rights2roof.ErrorOutputPrefix + failureDetail(err)
		d.publish(ctx, eventbus.EventStepFailure, obs)
		return obs
	}

	obs.Output = rights2roof.Normalize(result)
	if obs.Output == nil {
		obs.Output = ""
	}
	d.logger.Debug("Step completed", "step", stepID, "tool", name, "duration", duration)
	d.record(name, OutcomeSuccess, duration, retries)
	d.publish(ctx, eventbus.EventStepSuccess, obs)
	return obs
}

type invocation struct {
	value any
	err   error
}

// invoke runs one attempt bounded by the step timeout. A capability that
// ignores its context is abandoned, not waited for.
func (d *Dispatcher) invoke(ctx context.Context, capability rights2roof.Capability, input map[string]any) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.stepTimeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := capability.Invoke(callCtx, input)
		done <- invocation{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) && callCtx.Err() != nil {
				return nil, rights2roof.NewTimeoutError("dispatch", string(capability.Name()), res.err)
			}
			return nil, rights2roof.NewToolInvocationError(string(capability.Name()), res.err)
		}
		return res.value, nil
	case <-callCtx.Done():
		return nil, rights2roof.NewTimeoutError("dispatch", string(capability.Name()),
			fmt.Errorf("no result after %s: %w", d.stepTimeout, callCtx.Err()))
	}
}

// failureDetail is the user-facing part of a failed step's output.
func failureDetail(err error) string {
	var e *rights2roof.Error
	if errors.As(err, &e) {
		if e.Code == rights2roof.ErrCodeTimeout {
			return e.Message
		}
		if e.Cause != nil {
			return e.Cause.Error()
		}
		return e.Message
	}
	return err.Error()
}

func (d *Dispatcher) record(tool rights2roof.ToolName, outcome string, duration time.Duration, retries int) {
	d.metrics.update(outcome, duration, retries)
	if d.observer != nil {
		d.observer(tool, outcome, duration)
	}
}

func (d *Dispatcher) publish(ctx context.Context, typ eventbus.EventType, obs rights2roof.Observation) {
	if d.eventBus == nil {
		return
	}
	meta := map[string]any{"step": obs.Step, "tool": string(obs.Tool)}
	if sessionID, ok := rights2roof.SessionIDFrom(ctx); ok {
		meta["session_id"] = sessionID
	}
	if err := d.eventBus.Publish(ctx, eventbus.NewEvent(typ, obs, "Dispatcher.Dispatch", meta)); err != nil {
		d.logger.Debug("Event not published", "event_type", typ, "error", err)
	}
}

// GetMetrics returns a snapshot of the dispatch counters.
func (d *Dispatcher) GetMetrics() DispatchMetrics {
	return d.metrics.Copy()
}
