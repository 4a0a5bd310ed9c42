package rights2roof

import (
	"context"
	"log/slog"
	"strings"

	"github.com/OhziiiLov3/rights2roof/internal/eventbus"
)

// turnComponents holds what the state transitions need.
type turnComponents struct {
	history     *History
	planner     Planner
	retriever   Retriever
	synthesizer Synthesizer
	registry    *Registry
	config      Config
	logger      *slog.Logger
}

// newTurnStateMachine wires every coordinator state.
func newTurnStateMachine(c turnComponents, eventBus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(eventBus)

	sm.RegisterTransition(StateLoadHistory, loadHistoryTransition(c))
	sm.RegisterTransition(StatePlan, planTransition(c))
	sm.RegisterTransition(StateRetrieve, retrieveTransition(c))
	sm.RegisterTransition(StateExecute, executeTransition(c))
	sm.RegisterTransition(StatePersist, persistTransition(c))

	return sm
}

func publish(ctx context.Context, eb eventbus.EventBus, logger *slog.Logger, typ eventbus.EventType, payload any, source string, meta map[string]any) {
	if eb == nil {
		return
	}
	if err := eb.Publish(ctx, eventbus.NewEvent(typ, payload, source, meta)); err != nil {
		logger.Debug("Event not published", "event_type", typ, "error", err)
	}
}

func loadHistoryTransition(c turnComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, st TurnState) (ProcessState, TurnState, error) {
		answer, hit, err := c.history.CachedAnswer(ctx, st.SessionID(), st.Query())
		if err != nil {
			return StateError, st, NewCoordinatorError(string(StateLoadHistory), "turn cache lookup failed", err)
		}
		if hit {
			c.logger.Info("Cache hit", "turn_id", st.ID(), "session_id", st.SessionID())
			publish(ctx, eb, c.logger, eventbus.EventTurnCacheHit, st.Query(), "Pipeline.LoadHistory",
				map[string]any{"turn_id": st.ID(), "session_id": st.SessionID()})
			return StateDone, st.WithCacheHit(answer), nil
		}

		turns, err := c.history.ReadTurns(ctx, st.SessionID(), c.config.HistoryLimit)
		if err != nil {
			return StateError, st, NewCoordinatorError(string(StateLoadHistory), "history read failed", err)
		}
		publish(ctx, eb, c.logger, eventbus.EventHistoryLoaded, st.Query(), "Pipeline.LoadHistory",
			map[string]any{"turn_id": st.ID(), "turns": len(turns)})

		return StatePlan, st.WithHistory(turns), nil
	}
}

func planTransition(c turnComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, st TurnState) (ProcessState, TurnState, error) {
		input := PlannerInput{
			Query:        st.Query(),
			PriorContext: FormatPriorContext(st.History()),
			ToolSchema:   c.registry.Schemas(),
		}
		publish(ctx, eb, c.logger, eventbus.EventPlanStarted, st.Query(), "Pipeline.Plan",
			map[string]any{"turn_id": st.ID(), "tools": len(input.ToolSchema)})

		plan, err := c.planner.Plan(ctx, input)
		if err != nil {
			c.logger.Warn("Planner fell back", "turn_id", st.ID(), "error", err)
			publish(ctx, eb, c.logger, eventbus.EventPlanFallback, err.Error(), "Pipeline.Plan",
				map[string]any{"turn_id": st.ID(), "error": err.Error()})
		}
		if verr := plan.Validate(); verr != nil {
			return StateError, st, NewCoordinatorError(string(StatePlan), "planner returned a malformed plan", verr)
		}
		publish(ctx, eb, c.logger, eventbus.EventPlanSuccess, plan, "Pipeline.Plan",
			map[string]any{"turn_id": st.ID(), "step_count": plan.Len()})

		st = st.WithPlan(plan)
		if c.config.EnableRetrieval && c.retriever != nil {
			return StateRetrieve, st, nil
		}
		return StateExecute, st, nil
	}
}

func retrieveTransition(c turnComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, st TurnState) (ProcessState, TurnState, error) {
		publish(ctx, eb, c.logger, eventbus.EventRetrievalStarted, st.Query(), "Pipeline.Retrieve",
			map[string]any{"turn_id": st.ID()})

		rc, err := c.retriever.Retrieve(ctx, RetrievalInput{
			Query:         st.Query(),
			Plan:          st.Plan(),
			PriorMessages: PriorMessages(st.History(), c.config.PriorMessageLimit),
		})
		if err != nil {
			c.logger.Warn("Context retrieval failed", "turn_id", st.ID(), "error", err)
			publish(ctx, eb, c.logger, eventbus.EventRetrievalFallback, err.Error(), "Pipeline.Retrieve",
				map[string]any{"turn_id": st.ID(), "error": err.Error()})
			if rc.Error == "" {
				rc = RetrievedContext{Error: err.Error()}
			}
		} else {
			publish(ctx, eb, c.logger, eventbus.EventRetrievalSuccess, rc.String(), "Pipeline.Retrieve",
				map[string]any{"turn_id": st.ID(), "passages": len(rc.Passages), "insufficient": rc.Insufficient})
		}

		return StateExecute, st.WithRetrieved(rc), nil
	}
}

func executeTransition(c turnComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, st TurnState) (ProcessState, TurnState, error) {
		plan := st.Plan()
		publish(ctx, eb, c.logger, eventbus.EventSynthesisStarted, st.Query(), "Pipeline.Execute",
			map[string]any{"turn_id": st.ID(), "observation_count": plan.Len()})

		answer, err := c.synthesizer.Synthesize(ctx, SynthesisInput{
			Query:        st.Query(),
			Observations: plan.Steps,
			Context:      st.Retrieved(),
			History:      st.History(),
		})
		if err != nil {
			c.logger.Warn("Synthesizer fell back", "turn_id", st.ID(), "error", err)
			publish(ctx, eb, c.logger, eventbus.EventSynthesisFallback, err.Error(), "Pipeline.Execute",
				map[string]any{"turn_id": st.ID(), "error": err.Error()})
		}
		if strings.TrimSpace(answer.Text) == "" {
			return StateError, st, NewCoordinatorError(string(StateExecute), "synthesizer returned no answer text", err)
		}
		if answer.Observations == nil {
			answer.Observations = plan.Steps
		}
		publish(ctx, eb, c.logger, eventbus.EventSynthesisSuccess, answer.Text, "Pipeline.Execute",
			map[string]any{"turn_id": st.ID(), "answer_length": len(answer.Text)})

		return StatePersist, st.WithAnswer(answer), nil
	}
}

func persistTransition(c turnComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, st TurnState) (ProcessState, TurnState, error) {
		turn := st.Turn()
		if err := c.history.AppendTurn(ctx, turn); err != nil {
			return StateError, st, NewCoordinatorError(string(StatePersist), "history append failed", err)
		}
		// The turn is in history from here on; a missing cache entry only
		// costs a recomputation.
		if err := c.history.CacheTurn(ctx, turn); err != nil {
			c.logger.Warn("Turn cache write failed", "turn_id", turn.ID, "session_id", turn.SessionID, "error", err)
			publish(ctx, eb, c.logger, eventbus.EventTurnCacheWriteFailed, err.Error(), "Pipeline.Persist",
				map[string]any{"turn_id": turn.ID, "session_id": turn.SessionID})
		}
		publish(ctx, eb, c.logger, eventbus.EventTurnPersisted, turn.ID, "Pipeline.Persist",
			map[string]any{"turn_id": turn.ID, "session_id": turn.SessionID})

		return StateDone, st, nil
	}
}
