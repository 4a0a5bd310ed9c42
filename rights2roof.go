// Package rights2roof answers tenant-rights questions over multiple turns.
// A turn is planned into tool steps, grounded in a document corpus and
// synthesized into one answer, and the result is kept as session history
// for follow-up questions.
package rights2roof

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/OhziiiLov3/rights2roof/internal/eventbus"
	"github.com/google/uuid"
)

// DefaultSessionID is used when a turn arrives without a session.
const DefaultSessionID = "anonymous"

// Pipeline is the turn coordinator.
type Pipeline struct {
	planner     Planner
	retriever   Retriever
	synthesizer Synthesizer
	store       Store
	registry    *Registry
	eventBus    eventbus.EventBus
	logger      *slog.Logger

	config   Config
	history  *History
	sessions *sessionLocks
	ownsBus  bool

	asyncExecutions      map[string]*asyncExecution
	asyncExecutionsMutex sync.RWMutex
}

// Config holds the coordinator's tunables.
type Config struct {
	// Turns loaded as prior context for planning.
	HistoryLimit int

	// Prior messages handed to the retriever.
	PriorMessageLimit int

	// How long an answered query is served from cache.
	CacheTTL time.Duration

	// Enable/disable the RAG stage
	EnableRetrieval bool

	// Event bus configuration
	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:        5,
		PriorMessageLimit:   10,
		CacheTTL:            24 * time.Hour,
		EnableRetrieval:     true,
		EnableEventBus:      true,
		EventBusBufferSize:  100,
		EventBusWorkerCount: 5,
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig sets the configuration.
func WithConfig(config Config) Option {
	return func(p *Pipeline) {
		p.config = config
	}
}

// WithPlanner sets the planner component.
func WithPlanner(planner Planner) Option {
	return func(p *Pipeline) {
		p.planner = planner
	}
}

// WithRetriever sets the retriever component. Without one the RAG stage is
// skipped.
func WithRetriever(retriever Retriever) Option {
	return func(p *Pipeline) {
		p.retriever = retriever
	}
}

// WithSynthesizer sets the answer synthesizer.
func WithSynthesizer(synthesizer Synthesizer) Option {
	return func(p *Pipeline) {
		p.synthesizer = synthesizer
	}
}

// WithStore sets the history and cache store.
func WithStore(store Store) Option {
	return func(p *Pipeline) {
		p.store = store
	}
}

// WithRegistry sets the tool registry whose schemas feed the planner.
func WithRegistry(registry *Registry) Option {
	return func(p *Pipeline) {
		p.registry = registry
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a Pipeline with the provided options.
func New(options ...Option) (*Pipeline, error) {
	p := &Pipeline{
		config:          DefaultConfig(),
		logger:          slog.Default(),
		sessions:        newSessionLocks(),
		asyncExecutions: make(map[string]*asyncExecution),
	}

	for _, option := range options {
		option(p)
	}

	if p.planner == nil {
		return nil, NewConfigurationError("planner is required", nil)
	}
	if p.synthesizer == nil {
		return nil, NewConfigurationError("synthesizer is required", nil)
	}
	if p.store == nil {
		return nil, NewConfigurationError("store is required", nil)
	}
	if p.config.HistoryLimit < 0 || p.config.PriorMessageLimit < 0 {
		return nil, NewConfigurationError("history limits must not be negative", nil)
	}

	if p.config.EnableEventBus && p.eventBus == nil {
		p.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(p.config.EventBusBufferSize),
			eventbus.WithWorkerCount(p.config.EventBusWorkerCount),
			eventbus.WithLogger(p.logger),
		)
		p.ownsBus = true
		p.logger.Debug("Initialized default channel-based event bus")
	}

	p.history = NewHistory(p.store, p.config.CacheTTL)

	return p, nil
}

// EventBus returns the bus turn events are published on, or nil.
func (p *Pipeline) EventBus() eventbus.EventBus {
	if !p.config.EnableEventBus {
		return nil
	}
	return p.eventBus
}

// Registry returns the tool registry.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// RunTurn answers query within sessionID. The returned text is always
// displayable: on a coordinator failure it is Apology and err says why.
func (p *Pipeline) RunTurn(ctx context.Context, query, sessionID string) (string, error) {
	turn, err := p.RunTurnDetailed(ctx, query, sessionID)
	return turn.FinalAnswer, err
}

// RunTurnDetailed is RunTurn returning the whole Turn record.
func (p *Pipeline) RunTurnDetailed(ctx context.Context, query, sessionID string) (Turn, error) {
	tc := NewTurnContext(p.newTurnState(query, sessionID))
	return p.execute(ctx, tc)
}

func (p *Pipeline) newTurnState(query, sessionID string) TurnState {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	return NewTurnState(uuid.NewString(), sessionID, query, time.Now().UTC())
}

// execute runs one turn to completion. Once started, a turn is not
// abandoned because the caller went away.
func (p *Pipeline) execute(ctx context.Context, tc *TurnContext) (Turn, error) {
	ctx = context.WithoutCancel(ctx)
	st := tc.State()
	ctx = WithSessionID(ctx, st.SessionID())

	release := p.sessions.lock(st.SessionID())
	defer release()

	eb := p.EventBus()
	logger := p.logger.With("turn_id", st.ID(), "session_id", st.SessionID())
	logger.Info("Starting turn", "query", st.Query())
	publish(ctx, eb, p.logger, eventbus.EventTurnStarted, st.Query(), "Pipeline.RunTurn",
		map[string]any{"turn_id": st.ID(), "session_id": st.SessionID(), "timestamp": time.Now().Format(time.RFC3339)})

	sm := newTurnStateMachine(turnComponents{
		history:     p.history,
		planner:     p.planner,
		retriever:   p.retriever,
		synthesizer: p.synthesizer,
		registry:    p.registry,
		config:      p.config,
		logger:      logger,
	}, eb)
	sm.OnStateChange(func(from, to ProcessState) {
		logger.Debug("State transition", "from", from, "to", to)
	})

	final, err := sm.Execute(ctx, tc)
	if err != nil {
		if !IsCoordinatorError(err) {
			err = NewCoordinatorError(tc.ErrorStage(), "turn failed", err)
		}
		logger.Error("Turn failed", "stage", tc.ErrorStage(), "error", err)
		publish(ctx, eb, p.logger, eventbus.EventTurnFailure, st.Query(), "Pipeline.RunTurn",
			map[string]any{"turn_id": st.ID(), "error": err.Error(), "stage": tc.ErrorStage()})
		return Turn{
			ID:          st.ID(),
			SessionID:   st.SessionID(),
			Query:       st.Query(),
			FinalAnswer: Apology,
			CreatedAt:   st.StartedAt(),
		}, err
	}

	logger.Info("Turn complete", "cache_hit", final.CacheHit(), "duration_ms", tc.GetTotalDuration().Milliseconds())
	publish(ctx, eb, p.logger, eventbus.EventTurnSuccess, st.Query(), "Pipeline.RunTurn",
		map[string]any{
			"turn_id":     st.ID(),
			"cache_hit":   final.CacheHit(),
			"step_count":  final.Plan().Len(),
			"duration_ms": tc.GetTotalDuration().Milliseconds(),
		})
	return final.Turn(), nil
}

// Turns returns the last limit turns of a session, oldest first.
func (p *Pipeline) Turns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	return p.history.ReadTurns(ctx, sessionID, limit)
}

// Close releases the event bus if the Pipeline created it.
func (p *Pipeline) Close() error {
	if p.ownsBus && p.eventBus != nil {
		return p.eventBus.Close()
	}
	return nil
}
