package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/genkit"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/adapters"
	"github.com/OhziiiLov3/rights2roof/internal/config"
	"github.com/OhziiiLov3/rights2roof/internal/dispatch"
	"github.com/OhziiiLov3/rights2roof/internal/eventbus"
	"github.com/OhziiiLov3/rights2roof/internal/expr"
	"github.com/OhziiiLov3/rights2roof/internal/flows"
	"github.com/OhziiiLov3/rights2roof/internal/knowledge"
	"github.com/OhziiiLov3/rights2roof/internal/llm"
	"github.com/OhziiiLov3/rights2roof/internal/metrics"
	"github.com/OhziiiLov3/rights2roof/internal/plans"
	"github.com/OhziiiLov3/rights2roof/internal/prompt"
	"github.com/OhziiiLov3/rights2roof/internal/ratelimit"
	"github.com/OhziiiLov3/rights2roof/internal/store"
	"github.com/OhziiiLov3/rights2roof/internal/tools"
)

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	bus      *eventbus.ChannelEventBus
	store    store.Backend
	kb       *knowledge.Index
	registry *rights2roof.Registry
	pipeline *rights2roof.Pipeline
	limiter  ratelimit.Limiter
}

// stages are the model-backed functions. All nil when running offline.
type stages struct {
	decompose adapters.DecomposeFunc
	draft     adapters.DraftFunc
	compose   adapters.ComposeFunc
	chat      tools.ChatFunc
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		bus: eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(100),
			eventbus.WithWorkerCount(2),
			eventbus.WithLogger(logger),
		),
	}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	var err error
	if a.store, err = store.Open(ctx, cfg.Store, logger); err != nil {
		return nil, err
	}
	if a.kb, err = openKnowledgeBase(ctx, cfg.Knowledge, logger); err != nil {
		return nil, err
	}

	st, err := buildStages(ctx, cfg, a.metrics, logger)
	if err != nil {
		return nil, err
	}

	deps := tools.Deps{
		History:     rights2roof.NewHistory(a.store, cfg.Pipeline.CacheTTL),
		Chat:        st.chat,
		Expressions: expr.NewRegistry(),
		Logger:      logger,
	}
	if a.kb != nil {
		deps.KnowledgeBase = a.kb
	}
	if a.registry, err = rights2roof.NewRegistry(tools.SetupTools(cfg.Tools, deps)...); err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(a.registry,
		dispatch.WithMaxWorkers(cfg.Pipeline.MaxWorkers),
		dispatch.WithMaxRetries(cfg.Pipeline.MaxRetries),
		dispatch.WithRetryDelay(cfg.Pipeline.RetryDelay),
		dispatch.WithStepTimeout(cfg.Pipeline.StepTimeout),
		dispatch.WithLogger(logger),
		dispatch.WithObserver(a.metrics.ObserveStep),
		dispatch.WithEventBus(a.bus),
	)

	plannerOpts := []adapters.PlannerOption{
		adapters.WithPlanCache(a.store, cfg.Pipeline.CacheTTL),
		adapters.WithMaxSteps(cfg.Pipeline.MaxSteps),
		adapters.WithPlannerLogger(logger),
	}
	if tool, ok := rights2roof.ParseToolName(cfg.Pipeline.DefaultTool); ok {
		plannerOpts = append(plannerOpts, adapters.WithDefaultTool(tool))
	}

	opts := []rights2roof.Option{
		rights2roof.WithConfig(rights2roof.Config{
			HistoryLimit:      cfg.Pipeline.HistoryLimit,
			PriorMessageLimit: cfg.Pipeline.PriorMessageLimit,
			CacheTTL:          cfg.Pipeline.CacheTTL,
			EnableRetrieval:   cfg.Pipeline.EnableRetrieval,
			EnableEventBus:    true,
		}),
		rights2roof.WithEventBus(a.bus),
		rights2roof.WithPlanner(adapters.NewPlannerAdapter(st.decompose, dispatcher, plannerOpts...)),
		rights2roof.WithSynthesizer(adapters.NewSynthesizerAdapter(st.compose, adapters.WithSynthesizerLogger(logger))),
		rights2roof.WithStore(a.store),
		rights2roof.WithRegistry(a.registry),
		rights2roof.WithLogger(logger),
	}
	if a.kb != nil && cfg.Pipeline.EnableRetrieval {
		retrieverOpts := []adapters.RetrieverOption{
			adapters.WithTopK(cfg.Knowledge.TopK),
			adapters.WithMinScore(cfg.Knowledge.MinScore),
			adapters.WithContextWindow(cfg.Knowledge.ContextWindow),
			adapters.WithPriorLimit(cfg.Pipeline.PriorMessageLimit),
			adapters.WithTokenCounter(tokenCounter(cfg.Knowledge.TokenizerModel, logger)),
			adapters.WithRetrieverLogger(logger),
		}
		if st.draft != nil && cfg.Pipeline.EnableDraft {
			retrieverOpts = append(retrieverOpts, adapters.WithDraft(st.draft))
		}
		opts = append(opts, rights2roof.WithRetriever(adapters.NewRetrieverAdapter(a.kb, retrieverOpts...)))
	}

	if a.pipeline, err = rights2roof.New(opts...); err != nil {
		return nil, err
	}
	if _, err := a.metrics.Subscribe(a.bus); err != nil {
		return nil, fmt.Errorf("subscribe metrics: %w", err)
	}

	a.limiter = newLimiter(a.store, cfg)
	ready = true
	return a, nil
}

// buildStages wires the genkit flows over the OpenAI client, or the plan
// book alone when no model is configured.
func buildStages(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (stages, error) {
	if !cfg.LLM.Enabled() {
		book := plans.Default()
		if cfg.Pipeline.PlanBook != "" {
			var err error
			if book, err = plans.Load(cfg.Pipeline.PlanBook); err != nil {
				return stages{}, err
			}
		}
		logger.Info("No LLM configured, planning from the plan book")
		return stages{decompose: book.Decompose}, nil
	}

	completer := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		MaxConcurrent:     cfg.LLM.MaxConcurrent,
		Timeout:           cfg.LLM.Timeout,
		OnUsage:           m.ObserveTokens,
	}, logger)

	g, err := genkit.Init(ctx)
	if err != nil {
		return stages{}, fmt.Errorf("genkit init: %w", err)
	}
	prompts, err := prompt.NewRegistry()
	if err != nil {
		return stages{}, err
	}
	fl := flows.Define(g, completer, prompts, logger)
	logger.Info("LLM stages ready", "model", completer.Model())
	return stages{
		decompose: fl.Planner.Run,
		draft:     fl.Draft.Run,
		compose:   fl.Synthesizer.Run,
		chat:      fl.Chat.Run,
	}, nil
}

// openKnowledgeBase opens the on-disk index when configured, indexing the
// corpus into it if it is empty. Without an index path the corpus is
// indexed in memory. Without either there is no knowledge base.
func openKnowledgeBase(ctx context.Context, cfg config.KnowledgeConfig, logger *slog.Logger) (*knowledge.Index, error) {
	var (
		idx *knowledge.Index
		err error
	)
	switch {
	case cfg.IndexPath != "":
		idx, err = knowledge.Open(cfg.IndexPath)
	case cfg.CorpusDir != "":
		idx, err = knowledge.NewMemIndex()
	default:
		logger.Warn("No knowledge base configured, retrieval disabled")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	n, err := idx.Count()
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	if n == 0 && cfg.CorpusDir != "" {
		if _, err := knowledge.IndexDir(ctx, idx, cfg.CorpusDir, cfg.ChunkSize, cfg.ChunkOverlap, logger); err != nil {
			_ = idx.Close()
			return nil, err
		}
	}
	return idx, nil
}

func tokenCounter(model string, logger *slog.Logger) adapters.TokenCounter {
	if model == "" {
		return llm.EstimateCounter{}
	}
	c, err := llm.NewTiktokenCounter(model)
	if err != nil {
		logger.Warn("Tokenizer unavailable, estimating token counts", "model", model, "error", err)
		return llm.EstimateCounter{}
	}
	return c
}

// newLimiter shares the Redis connection when the store is Redis.
func newLimiter(backend store.Backend, cfg *config.Config) ratelimit.Limiter {
	if r, ok := backend.(*store.Redis); ok {
		return ratelimit.NewRedisLimiter(r.Client(), cfg.Store.KeyPrefix, cfg.Server.RateLimit)
	}
	return ratelimit.NewMemoryLimiter(cfg.Server.RateLimit)
}

// Close releases everything buildApp opened.
func (a *app) Close() error {
	var errs []error
	if a.pipeline != nil {
		errs = append(errs, a.pipeline.Close())
	}
	if a.kb != nil {
		errs = append(errs, a.kb.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	return errors.Join(errs...)
}
