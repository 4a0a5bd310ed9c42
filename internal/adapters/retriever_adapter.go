package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/OhziiiLov3/rights2roof"
)

// TokenCounter measures text against the context window.
type TokenCounter interface {
	Count(text string) int
}

// DraftFunc writes a grounded draft answer from retrieved passages. The
// genkit draft flow's Run method satisfies it.
type DraftFunc func(ctx context.Context, req *rights2roof.DraftRequest) (string, error)

// estimateCounter assumes roughly four characters per token.
type estimateCounter struct{}

func (estimateCounter) Count(text string) int { return (len(text) + 3) / 4 }

// RetrieverAdapter implements rights2roof.Retriever over a KnowledgeBase.
type RetrieverAdapter struct {
	kb            rights2roof.KnowledgeBase
	topK          int
	minScore      float64
	contextWindow int
	priorLimit    int
	counter       TokenCounter
	draft         DraftFunc
	logger        *slog.Logger
}

// RetrieverOption configures a RetrieverAdapter.
type RetrieverOption func(*RetrieverAdapter)

// WithTopK sets how many passages are requested.
func WithTopK(k int) RetrieverOption {
	return func(r *RetrieverAdapter) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithMinScore drops passages scoring below min.
func WithMinScore(min float64) RetrieverOption {
	return func(r *RetrieverAdapter) {
		r.minScore = min
	}
}

// WithContextWindow sets the maximum tokens of passage text kept.
func WithContextWindow(tokens int) RetrieverOption {
	return func(r *RetrieverAdapter) {
		if tokens > 0 {
			r.contextWindow = tokens
		}
	}
}

// WithPriorLimit sets how many prior messages prefix the context.
func WithPriorLimit(n int) RetrieverOption {
	return func(r *RetrieverAdapter) {
		if n >= 0 {
			r.priorLimit = n
		}
	}
}

// WithTokenCounter replaces the length-based token estimate.
func WithTokenCounter(counter TokenCounter) RetrieverOption {
	return func(r *RetrieverAdapter) {
		if counter != nil {
			r.counter = counter
		}
	}
}

// WithDraft enables the drafting variant of retrieval.
func WithDraft(fn DraftFunc) RetrieverOption {
	return func(r *RetrieverAdapter) {
		r.draft = fn
	}
}

// WithRetrieverLogger sets the logger.
func WithRetrieverLogger(logger *slog.Logger) RetrieverOption {
	return func(r *RetrieverAdapter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRetrieverAdapter creates a retriever over kb.
func NewRetrieverAdapter(kb rights2roof.KnowledgeBase, options ...RetrieverOption) *RetrieverAdapter {
	r := &RetrieverAdapter{
		kb:            kb,
		topK:          5,
		contextWindow: 2048,
		priorLimit:    10,
		counter:       estimateCounter{},
		logger:        slog.Default(),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Retrieve implements rights2roof.Retriever. The returned context is always
// usable; on error it renders as {"error": detail}.
func (r *RetrieverAdapter) Retrieve(ctx context.Context, input rights2roof.RetrievalInput) (rights2roof.RetrievedContext, error) {
	startTime := time.Now()

	if r.kb == nil {
		err := errors.New("knowledge base is not configured")
		return rights2roof.RetrievedContext{Error: err.Error()}, rights2roof.NewRetrievalError(err)
	}

	hits, err := r.kb.Retrieve(ctx, input.Query, r.topK)
	if err != nil {
		r.logger.Warn("Knowledge base query failed", "error", err)
		return rights2roof.RetrievedContext{Error: err.Error()}, rights2roof.NewRetrievalError(err)
	}

	prior := r.priorBlock(input.PriorMessages)

	var (
		body   strings.Builder
		used   []rights2roof.Passage
		tokens int
	)
	for _, p := range hits {
		if p.Score < r.minScore {
			continue
		}
		n := r.counter.Count(p.Text)
		if len(used) > 0 && tokens+n > r.contextWindow {
			r.logger.Debug("Context window limit reached",
				"docs_included", len(used), "total_docs", len(hits), "tokens", tokens)
			break
		}
		fmt.Fprintf(&body, "--- Document %d (source: %s, score: %.4f) ---\n%s\n\n",
			len(used)+1, p.Source, p.Score, strings.TrimSpace(p.Text))
		used = append(used, p)
		tokens += n
	}

	rc := rights2roof.RetrievedContext{Passages: used}
	if len(used) == 0 {
		rc.Insufficient = true
		rc.Text = joinBlocks(prior, rights2roof.InsufficientContext)
	} else {
		rc.Text = joinBlocks(prior, strings.TrimRight(body.String(), "\n"))
	}

	if r.draft != nil && len(used) > 0 {
		draft, err := r.draft(ctx, &rights2roof.DraftRequest{Query: input.Query, Context: rc.Text})
		if err != nil {
			r.logger.Warn("Draft generation failed", "error", err)
		} else {
			rc.Draft = strings.TrimSpace(draft)
		}
	}

	r.logger.Info("Context retrieval complete",
		"documents_retrieved", len(hits),
		"documents_used", len(used),
		"estimated_tokens", tokens,
		"duration_ms", time.Since(startTime).Milliseconds())

	return rc, nil
}

func (r *RetrieverAdapter) priorBlock(msgs []string) string {
	if r.priorLimit == 0 || len(msgs) == 0 {
		return ""
	}
	if len(msgs) > r.priorLimit {
		msgs = msgs[len(msgs)-r.priorLimit:]
	}
	return strings.Join(msgs, "\n")
}

func joinBlocks(prior, body string) string {
	if prior == "" {
		return body
	}
	return prior + "\n\n" + body
}
