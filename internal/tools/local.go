package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/adapters"
)

const knowledgeTopK = 5

// TimeTool reports the current UTC time.
func TimeTool(now func() time.Time) *adapters.CapabilityAdapter {
	if now == nil {
		now = time.Now
	}
	return adapters.NewCapability(rights2roof.ToolTime,
		func(ctx context.Context, input map[string]any) (any, error) {
			t := now().UTC()
			return map[string]any{
				"current_datetime": t.Format(time.RFC3339),
				"weekday":          t.Weekday().String(),
			}, nil
		},
		adapters.WithDescription("Returns the current date and time, for deadlines and notice periods."),
		adapters.WithCategory("Utility"),
		adapters.WithReturns("current_datetime in ISO 8601 UTC."),
	)
}

// KnowledgeBaseSearch queries the tenant-rights corpus directly.
func KnowledgeBaseSearch(kb rights2roof.KnowledgeBase) *adapters.CapabilityAdapter {
	return adapters.NewCapability(rights2roof.ToolKnowledgeBase,
		func(ctx context.Context, input map[string]any) (any, error) {
			hits, err := kb.Retrieve(ctx, adapters.StringInput(input, "query"), knowledgeTopK)
			if err != nil {
				return nil, err
			}
			if len(hits) == 0 {
				return "No matching passages in the tenant-rights knowledge base.", nil
			}
			out := make([]map[string]any, 0, len(hits))
			for _, h := range hits {
				out = append(out, map[string]any{
					"source":         h.Source,
					"document_title": h.Title,
					"text":           h.Text,
					"score":          h.Score,
				})
			}
			return out, nil
		},
		adapters.WithDescription("Searches the tenant-rights guides and statutes in the local knowledge base."),
		adapters.WithCategory("Knowledge"),
		adapters.WithParameters(map[string]string{
			"query": "What to look up, e.g. 'security deposit return deadline'",
		}),
		adapters.WithReturns("Up to five passages with source, text and score."),
		queryInput(),
	)
}

// Chat answers a follow-up about the previous turn of the same session,
// using that turn's answer, plan and retrieved context.
func Chat(chat ChatFunc, history *rights2roof.History, kb rights2roof.KnowledgeBase) *adapters.CapabilityAdapter {
	return adapters.NewCapability(rights2roof.ToolChat,
		func(ctx context.Context, input map[string]any) (any, error) {
			req := &rights2roof.ChatRequest{Query: adapters.StringInput(input, "query")}

			if sessionID, ok := rights2roof.SessionIDFrom(ctx); ok && history != nil {
				turns, err := history.ReadTurns(ctx, sessionID, 1)
				if err != nil {
					return nil, err
				}
				if len(turns) > 0 {
					last := turns[len(turns)-1]
					req.PriorQuery = last.Query
					req.PriorAnswer = last.FinalAnswer
					req.PriorRAG = last.RetrievedContext
					if plan, err := json.Marshal(last.Plan); err == nil {
						req.PriorPlan = string(plan)
					}
				}
			}

			if kb != nil {
				hits, err := kb.Retrieve(ctx, req.Query, knowledgeTopK)
				if err != nil {
					return nil, err
				}
				parts := make([]string, 0, len(hits))
				for _, h := range hits {
					parts = append(parts, fmt.Sprintf("[%s] %s", h.Source, strings.TrimSpace(h.Text)))
				}
				req.Context = strings.Join(parts, "\n\n")
			}

			answer, err := chat(ctx, req)
			if err != nil {
				return nil, err
			}
			return strings.TrimSpace(answer), nil
		},
		adapters.WithDescription("Answers follow-up questions about the previous answer in this conversation."),
		adapters.WithCategory("Conversation"),
		adapters.WithParameters(map[string]string{
			"query": "The follow-up question",
		}),
		adapters.WithReturns("A conversational answer."),
		queryInput(),
	)
}
