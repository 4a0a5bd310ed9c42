// Package llm is the chat-completion layer behind every model-backed flow.
package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyCompletion is returned when the model answered with no choices.
var ErrEmptyCompletion = errors.New("model returned no choices")

// Request is one system+user chat exchange.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int64
}

// Completer produces a single assistant reply.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// StripFences removes a surrounding markdown code fence, which models add
// around JSON even when told not to.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
