package rights2roof

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TurnsKey is the store list holding a session's history.
func TurnsKey(sessionID string) string {
	return fmt.Sprintf("user:%s:history", sessionID)
}

// CacheKey is the store key holding the cached answer for one query.
func CacheKey(sessionID, query string) string {
	return fmt.Sprintf("user:%s:query:%s", sessionID, query)
}

// History reads and writes session history and the turn cache.
type History struct {
	store    Store
	cacheTTL time.Duration
}

// NewHistory wraps store. cacheTTL bounds how long answered queries are
// served from cache.
func NewHistory(store Store, cacheTTL time.Duration) *History {
	return &History{store: store, cacheTTL: cacheTTL}
}

// AppendTurn appends t to its session's history.
func (h *History) AppendTurn(ctx context.Context, t Turn) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return NewStoreError("persist", "encode turn", err)
	}
	if err := h.store.Append(ctx, TurnsKey(t.SessionID), raw); err != nil {
		return NewStoreError("persist", "append", err)
	}
	return nil
}

// ReadTurns returns the last limit turns of a session, oldest first.
func (h *History) ReadTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	raws, err := h.store.Read(ctx, TurnsKey(sessionID), limit)
	if err != nil {
		return nil, NewStoreError("load_history", "read", err)
	}
	turns := make([]Turn, 0, len(raws))
	for _, raw := range raws {
		var t Turn
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, NewStoreError("load_history", "decode turn", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// CachedAnswer looks up a previously answered query.
func (h *History) CachedAnswer(ctx context.Context, sessionID, query string) (string, bool, error) {
	raw, ok, err := h.store.Get(ctx, CacheKey(sessionID, query))
	if err != nil {
		return "", false, NewStoreError("load_history", "get", err)
	}
	if !ok || len(raw) == 0 {
		return "", false, nil
	}
	return string(raw), true, nil
}

// CacheTurn records the answer of t for repeat queries.
func (h *History) CacheTurn(ctx context.Context, t Turn) error {
	if err := h.store.Set(ctx, CacheKey(t.SessionID, t.Query), []byte(t.FinalAnswer), h.cacheTTL); err != nil {
		return NewStoreError("persist", "set", err)
	}
	return nil
}

// FormatPriorContext renders prior turns for the planner prompt.
func FormatPriorContext(turns []Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "User: %s\nAssistant: %s", t.Query, t.FinalAnswer)
	}
	return b.String()
}

// PriorMessages flattens turns into alternating user and assistant
// messages, keeping the last limit. A limit <= 0 keeps all.
func PriorMessages(turns []Turn, limit int) []string {
	msgs := make([]string, 0, 2*len(turns))
	for _, t := range turns {
		msgs = append(msgs, "User: "+t.Query)
		if t.FinalAnswer != "" {
			msgs = append(msgs, "Assistant: "+t.FinalAnswer)
		}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}
