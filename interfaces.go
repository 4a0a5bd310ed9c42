package rights2roof

import (
	"context"
	"time"
)

// Capability is one tool the planner can route a step to.
type Capability interface {
	// Name returns the capability's registry key.
	Name() ToolName

	// Invoke runs the capability. input always carries a "query" string;
	// tools may read further keys. Failures are returned, never swallowed.
	Invoke(ctx context.Context, input map[string]any) (any, error)

	// Schema describes the capability for the planner prompt.
	// Standard keys:
	// - "description": what the tool does
	// - "parameters": map of parameter names to their descriptions
	// - "returns": description of the result
	// - "examples": optional list of usage examples
	// - "category": optional grouping
	Schema() map[string]any

	// Validate checks input before Invoke is called.
	Validate(input map[string]any) error
}

// Planner turns a query into a resolved Plan. The returned Plan is always
// usable; a non-nil error reports that it is a fallback.
type Planner interface {
	Plan(ctx context.Context, input PlannerInput) (Plan, error)
}

// Retriever grounds a turn in the knowledge base. The returned context is
// always usable; a non-nil error reports that it is degraded.
type Retriever interface {
	Retrieve(ctx context.Context, input RetrievalInput) (RetrievedContext, error)
}

// Synthesizer writes the final answer. The returned Answer always has text;
// a non-nil error reports that it is a fallback.
type Synthesizer interface {
	Synthesize(ctx context.Context, input SynthesisInput) (Answer, error)
}

// KnowledgeBase is the document store behind the Retriever.
type KnowledgeBase interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}

// Store is the durable key-value and append-only list store used for
// history and caches.
type Store interface {
	// Get returns the value under key; ok is false when absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key. A ttl <= 0 never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Append adds value to the end of the list under key.
	Append(ctx context.Context, key string, value []byte) error

	// Read returns the most recent limit entries of the list under key,
	// oldest first. A limit <= 0 returns the whole list.
	Read(ctx context.Context, key string, limit int) ([][]byte, error)
}
