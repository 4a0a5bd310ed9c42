package rights2roof

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ToolName identifies a capability. The set is closed: only the constants
// below (plus ToolError for synthesized failure records) are valid.
type ToolName string

const (
	ToolNews          ToolName = "news_tool"
	ToolGeoLookup     ToolName = "geo_lookup"
	ToolWikipedia     ToolName = "wikipedia_search"
	ToolTavily        ToolName = "tavily_tool"
	ToolTime          ToolName = "time_tool"
	ToolDuckDuckGo    ToolName = "broad_duckduckgo_search"
	ToolBingRSS       ToolName = "bing_rss_tool"
	ToolLegiScan      ToolName = "legiscan_tool"
	ToolChat          ToolName = "chat_tool"
	ToolKnowledgeBase ToolName = "knowledge_base_search"
	ToolRentCalc      ToolName = "rent_calc_tool"
	ToolDisputeLetter ToolName = "dispute_resolution_tool"

	// ToolError marks an Observation synthesized for a failure rather than
	// produced by a capability.
	ToolError ToolName = "error"
)

var knownTools = []ToolName{
	ToolNews,
	ToolGeoLookup,
	ToolWikipedia,
	ToolTavily,
	ToolTime,
	ToolDuckDuckGo,
	ToolBingRSS,
	ToolLegiScan,
	ToolChat,
	ToolKnowledgeBase,
	ToolRentCalc,
	ToolDisputeLetter,
}

// KnownTools returns every capability name, in declaration order.
func KnownTools() []ToolName {
	out := make([]ToolName, len(knownTools))
	copy(out, knownTools)
	return out
}

// Known reports whether t names a capability (ToolError is not one).
func (t ToolName) Known() bool {
	for _, k := range knownTools {
		if k == t {
			return true
		}
	}
	return false
}

// ParseToolName resolves a raw name, as produced by a planner model, against
// the closed set. Matching ignores case and surrounding whitespace.
func ParseToolName(raw string) (ToolName, bool) {
	name := ToolName(strings.ToLower(strings.TrimSpace(raw)))
	if name == ToolError {
		return ToolError, true
	}
	if name.Known() {
		return name, true
	}
	return "", false
}

// Observation records one completed (or failed) invocation of a capability.
// Output is never nil on an Observation produced by this package.
type Observation struct {
	Tool   ToolName `json:"tool"`
	Input  any      `json:"input"`
	Output any      `json:"output"`
	Step   string   `json:"step,omitempty"`
}

// ErrorOutputPrefix starts the output text of a step whose tool failed.
const ErrorOutputPrefix = "Error executing tool: "

// Failed reports whether the observation carries an error payload instead of
// a tool result.
func (o Observation) Failed() bool {
	if o.Tool == ToolError {
		return true
	}
	switch out := o.Output.(type) {
	case string:
		return strings.HasPrefix(out, ErrorOutputPrefix)
	case map[string]any:
		_, hasErr := out["error"]
		return hasErr
	}
	return false
}

// NewErrorObservation builds the record used when no capability could run.
func NewErrorObservation(input any, detail any, step string) Observation {
	return Observation{
		Tool:   ToolError,
		Input:  input,
		Output: detail,
		Step:   step,
	}
}

// StepLabel renders the positional fallback identifier for a step.
func StepLabel(index int) string {
	return strconv.Itoa(index + 1)
}

// Step is a plan step in intent form, before a capability has run.
type Step struct {
	ID     string         `json:"id,omitempty"`
	Intent string         `json:"intent"`
	Tool   string         `json:"tool,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
}

// Query returns the text the step's tool should receive.
func (s Step) Query() string {
	if q, ok := s.Input["query"].(string); ok && strings.TrimSpace(q) != "" {
		return q
	}
	return s.Intent
}

// Decomposition is a planner model's ordered breakdown of a query.
type Decomposition struct {
	Steps []Step `json:"steps"`
}

// Plan is the resolved form: one Observation per step, in plan order.
type Plan struct {
	Steps []Observation `json:"plan"`
}

// Len returns the number of steps.
func (p Plan) Len() int { return len(p.Steps) }

// Tools lists the tool of every step in order.
func (p Plan) Tools() []ToolName {
	out := make([]ToolName, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Tool)
	}
	return out
}

// Validate checks the Observation invariants on every step.
func (p Plan) Validate() error {
	for i, s := range p.Steps {
		if s.Tool != ToolError && !s.Tool.Known() {
			return NewValidationError("plan", fmt.Sprintf("step %d has unresolvable tool %q", i+1, s.Tool), nil)
		}
		if s.Output == nil {
			return NewValidationError("plan", fmt.Sprintf("step %d has no output", i+1), nil)
		}
	}
	return nil
}

// FallbackPlan is the single error-step plan returned when planning fails.
func FallbackPlan(query, detail string) Plan {
	return Plan{Steps: []Observation{NewErrorObservation(query, detail, StepLabel(0))}}
}

// PlannerInput is what the Planner needs to decompose a query.
type PlannerInput struct {
	Query        string                      `json:"query"`
	PriorContext string                      `json:"prior_context,omitempty"`
	ToolSchema   map[ToolName]map[string]any `json:"tool_schema,omitempty"`
}

// Passage is one knowledge-base hit.
type Passage struct {
	Source string  `json:"source"`
	Title  string  `json:"title,omitempty"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// RetrievalInput is what the Retriever needs for one turn.
type RetrievalInput struct {
	Query         string   `json:"query"`
	Plan          Plan     `json:"plan"`
	PriorMessages []string `json:"prior_messages,omitempty"`
}

// InsufficientContext is the marker placed in retrieved context when the
// knowledge base returned nothing relevant.
const InsufficientContext = "INSUFFICIENT CONTEXT: no relevant passages were found in the tenant-rights knowledge base."

// RetrievedContext is the output of the RAG stage.
type RetrievedContext struct {
	Text         string    `json:"text"`
	Passages     []Passage `json:"passages,omitempty"`
	Draft        string    `json:"draft,omitempty"`
	Insufficient bool      `json:"insufficient,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// String renders the context for prompts and persistence. A failed retrieval
// renders as {"error": detail}.
func (rc RetrievedContext) String() string {
	if rc.Error != "" {
		return fmt.Sprintf("{\"error\": %s}", strconv.Quote(rc.Error))
	}
	return rc.Text
}

// Usable reports whether the context holds grounded material.
func (rc RetrievedContext) Usable() bool {
	return rc.Error == "" && !rc.Insufficient && strings.TrimSpace(rc.Text) != ""
}

// DraftRequest feeds the optional drafting variant of the RAG stage.
type DraftRequest struct {
	Query   string `json:"query"`
	Context string `json:"context"`
}

// SynthesisInput is what the Synthesizer needs for one turn.
type SynthesisInput struct {
	Query        string           `json:"query"`
	Observations []Observation    `json:"observations"`
	Context      RetrievedContext `json:"context"`
	History      []Turn           `json:"history,omitempty"`
}

// SynthesisRequest is the model-facing form of SynthesisInput.
type SynthesisRequest struct {
	Query        string        `json:"query"`
	Observations []Observation `json:"observations"`
	Context      string        `json:"context"`
	Draft        string        `json:"draft,omitempty"`
	PriorAnswer  string        `json:"prior_answer,omitempty"`
}

// ChatRequest feeds the follow-up chat capability.
type ChatRequest struct {
	Query       string `json:"query"`
	PriorQuery  string `json:"prior_query,omitempty"`
	PriorAnswer string `json:"prior_answer,omitempty"`
	PriorPlan   string `json:"prior_plan,omitempty"`
	PriorRAG    string `json:"prior_rag,omitempty"`
	Context     string `json:"context,omitempty"`
}

// Answer is the Synthesizer's output.
type Answer struct {
	Text         string        `json:"final_answer"`
	Observations []Observation `json:"observations"`
}

// UnableToAnswer is returned when a turn produced nothing to answer from.
const UnableToAnswer = "I'm unable to answer that right now: none of my sources returned anything useful for your question. Try rephrasing it, or ask about a specific tenant-rights topic."

// Apology is the turn result when the coordinator itself fails.
const Apology = "Sorry, something went wrong on our side while handling your request, so nothing was saved. Please try again in a moment."

// Turn is one query/answer cycle. It is immutable once appended to history.
type Turn struct {
	ID               string        `json:"id"`
	SessionID        string        `json:"session_id"`
	Query            string        `json:"query"`
	Plan             Plan          `json:"plan"`
	RetrievedContext string        `json:"retrieved_context"`
	FinalAnswer      string        `json:"final_answer"`
	Observations     []Observation `json:"observations"`
	CreatedAt        time.Time     `json:"created_at"`
}
