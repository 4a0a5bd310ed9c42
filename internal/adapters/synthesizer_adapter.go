package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/OhziiiLov3/rights2roof"
)

// ComposeFunc writes the final answer for a synthesis request. The genkit
// synthesizer flow's Run method satisfies it.
type ComposeFunc func(ctx context.Context, req *rights2roof.SynthesisRequest) (string, error)

var linkPattern = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)

const (
	maxDigestItems = 5
	maxExcerpt     = 280
	maxSources     = 5
)

// SynthesizerAdapter implements rights2roof.Synthesizer.
type SynthesizerAdapter struct {
	compose ComposeFunc
	logger  *slog.Logger
}

// SynthesizerOption configures a SynthesizerAdapter.
type SynthesizerOption func(*SynthesizerAdapter)

// WithSynthesizerLogger sets the logger.
func WithSynthesizerLogger(logger *slog.Logger) SynthesizerOption {
	return func(a *SynthesizerAdapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewSynthesizerAdapter creates a synthesizer. A nil compose answers with a
// plain digest of the observations.
func NewSynthesizerAdapter(compose ComposeFunc, options ...SynthesizerOption) *SynthesizerAdapter {
	a := &SynthesizerAdapter{compose: compose, logger: slog.Default()}
	for _, option := range options {
		option(a)
	}
	return a
}

// Synthesize implements rights2roof.Synthesizer.
func (a *SynthesizerAdapter) Synthesize(ctx context.Context, input rights2roof.SynthesisInput) (rights2roof.Answer, error) {
	observations := input.Observations
	if observations == nil {
		observations = []rights2roof.Observation{}
	}
	answer := rights2roof.Answer{Observations: observations}

	succeeded := successful(observations)
	if len(succeeded) == 0 && !input.Context.Usable() && input.Context.Draft == "" {
		answer.Text = rights2roof.UnableToAnswer
		return answer, nil
	}

	digest := a.digest(input.Query, succeeded, input.Context)

	if a.compose == nil {
		answer.Text = withSources(digest, observations, input.Context.Passages)
		return answer, nil
	}

	req := &rights2roof.SynthesisRequest{
		Query:        input.Query,
		Observations: observations,
		Context:      input.Context.String(),
		Draft:        input.Context.Draft,
		PriorAnswer:  priorAnswer(input.History),
	}
	text, err := a.compose(ctx, req)
	if err == nil {
		text = strings.TrimSpace(text)
		switch {
		case text == "":
			err = errors.New("model returned an empty answer")
		case looksLikeJSON(text):
			err = errors.New("model returned a raw JSON payload")
		}
	}
	if err != nil {
		a.logger.Warn("Answer composition failed, using digest", "error", err)
		answer.Text = withSources(digest, observations, input.Context.Passages)
		return answer, rights2roof.NewSynthesisError("synthesis", err)
	}

	answer.Text = withSources(text, observations, input.Context.Passages)
	return answer, nil
}

// digest is the model-free answer: the draft when there is one, otherwise
// a short summary per successful step plus the best passage.
func (a *SynthesizerAdapter) digest(query string, succeeded []rights2roof.Observation, rc rights2roof.RetrievedContext) string {
	if rc.Draft != "" {
		return rc.Draft
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Here is what I found for %q:\n", strings.TrimSpace(query))
	for _, o := range succeeded {
		summary := summarize(rights2roof.Normalize(o.Output))
		if summary == "" {
			continue
		}
		fmt.Fprintf(&b, "\n%s:\n%s\n", label(o.Tool), summary)
	}
	if rc.Usable() && len(rc.Passages) > 0 {
		p := rc.Passages[0]
		fmt.Fprintf(&b, "\nFrom the tenant-rights knowledge base (%s):\n%s\n", p.Source, excerpt(p.Text))
	}
	return strings.TrimSpace(b.String())
}

func successful(obs []rights2roof.Observation) []rights2roof.Observation {
	out := make([]rights2roof.Observation, 0, len(obs))
	for _, o := range obs {
		if !o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

func label(tool rights2roof.ToolName) string {
	switch tool {
	case rights2roof.ToolNews, rights2roof.ToolBingRSS:
		return "Recent news"
	case rights2roof.ToolLegiScan:
		return "Legislation"
	case rights2roof.ToolWikipedia:
		return "Background"
	case rights2roof.ToolKnowledgeBase:
		return "Tenant-rights guidance"
	case rights2roof.ToolRentCalc:
		return "Rent calculation"
	case rights2roof.ToolDisputeLetter:
		return "Dispute letter"
	case rights2roof.ToolGeoLookup:
		return "Location"
	case rights2roof.ToolTime:
		return "Current time"
	default:
		return "Search results"
	}
}

// summarize renders a normalized output as readable lines.
func summarize(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return excerpt(t)
	case []any:
		var lines []string
		for i, item := range t {
			if i == maxDigestItems {
				break
			}
			if line := itemLine(item); line != "" {
				lines = append(lines, "- "+line)
			}
		}
		return strings.Join(lines, "\n")
	case map[string]any:
		if line := itemLine(t); line != "" {
			return "- " + line
		}
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func itemLine(item any) string {
	m, ok := item.(map[string]any)
	if !ok {
		return excerpt(fmt.Sprint(item))
	}
	for _, key := range []string{"title", "name", "headline"} {
		if title, ok := m[key].(string); ok && title != "" {
			if u := firstString(m, "url", "link"); u != "" {
				return fmt.Sprintf("%s (%s)", title, u)
			}
			return title
		}
	}
	for _, key := range []string{"summary", "content", "snippet", "text", "letter", "result"} {
		if s, ok := m[key].(string); ok && s != "" {
			return excerpt(s)
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch m[k].(type) {
		case map[string]any, []any:
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %v", strings.ReplaceAll(k, "_", " "), m[k]))
	}
	return strings.Join(parts, ", ")
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxExcerpt {
		return s
	}
	cut := strings.LastIndex(s[:maxExcerpt], " ")
	if cut <= 0 {
		cut = maxExcerpt
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut] + "..."
}

func priorAnswer(history []rights2roof.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].FinalAnswer != "" {
			return history[i].FinalAnswer
		}
	}
	return ""
}

func looksLikeJSON(text string) bool {
	if !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "[") {
		return false
	}
	return json.Valid([]byte(text))
}

// withSources appends links found in successful observations and passages
// when the answer cites none.
func withSources(text string, obs []rights2roof.Observation, passages []rights2roof.Passage) string {
	if linkPattern.MatchString(text) {
		return text
	}
	links := collectLinks(obs, passages)
	if len(links) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nSources:")
	for _, l := range links {
		b.WriteString("\n- ")
		b.WriteString(l)
	}
	return b.String()
}

func collectLinks(obs []rights2roof.Observation, passages []rights2roof.Passage) []string {
	seen := make(map[string]bool)
	var links []string
	add := func(s string) {
		for _, l := range linkPattern.FindAllString(s, -1) {
			l = strings.TrimRight(l, ".,;")
			if !seen[l] && len(links) < maxSources {
				seen[l] = true
				links = append(links, l)
			}
		}
	}

	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			add(t)
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		}
	}
	for _, o := range obs {
		if !o.Failed() {
			walk(rights2roof.Normalize(o.Output))
		}
	}
	for _, p := range passages {
		add(p.Source)
	}
	return links
}
