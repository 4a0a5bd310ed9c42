package adapters

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OhziiiLov3/rights2roof"
)

func newsObservation() rights2roof.Observation {
	return rights2roof.Observation{
		Tool:  rights2roof.ToolNews,
		Input: "brooklyn housing news",
		Output: []map[string]string{
			{"title": "Brooklyn tenants win repairs", "url": "https://news.example.com/a"},
			{"title": "New Brooklyn rent board vote", "url": "https://news.example.com/b"},
		},
		Step: "1",
	}
}

func TestSynthesizerAdapter_NothingToAnswerFrom(t *testing.T) {
	s := NewSynthesizerAdapter(func(ctx context.Context, req *rights2roof.SynthesisRequest) (string, error) {
		t.Fatal("compose must not run without input")
		return "", nil
	})
	ans, err := s.Synthesize(context.Background(), rights2roof.SynthesisInput{
		Query: "weather tomorrow",
		Observations: []rights2roof.Observation{
			rights2roof.NewErrorObservation("weather tomorrow", map[string]any{"error": "tool not found"}, "1"),
		},
		Context: rights2roof.RetrievedContext{Insufficient: true, Text: rights2roof.InsufficientContext},
	})
	require.NoError(t, err)
	assert.Equal(t, rights2roof.UnableToAnswer, ans.Text)
	assert.Len(t, ans.Observations, 1)
}

func TestSynthesizerAdapter_DigestWithoutModel(t *testing.T) {
	s := NewSynthesizerAdapter(nil)
	ans, err := s.Synthesize(context.Background(), rights2roof.SynthesisInput{
		Query:        "Find recent housing news in Brooklyn",
		Observations: []rights2roof.Observation{newsObservation()},
	})
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "Brooklyn")
	assert.Contains(t, ans.Text, "Brooklyn tenants win repairs (https://news.example.com/a)")
	assert.False(t, looksLikeJSON(ans.Text))
}

func TestSynthesizerAdapter_PartialFailure(t *testing.T) {
	obs := []rights2roof.Observation{
		newsObservation(),
		{Tool: rights2roof.ToolTime, Input: "now", Output: rights2roof.ErrorOutputPrefix + "boom", Step: "2"},
		{Tool: rights2roof.ToolRentCalc, Input: "rent", Output: map[string]any{"new_rent": 1260, "increase_pct": 5}, Step: "3"},
	}
	ans, err := NewSynthesizerAdapter(nil).Synthesize(context.Background(), rights2roof.SynthesisInput{Query: "q", Observations: obs})
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "Recent news")
	assert.Contains(t, ans.Text, "Rent calculation")
	assert.Contains(t, ans.Text, "new rent: 1260")
	assert.NotContains(t, ans.Text, "boom")
	assert.Equal(t, obs, ans.Observations)
}

func TestSynthesizerAdapter_ComposeAndSources(t *testing.T) {
	var req *rights2roof.SynthesisRequest
	s := NewSynthesizerAdapter(func(ctx context.Context, r *rights2roof.SynthesisRequest) (string, error) {
		req = r
		return "Brooklyn tenants recently won a repair case.", nil
	})
	ans, err := s.Synthesize(context.Background(), rights2roof.SynthesisInput{
		Query:        "brooklyn news",
		Observations: []rights2roof.Observation{newsObservation()},
		Context:      rights2roof.RetrievedContext{Text: "ctx", Draft: "draft"},
		History:      []rights2roof.Turn{{FinalAnswer: "earlier"}, {FinalAnswer: "latest"}},
	})
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "latest", req.PriorAnswer)
	assert.Equal(t, "draft", req.Draft)
	assert.Equal(t, "ctx", req.Context)
	assert.True(t, strings.HasPrefix(ans.Text, "Brooklyn tenants recently won a repair case."))
	assert.Contains(t, ans.Text, "Sources:\n- https://news.example.com/a\n- https://news.example.com/b")
}

func TestSynthesizerAdapter_ComposeFailuresFallBack(t *testing.T) {
	cases := map[string]ComposeFunc{
		"error": func(ctx context.Context, r *rights2roof.SynthesisRequest) (string, error) {
			return "", errors.New("rate limited")
		},
		"empty": func(ctx context.Context, r *rights2roof.SynthesisRequest) (string, error) {
			return "   ", nil
		},
		"json": func(ctx context.Context, r *rights2roof.SynthesisRequest) (string, error) {
			return `{"final_answer": "x"}`, nil
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			s := NewSynthesizerAdapter(fn, WithSynthesizerLogger(silentLogger()))
			ans, err := s.Synthesize(context.Background(), rights2roof.SynthesisInput{
				Query:        "brooklyn news",
				Observations: []rights2roof.Observation{newsObservation()},
			})
			require.Error(t, err)
			assert.Equal(t, rights2roof.ErrCodeSynthesis, rights2roof.CodeOf(err))
			assert.Contains(t, ans.Text, "Brooklyn tenants win repairs")
		})
	}
}

func TestSynthesizerAdapter_DraftOnly(t *testing.T) {
	ans, err := NewSynthesizerAdapter(nil).Synthesize(context.Background(), rights2roof.SynthesisInput{
		Query: "repairs",
		Context: rights2roof.RetrievedContext{
			Text:     "--- Document 1 ---",
			Draft:    "Your landlord has 30 days to repair.",
			Passages: []rights2roof.Passage{{Source: "https://hcr.ny.gov/repairs", Text: "..."}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Your landlord has 30 days to repair.\n\nSources:\n- https://hcr.ny.gov/repairs", ans.Text)
}

func TestExcerpt_CutsOnRuneBoundary(t *testing.T) {
	for _, s := range []string{
		"a" + strings.Repeat("é", 200),
		strings.Repeat("界", 150),
	} {
		got := excerpt(s)
		require.True(t, utf8.ValidString(got), "invalid UTF-8 in %q", got)
		require.True(t, strings.HasSuffix(got, "..."))
		assert.True(t, strings.HasPrefix(s, strings.TrimSuffix(got, "...")))
		assert.LessOrEqual(t, len(got), maxExcerpt+len("..."))
	}
}
