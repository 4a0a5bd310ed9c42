package rights2roof

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type article struct {
	Title string  `json:"title"`
	URL   string  `json:"url"`
	Score float64 `json:"score"`
	Tags  []string
}

func TestNormalize_Shapes(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"int", 3, int64(3)},
		{"uint8", uint8(7), int64(7)},
		{"float", 1.5, 1.5},
		{"nan", math.NaN(), "NaN"},
		{"json number", json.Number("42"), int64(42)},
		{"time", when, "2024-03-01T12:00:00Z"},
		{"error", errors.New("boom"), "boom"},
		{"bytes", []byte("raw"), "raw"},
		{"string slice", []string{"a", "b"}, []any{"a", "b"}},
		{"string map", map[string]int{"n": 1}, map[string]any{"n": int64(1)}},
		{"struct", article{Title: "t", URL: "u", Score: 2}, map[string]any{"title": "t", "url": "u", "score": int64(2), "Tags": nil}},
		{"struct pointer", &article{Title: "t", Tags: []string{"x"}}, map[string]any{"title": "t", "url": "", "score": int64(0), "Tags": []any{"x"}}},
		{"nil pointer", (*article)(nil), nil},
		{"tool name", ToolNews, "news_tool"},
		{
			"observation",
			Observation{Tool: ToolTime, Input: "now", Output: map[string]any{"t": 1}, Step: "1"},
			map[string]any{"tool": "time_tool", "input": "now", "output": map[string]any{"t": int64(1)}, "step": "1"},
		},
		{
			"nested observations",
			map[string]any{"results": []Observation{{Tool: ToolNews, Input: "q", Output: "o"}}},
			map[string]any{"results": []any{map[string]any{"tool": "news_tool", "input": "q", "output": "o"}}},
		},
		{"func", func() {}, nil},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if tt.name == "func" {
				if _, ok := got.(string); !ok {
					t.Errorf("unmarshalable value should render as text, got %T", got)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Normalize(%v) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_OutputIsJSONSafe(t *testing.T) {
	in := map[string]any{
		"inf":   math.Inf(1),
		"items": []any{article{Title: "x"}, 1, "two", nil},
		"obs":   &Observation{Tool: ToolChat, Output: "hi"},
	}
	if _, err := json.Marshal(Normalize(in)); err != nil {
		t.Fatalf("normalized value does not marshal: %v", err)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("normalize of scalars is idempotent", prop.ForAll(
		func(s string, i int, f float64, b bool) bool {
			v := []any{s, i, f, b, uint32(i), []string{s}, map[string]any{s: f}}
			once := Normalize(v)
			return reflect.DeepEqual(once, Normalize(once))
		},
		gen.AlphaString(),
		gen.Int(),
		gen.Float64(),
		gen.Bool(),
	))

	properties.Property("normalize of observations is idempotent", prop.ForAll(
		func(input, output, step string) bool {
			o := Observation{Tool: ToolWikipedia, Input: input, Output: map[string]any{"text": output}, Step: step}
			once := Normalize([]Observation{o, o})
			return reflect.DeepEqual(once, Normalize(once))
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.NumString(),
	))

	properties.Property("normalize of structs is idempotent", prop.ForAll(
		func(title string, score float64) bool {
			once := Normalize(article{Title: title, Score: score, Tags: []string{title}})
			return reflect.DeepEqual(once, Normalize(once))
		},
		gen.AnyString(),
		gen.Float64Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}

func TestNormalizeObservation(t *testing.T) {
	o := NormalizeObservation(Observation{Tool: ToolRentCalc, Input: map[string]int{"rent": 1000}, Output: 1050.0})
	if !reflect.DeepEqual(o.Input, map[string]any{"rent": int64(1000)}) {
		t.Errorf("input = %#v", o.Input)
	}
	if o.Output != 1050.0 {
		t.Errorf("output = %#v", o.Output)
	}
}
