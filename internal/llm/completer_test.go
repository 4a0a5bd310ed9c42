package llm

import (
	"context"
	"testing"
	"time"
)

func TestStripFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"{\"steps\": []}", "{\"steps\": []}"},
		{"```json\n{\"steps\": []}\n```", "{\"steps\": []}"},
		{"```\n[1, 2]\n```  ", "[1, 2]"},
		{"  plain answer with ``` inside  ", "plain answer with ``` inside"},
	}
	for _, c := range cases {
		if got := StripFences(c.in); got != c.want {
			t.Errorf("StripFences(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEstimateCounter(t *testing.T) {
	var c EstimateCounter
	if c.Count("") != 0 || c.Count("abcd") != 1 || c.Count("abcde") != 2 {
		t.Error("unexpected estimates")
	}
}

func TestLimiter_ConcurrencyBound(t *testing.T) {
	l := NewLimiter(0, 1)
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); err == nil {
		t.Fatal("second acquire should block until the deadline")
	}

	release()
	again, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

func TestCompleterFunc(t *testing.T) {
	var c Completer = CompleterFunc(func(ctx context.Context, req Request) (string, error) {
		return req.System + "|" + req.User, nil
	})
	out, err := c.Complete(context.Background(), Request{System: "s", User: "u"})
	if err != nil || out != "s|u" {
		t.Errorf("got %q, %v", out, err)
	}
}
