package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_JSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("Starting step dispatch", "total_steps", 2)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	if line["msg"] != "Starting step dispatch" || line["total_steps"] != float64(2) {
		t.Errorf("line = %v", line)
	}
}

func TestNew_TextAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Format: "text"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("Cache hit", "session_id", "s1")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "session_id=s1") {
		t.Errorf("output = %q", out)
	}
}

func TestNew_Rejects(t *testing.T) {
	if _, err := New(Config{Level: "loud"}, nil); err == nil {
		t.Error("expected level error")
	}
	if _, err := New(Config{Format: "xml"}, nil); err == nil {
		t.Error("expected format error")
	}
	if lvl, _ := ParseLevel("WARNING"); lvl != slog.LevelWarn {
		t.Errorf("level = %v", lvl)
	}
}
