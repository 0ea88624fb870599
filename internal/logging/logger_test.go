package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newJSONLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{Level: level, Format: "json", Output: buf, Sync: true})
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("log output is not JSON: %v\n%s", err, buf.String())
	}
	return m
}

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := newJSONLogger(&buf, LevelDebug)

	log.Info("queue created", "qid", 1, "depth", 64)
	m := lastLine(t, &buf)
	if m["message"] != "queue created" {
		t.Errorf("message = %v", m["message"])
	}
	if m["qid"] != float64(1) || m["depth"] != float64(64) {
		t.Errorf("fields = %v", m)
	}
	if m["level"] != "info" {
		t.Errorf("level = %v", m["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := newJSONLogger(&buf, LevelWarn)

	log.Debug("hidden")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("below-level output: %s", buf.String())
	}
	log.Warn("visible")
	if buf.Len() == 0 {
		t.Fatal("warn suppressed at warn level")
	}
}

func TestContextPropagation(t *testing.T) {
	var buf bytes.Buffer
	log := newJSONLogger(&buf, LevelDebug).
		WithController("c1").
		WithComponent("queue").
		WithQueue(1).
		WithTag(42)

	log.Debugf("submitted %d", 7)
	m := lastLine(t, &buf)
	if m["ctrl"] != "c1" || m["component"] != "queue" {
		t.Errorf("context fields = %v", m)
	}
	if m["qid"] != float64(1) || m["tag"] != float64(42) {
		t.Errorf("queue context = %v", m)
	}
	if m["message"] != "submitted 7" {
		t.Errorf("message = %v", m["message"])
	}
}

func TestWithErrorAttachesField(t *testing.T) {
	var buf bytes.Buffer
	log := newJSONLogger(&buf, LevelDebug)

	log.WithError(errSentinel{}).Error("submit failed")
	m := lastLine(t, &buf)
	if m["error"] != "ring exhausted" {
		t.Errorf("error field = %v", m["error"])
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "ring exhausted" }

func TestDefaultIsSingleton(t *testing.T) {
	a, b := Default(), Default()
	if a != b {
		t.Error("Default returned different loggers")
	}

	var buf bytes.Buffer
	custom := newJSONLogger(&buf, LevelInfo)
	old := Default()
	SetDefault(custom)
	defer SetDefault(old)
	if Default() != custom {
		t.Error("SetDefault did not take")
	}
}
