package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"telegram-session-bot/internal/config"
)

func TestRedact(t *testing.T) {
	cases := []struct {
		in   string
		dev  bool
		want string
	}{
		{"+15551234567", false, "+155...67"},
		{"short", false, "***"},
		{"+15551234567", true, "+15551234567"},
	}
	for _, c := range cases {
		if got := Redact(c.in, c.dev); got != c.want {
			t.Errorf("Redact(%q, %v) = %q, want %q", c.in, c.dev, got, c.want)
		}
	}
}

func TestWith_AttachesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	base := newWithWriter(&buf, config.LogConfig{Level: "debug", Format: "json"}, false)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithTgID(ctx, 99)
	ctx = WithFlowID(ctx, "flow-1")
	With(ctx, base).Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry["trace_id"] != "trace-1" || entry["flow_id"] != "flow-1" {
		t.Errorf("missing ids in %v", entry)
	}
	if entry["tg_id"] != float64(99) {
		t.Errorf("tg_id = %v, want 99", entry["tg_id"])
	}
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newWithWriter(&buf, config.LogConfig{Level: "warn", Format: "json"}, false)
	l.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}
	l.Warn().Msg("kept")
	if buf.Len() == 0 {
		t.Fatal("warn line was not written")
	}
}
