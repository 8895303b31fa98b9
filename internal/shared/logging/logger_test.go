package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWithWriterTagsSubsystem(t *testing.T) {
	t.Setenv("LAMBDO_LOG_LEVEL", "")
	var buf bytes.Buffer
	NewWithWriter(&buf, "lambdod").Info("hello", "vm_id", "abc")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["subsystem"] != "lambdod" {
		t.Fatalf("subsystem = %v", record["subsystem"])
	}
	if record["vm_id"] != "abc" {
		t.Fatalf("vm_id = %v", record["vm_id"])
	}
}
