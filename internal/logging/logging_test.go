package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelStringRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("round trip of %v gave %v (%v)", level, parsed, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("expected json, got %v %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestJSONOutputWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Format: FormatJSON, Writer: &buf})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	l.WithComponent("dispatch").Info("frame done", "frame", 7)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	if entry["component"] != "dispatch" {
		t.Errorf("expected component dispatch, got %v", entry["component"])
	}
	if entry["frame"] != float64(7) {
		t.Errorf("expected frame 7, got %v", entry["frame"])
	}
}

func TestSetLevelAppliesToChildren(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	child := l.WithComponent("engine")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug logged at info level: %q", buf.String())
	}

	l.SetLevel(LevelDebug)
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected debug output after SetLevel, got %q", buf.String())
	}
	if l.Level() != LevelDebug {
		t.Errorf("expected debug level, got %v", l.Level())
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("auth", "api_token", "abc123", "method", "tip")

	out := buf.String()
	if strings.Contains(out, "abc123") {
		t.Errorf("token leaked: %q", out)
	}
	if !strings.Contains(out, "method=tip") {
		t.Errorf("non-sensitive attribute missing: %q", out)
	}
}

func TestFileRotator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "suisd.log")
	r, err := NewFileRotator(path, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	chunk := bytes.Repeat([]byte("x"), 400*1024)
	for i := 0; i < 12; i++ {
		if _, err := r.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups, err := r.Backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) == 0 || len(backups) > 2 {
		t.Errorf("expected 1-2 backups, got %d", len(backups))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("current file exceeds limit: %d", info.Size())
	}
}
