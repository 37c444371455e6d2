package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("hello", "key", "value")

	output := buf.String()
	for _, want := range []string{"hello", `"key":"value"`, `"level":"INFO"`} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %s in output, got: %s", want, output)
		}
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")
	if buf.Len() > 0 {
		t.Fatalf("expected no output for info/debug at warn level, got: %s", buf.String())
	}
	log.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo).With("component", "xent").WithGroup("forward")
	log.Info("chunked", "rows", 4)

	output := buf.String()
	if !strings.Contains(output, `"component":"xent"`) || !strings.Contains(output, `"forward":{"rows":4}`) {
		t.Fatalf("unexpected output: %s", output)
	}
}

func TestFromOptions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		opts      Options
		wantDebug bool
		contains  string
		escapes   bool
	}{
		{name: "default pretty", opts: Options{}, contains: "INFO", escapes: true},
		{name: "plain", opts: Options{Format: "plain", Level: "debug"}, wantDebug: true, contains: "DEBUG"},
		{name: "json", opts: Options{Format: "json"}, contains: `"msg":"info line"`},
		{name: "text", opts: Options{Format: "TEXT", Level: "warn", Debug: true}, wantDebug: true, contains: "level=DEBUG"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := FromOptions(&buf, tc.opts)
			if err != nil {
				t.Fatalf("FromOptions: %v", err)
			}
			log.Debug("debug line")
			log.Info("info line")
			out := buf.String()
			if got := strings.Contains(out, "debug line"); got != tc.wantDebug {
				t.Fatalf("debug emitted=%v want %v: %s", got, tc.wantDebug, out)
			}
			if !strings.Contains(out, tc.contains) {
				t.Fatalf("expected %q in output: %s", tc.contains, out)
			}
			if got := strings.Contains(out, "\033["); got != tc.escapes {
				t.Fatalf("ANSI escapes=%v want %v: %q", got, tc.escapes, out)
			}
		})
	}

	if _, err := FromOptions(&bytes.Buffer{}, Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := FromOptions(&bytes.Buffer{}, Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("dropped")
	log.With("k", "v").Info("dropped")
}

func TestFromContextDefault(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := FromContext(ctx)
	if log == nil {
		t.Fatal("FromContext with no logger returned nil")
	}
	if FromContext(ctx) != log {
		t.Fatal("fallback logger should be shared")
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip test")
	if !strings.Contains(buf.String(), "roundtrip test") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"unknown", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
		if _, err := ParseLevelStrict(tc.input); (err != nil) != tc.wantErr {
			t.Errorf("ParseLevelStrict(%q): err=%v", tc.input, err)
		}
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error to be enabled at warn level")
	}
}

func TestPrettyHandlerAttrsAndGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil, false)

	slog.New(h.WithAttrs([]slog.Attr{slog.String("service", "test")})).Info("with attrs")
	slog.New(h.WithGroup("a").WithGroup("b")).Info("nested", "key", "val")

	output := buf.String()
	for _, want := range []string{"service=test", "a.b.key=val"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output, got: %s", want, output)
		}
	}
	if h.WithGroup("") != h {
		t.Fatal("WithGroup empty string should return same handler")
	}
}

func TestPrettyFormatsValues(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, nil, false)).Info("step",
		"msg", "hello world",
		"key", "simple",
		"loss", 1.4401896998,
		"took", 1500*time.Nanosecond+3*time.Millisecond,
	)
	output := buf.String()
	for _, want := range []string{`msg="hello world"`, "key=simple", "loss=1.44019", "took=3.002ms"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{"has\nnewline", true},
		{`has"quote`, true},
		{"", false},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.expected {
			t.Errorf("needsQuoting(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
	}
}
