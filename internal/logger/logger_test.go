package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLevelColorTiers(t *testing.T) {
	cases := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, "\033[36m"},
		{slog.LevelInfo, "\033[32m"},
		{slog.LevelWarn, "\033[33m"},
		{slog.LevelError, "\033[31m"},
		{slog.LevelError + 4, "\033[31m"},
	}
	for _, c := range cases {
		if got := levelColor(c.level); got != c.want {
			t.Fatalf("level %v: got %q want %q", c.level, got, c.want)
		}
	}
}

func TestHandlerTagsMessageWithLevel(t *testing.T) {
	var buf bytes.Buffer
	h := newColorHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	l := slog.New(h)
	l.Warn("disk almost full", "server", "alpha")

	out := buf.String()
	if !strings.Contains(out, "WARN") {
		t.Fatalf("missing level tag: %q", out)
	}
	if !strings.Contains(out, "disk almost full") {
		t.Fatalf("missing message: %q", out)
	}
	if !strings.Contains(out, "server=alpha") {
		t.Fatalf("missing attr: %q", out)
	}
}

func TestWritersDefaultPaths(t *testing.T) {
	dir := t.TempDir()
	c := Config{Dir: dir}
	outW, errW, err := c.Writers("alpha")
	if err != nil {
		t.Fatalf("writers: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatal("expected both writers")
	}
	if _, err := outW.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = outW.Close()
	_ = errW.Close()
}
