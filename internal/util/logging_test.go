package util

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerFromContextFallsBackToDefault(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got != slog.Default() {
		t.Fatalf("expected default logger")
	}
	custom := slog.Default().With("k", "v")
	ctx := ContextWithLogger(context.Background(), custom)
	if got := LoggerFromContext(ctx); got != custom {
		t.Fatalf("expected context logger")
	}
}

func TestRandomHexUpper(t *testing.T) {
	for _, n := range []int{1, 4, 6} {
		got := RandomHexUpper(n)
		if len(got) != n {
			t.Fatalf("RandomHexUpper(%d) length = %d", n, len(got))
		}
		for _, r := range got {
			if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'F') {
				t.Fatalf("unexpected rune %q in %q", r, got)
			}
		}
	}
}

func TestFoldDiacritics(t *testing.T) {
	tests := map[string]string{
		"Giày Đỏ Ưu Việt": "Giay Do Uu Viet",
		"Nguyễn Văn An":   "Nguyen Van An",
		"plain":           "plain",
	}
	for in, want := range tests {
		if got := FoldDiacritics(in); got != want {
			t.Fatalf("FoldDiacritics(%q) = %q, want %q", in, got, want)
		}
	}
}
