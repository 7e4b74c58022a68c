package envconfig

import (
	"log/slog"
	"testing"
)

func TestBoolWithDefault(t *testing.T) {
	cases := map[string]struct {
		value string
		def   bool
		want  bool
	}{
		"unset uses default": {"", true, true},
		"false":              {"false", true, false},
		"one":                {"1", false, true},
		"garbage is true":    {"maybe", false, true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("LATENTMESH_GRAPH_MODE", tc.value)
			if got := GraphMode(tc.def); got != tc.want {
				t.Fatalf("GraphMode(%v) with %q: got %v want %v", tc.def, tc.value, got, tc.want)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"true":  slog.LevelDebug,
		"1":     slog.LevelDebug,
		"2":     slog.Level(-8),
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("LATENTMESH_DEBUG", value)
			if got := LogLevel(); got != want {
				t.Fatalf("LogLevel(%q): got %v want %v", value, got, want)
			}
		})
	}
}

func TestSeedInvalidFallsBack(t *testing.T) {
	t.Setenv("LATENTMESH_SEED", "abc")
	if got := Seed(); got != 0 {
		t.Fatalf("Seed(): got %d want 0", got)
	}
	t.Setenv("LATENTMESH_SEED", "42")
	if got := Seed(); got != 42 {
		t.Fatalf("Seed(): got %d want 42", got)
	}
}

func TestVarTrimsQuotes(t *testing.T) {
	t.Setenv("LATENTMESH_DTYPE", ` "f16" `)
	if got := DType(); got != "f16" {
		t.Fatalf("DType(): got %q want f16", got)
	}
	if v := Values()["LATENTMESH_DTYPE"]; v != "f16" {
		t.Fatalf("Values(): got %q want f16", v)
	}
}
