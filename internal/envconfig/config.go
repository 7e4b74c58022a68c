// Package envconfig reads LATENTMESH_* environment overrides.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

var (
	// GraphMode runs decode passes through captured graphs.
	GraphMode = BoolWithDefault("LATENTMESH_GRAPH_MODE")
	// EnableMC2 fuses MoE dispatch and combine with communication on graph decode passes.
	EnableMC2 = BoolWithDefault("LATENTMESH_ENABLE_MC2")
	// DType overrides the activation dtype (f32, f16, bf16).
	DType = String("LATENTMESH_DTYPE")
	// Listen overrides the API listen address.
	Listen = String("LATENTMESH_LISTEN")
	// Seed overrides the weight seed.
	Seed = Int64("LATENTMESH_SEED", 0)
)

// LogLevel returns the level selected by LATENTMESH_DEBUG.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("LATENTMESH_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// Var returns the trimmed value of an environment variable.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Set reports whether key holds a non-empty value.
func Set(key string) bool {
	return Var(key) != ""
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Int64(key string, defaultValue int64) func() int64 {
	return func() int64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseInt(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap lists every recognised variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LATENTMESH_DEBUG":      {"LATENTMESH_DEBUG", LogLevel(), "Show additional debug information (e.g. LATENTMESH_DEBUG=1)"},
		"LATENTMESH_GRAPH_MODE": {"LATENTMESH_GRAPH_MODE", GraphMode(false), "Run decode passes through captured graphs"},
		"LATENTMESH_ENABLE_MC2": {"LATENTMESH_ENABLE_MC2", EnableMC2(false), "Fuse MoE dispatch/combine with communication on graph decode"},
		"LATENTMESH_DTYPE":      {"LATENTMESH_DTYPE", DType(), "Activation dtype (f32, f16, bf16)"},
		"LATENTMESH_LISTEN":     {"LATENTMESH_LISTEN", Listen(), "API listen address"},
		"LATENTMESH_SEED":       {"LATENTMESH_SEED", Seed(), "Seed for generated weights"},
	}
}

// Values returns AsMap as name/value strings.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = strings.TrimSpace(toString(v.Value))
	}
	return vals
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case slog.Level:
		return t.String()
	default:
		return ""
	}
}
