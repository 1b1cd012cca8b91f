// Package envconfig reads the TESSERA_* environment variables that override
// file configuration.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// Debug reports whether debug logging is requested via TESSERA_DEBUG.
func Debug() bool {
	if v := clean("TESSERA_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		return true
	}
	return false
}

// LogLevel maps TESSERA_DEBUG onto a slog level.
func LogLevel() slog.Level {
	if Debug() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// OutputDir overrides the configured artifact directory via
// TESSERA_OUTPUT_DIR.
func OutputDir() string {
	return clean("TESSERA_OUTPUT_DIR")
}

// Backend overrides the tensor backend via TESSERA_BACKEND.
func Backend() string {
	return clean("TESSERA_BACKEND")
}

// CacheDir is where prompt embeddings are cached, TESSERA_CACHE_DIR or a
// per-user default.
func CacheDir() string {
	if dir := clean("TESSERA_CACHE_DIR"); dir != "" {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".tessera"
	}
	return filepath.Join(home, ".tessera", "embeddings")
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"TESSERA_DEBUG":      {"TESSERA_DEBUG", Debug(), "Show additional debug information (e.g. TESSERA_DEBUG=1)"},
		"TESSERA_OUTPUT_DIR": {"TESSERA_OUTPUT_DIR", OutputDir(), "Override the artifact output directory"},
		"TESSERA_BACKEND":    {"TESSERA_BACKEND", Backend(), "Tensor backend to run on (default \"cpu\")"},
		"TESSERA_CACHE_DIR":  {"TESSERA_CACHE_DIR", CacheDir(), "Location of the prompt embedding cache"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
