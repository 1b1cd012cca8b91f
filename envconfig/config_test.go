package envconfig

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDebug(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"0":     false,
		"false": false,
		"1":     true,
		"true":  true,
		"yes":   true,
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("TESSERA_DEBUG", value)
			require.Equal(t, want, Debug())
		})
	}
}

func TestLogLevel(t *testing.T) {
	t.Setenv("TESSERA_DEBUG", "1")
	require.Equal(t, slog.LevelDebug, LogLevel())

	t.Setenv("TESSERA_DEBUG", "")
	require.Equal(t, slog.LevelInfo, LogLevel())
}

func TestOverridesTrimQuotes(t *testing.T) {
	t.Setenv("TESSERA_OUTPUT_DIR", `"runs/a"`)
	require.Equal(t, "runs/a", OutputDir())

	t.Setenv("TESSERA_BACKEND", "' cpu '")
	require.Equal(t, "cpu", Backend())
}

func TestCacheDir(t *testing.T) {
	t.Setenv("TESSERA_CACHE_DIR", "/tmp/emb")
	require.Equal(t, "/tmp/emb", CacheDir())

	t.Setenv("TESSERA_CACHE_DIR", "")
	require.NotEmpty(t, CacheDir())
}

func TestAsMapCoversAllVars(t *testing.T) {
	m := AsMap()
	for _, key := range []string{"TESSERA_DEBUG", "TESSERA_OUTPUT_DIR", "TESSERA_BACKEND", "TESSERA_CACHE_DIR"} {
		v, ok := m[key]
		require.True(t, ok, key)
		require.Equal(t, key, v.Name)
		require.NotEmpty(t, v.Description)
	}
}
