package connection

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/docbind/internal/errs"
)

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	assert.Equal(t, "localhost", o.Host)
	assert.Equal(t, 28015, o.Port)
	assert.Equal(t, "test", o.DB)
	assert.Equal(t, "admin", o.User)
	assert.Equal(t, 1, o.Max)
	assert.Equal(t, 0, o.Min)
	assert.Equal(t, 30*time.Second, o.IdleTimeout)
	assert.Equal(t, time.Second, o.ReapInterval)
	assert.Equal(t, 1, o.PriorityRange)
	assert.True(t, o.RefreshIdle)
	assert.False(t, o.Log)
}

func TestParseOptions_AllKeys(t *testing.T) {
	o, err := ParseOptions(DefaultOptions(), map[string]any{
		"host":               "db.internal",
		"port":               int64(28016), // TOML
		"db":                 "blog",
		"authKey":            "s3cret",
		"user":               "blogger",
		"name":               "primary",
		"max":                10,
		"min":                float64(2), // JSON
		"idleTimeoutMillis":  uint32(5000),
		"refreshIdle":        false,
		"reapIntervalMillis": 250,
		"priorityRange":      3,
		"log":                true,
		"somethingElse":      []string{"ignored"},
	})
	require.NoError(t, err)

	assert.Equal(t, Options{
		Host:          "db.internal",
		Port:          28016,
		DB:            "blog",
		AuthKey:       "s3cret",
		User:          "blogger",
		Name:          "primary",
		Max:           10,
		Min:           2,
		IdleTimeout:   5 * time.Second,
		RefreshIdle:   false,
		ReapInterval:  250 * time.Millisecond,
		PriorityRange: 3,
		Log:           true,
	}, o)
}

func TestParseOptions_MergesOverBase(t *testing.T) {
	base, err := ParseOptions(DefaultOptions(), map[string]any{"db": "blog", "max": 5})
	require.NoError(t, err)

	o, err := ParseOptions(base, map[string]any{"max": 2})
	require.NoError(t, err)
	assert.Equal(t, "blog", o.DB)
	assert.Equal(t, 2, o.Max)
}

func TestParseOptions_TypeErrors(t *testing.T) {
	tests := []struct {
		key   string
		value any
	}{
		{"port", "28015"},
		{"port", 0},
		{"port", 70000},
		{"host", 42},
		{"db", true},
		{"authKey", 1},
		{"user", nil},
		{"name", []byte("x")},
		{"max", "10"},
		{"max", -1},
		{"min", 1.5},
		{"idleTimeoutMillis", "30000"},
		{"refreshIdle", "true"},
		{"refreshIdle", 1},
		{"reapIntervalMillis", false},
		{"priorityRange", map[string]any{}},
		{"log", "yes"},
		{"log", func() {}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			base := DefaultOptions()
			o, err := ParseOptions(base, map[string]any{tt.key: tt.value})
			require.Error(t, err)

			var ie *errs.IllegalArgumentError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.key, ie.Argument)
			assert.Equal(t, base.Host, o.Host, "base returned unchanged on error")
		})
	}
}

func TestParseOptions_LogFunctions(t *testing.T) {
	var got []string

	o, err := ParseOptions(DefaultOptions(), map[string]any{
		"log": func(msg string) { got = append(got, msg) },
	})
	require.NoError(t, err)
	require.NotNil(t, o.LogFunc)
	o.LogFunc("hello", slog.LevelInfo)

	o, err = ParseOptions(o, map[string]any{
		"log": func(msg string, level slog.Level) { got = append(got, level.String()+" "+msg) },
	})
	require.NoError(t, err)
	o.LogFunc("world", slog.LevelWarn)

	assert.Equal(t, []string{"hello", "WARN world"}, got)

	o, err = ParseOptions(o, map[string]any{"log": false})
	require.NoError(t, err)
	assert.Nil(t, o.LogFunc, "a bool replaces a previous function")
}

func TestOptions_MapRoundTrip(t *testing.T) {
	in := DefaultOptions()
	in.Name = "x"
	in.Max = 4

	out, err := ParseOptions(Options{}, in.Map())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestOptions_StringRedactsAuthKey(t *testing.T) {
	o := DefaultOptions()
	o.AuthKey = "s3cret"
	assert.NotContains(t, o.String(), "s3cret")
	assert.Contains(t, o.String(), "localhost:28015/test")
}
