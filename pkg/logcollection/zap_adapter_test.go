package logcollection

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZapAdapter_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.log")
	adapter, err := NewZapAdapter(ZapConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	adapter.WithWorker("api").LogWithContext(ctx, WarnLevel, "probe slow", Duration("elapsed", 0), PID(42))

	logger := NewLoggingAdapter("gateway: ", adapter)
	logger.Errorf("Rejected request, code: %d", 401)
	require.NoError(t, adapter.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitNonEmpty(string(data))
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "warn", first["level"])
	assert.Equal(t, "probe slow", first["msg"])
	assert.Equal(t, "api", first["worker_id"])
	assert.Equal(t, "req-1", first["request_id"])
	assert.EqualValues(t, 42, first["pid"])
	assert.Contains(t, first, "timestamp")

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "error", second["level"])
	assert.Equal(t, "gateway: Rejected request, code: 401", second["msg"])
}

func TestZapAdapter_LevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.log")
	adapter, err := NewZapAdapter(ZapConfig{Level: "warn", Output: path})
	require.NoError(t, err)

	adapter.Infof("hidden")
	adapter.Warnf("shown")
	require.NoError(t, adapter.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, splitNonEmpty(string(data)), 1)
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), "ops")
	assert.Equal(t, "ops", PrincipalFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(ctx))
	assert.Equal(t, "", PrincipalFromContext(nil)) //nolint:staticcheck // nil context is handled
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
