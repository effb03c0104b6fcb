package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestLevelFiltersPerLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "warn", Output: &buf})
	l.LogOperation("query", "", time.Millisecond, nil)
	assert.Empty(t, buf.String())

	l.LogOperation("query", "", time.Millisecond, errors.New("boom"))
	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0]["level"])
	assert.Equal(t, "boom", got[0]["error"])
	assert.Equal(t, "catalogd", got[0]["service"])
}

func TestComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})

	c := l.CatalogLogger("archive").Zerolog()
	c.Info().Msg("hello")
	g := l.GrpcLogger("/grpc.health.v1.Health/Check").Zerolog()
	g.Debug().Msg("served")

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "catalog", got[0]["component"])
	assert.Equal(t, "archive", got[0]["catalog"])
	assert.Equal(t, "grpc", got[1]["component"])
	assert.Equal(t, "/grpc.health.v1.Health/Check", got[1]["method"])
}

func TestLogOperation(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})
	l.LogOperation("catalog_ingest", "archive", time.Millisecond, nil)
	l.LogOperation("query", "", time.Millisecond, errors.New("timeout"))

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "debug", got[0]["level"])
	assert.Equal(t, "catalog_ingest", got[0]["operation"])
	assert.Equal(t, "archive", got[0]["catalog"])
	assert.Equal(t, "error", got[1]["level"])
	assert.NotContains(t, got[1], "catalog")
	assert.Equal(t, "timeout", got[1]["error"])
}

func TestLogGrpcRequest(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "info", Output: &buf})
	l.GrpcLogger("/grpc.health.v1.Health/Check").LogGrpcRequest(time.Millisecond, nil)
	l.GrpcLogger("/grpc.health.v1.Health/Watch").LogGrpcRequest(time.Millisecond, errors.New("closed"))

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "info", got[0]["level"])
	assert.Equal(t, "grpc", got[0]["component"])
	assert.Equal(t, "/grpc.health.v1.Health/Check", got[0]["method"])
	assert.Equal(t, "error", got[1]["level"])
	assert.Equal(t, "/grpc.health.v1.Health/Watch", got[1]["method"])
	assert.Equal(t, "closed", got[1]["error"])
}
