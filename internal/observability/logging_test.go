package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLogLevel("debug"))
	assert.Equal(t, zerolog.InfoLevel, ParseLogLevel(""))
	assert.Equal(t, zerolog.WarnLevel, ParseLogLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLogLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLogLevel("verbose"))
}

func TestNewLogger_ComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "reconcile", zerolog.InfoLevel)

	logger.Debug().Msg("hidden")
	logger.Info().Str("key", "v1").Msg("patched")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "reconcile", line["component"])
	assert.Equal(t, "patched", line["message"])
	assert.Equal(t, "v1", line["key"])
}
