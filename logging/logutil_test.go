package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	require.NoError(t, initLogger(&buf, "warn", FormatJSON))

	Component("worker").Info().Msg("hidden")
	Component("worker").Warn().Int("ShardID", 3).Msg("shown")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "worker", entry["component"])
	assert.Equal(t, 3.0, entry["ShardID"])
	assert.Equal(t, "shown", entry["message"])
}

func TestInitLoggerRejectsBadInput(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	assert.Error(t, initLogger(&buf, "loud", FormatJSON))
	assert.Error(t, initLogger(&buf, "info", "xml"))
	assert.NoError(t, initLogger(&buf, "", FormatConsole))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
