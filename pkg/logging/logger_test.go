package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ badger.Logger = (*BadgerLogger)(nil)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})

	log.Info().Msg("dropped")
	log.Warn().Str("index", "b.key2").Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "hgraphdb", entry["service"])
	assert.Equal(t, "b.key2", entry["index"])
}

func TestNew_DefaultLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "nonsense", Output: &buf})
	log.Debug().Msg("hidden")
	log.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestBadgerLogger(t *testing.T) {
	var buf bytes.Buffer
	bl := NewBadgerLogger(New(Config{Level: "debug", Output: &buf}))
	bl.Warningf("compaction slow: %d ms\n", 12)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "compaction slow: 12 ms", entry["message"])
	assert.Equal(t, "badger", entry["component"])
	assert.Equal(t, "warn", entry["level"])
}
