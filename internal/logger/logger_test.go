package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureGlobal(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := Logger
	prevLevel := zerolog.GlobalLevel()
	prevConfigured := level
	t.Cleanup(func() {
		Logger = prev
		level = prevConfigured
		zerolog.SetGlobalLevel(prevLevel)
	})

	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	level = zerolog.TraceLevel
	var buf bytes.Buffer
	SetOutput(&buf)
	return &buf
}

func TestWithComponentAddsField(t *testing.T) {
	buf := captureGlobal(t)

	log := WithComponent("batcher")
	log.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "batcher", line["component"])
	assert.Equal(t, "hello", line["message"])
}

func TestForComponentDebugSwitch(t *testing.T) {
	buf := captureGlobal(t)

	quiet := ForComponent("gate", false)
	quiet.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	loud := ForComponent("gate", true)
	loud.Debug().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestForComponentDebugAfterInfoInit(t *testing.T) {
	buf := captureGlobal(t)
	Init("info")
	SetOutput(buf)
	buf.Reset()

	plain := WithComponent("server")
	plain.Debug().Msg("plain debug")
	assert.Zero(t, buf.Len(), "info level hides debug by default")

	gate := ForComponent("gate", true)
	gate.Debug().Msg("gate debug")
	assert.Contains(t, buf.String(), "gate debug")
	assert.NotContains(t, buf.String(), "plain debug")
}

func TestForComponentKeepsStricterLevel(t *testing.T) {
	buf := captureGlobal(t)
	Init("warn")
	SetOutput(buf)
	buf.Reset()

	log := ForComponent("batcher", false)
	log.Info().Msg("info line")
	assert.Zero(t, buf.Len())
	log.Warn().Msg("warn line")
	assert.Contains(t, buf.String(), "warn line")
}

func TestZeroLoggerDiscards(t *testing.T) {
	var l zerolog.Logger
	assert.NotPanics(t, func() { l.Info().Msg("nowhere") })
}
