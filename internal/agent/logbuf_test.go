package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBufferCapturesRecords(t *testing.T) {
	buf := NewLogBuffer(nil)
	log := buf.Logger()

	log.Info("tunnel open", "proxy", "5.6.7.8:1080")
	log.Warn("retrying", "attempt", 2)

	lines := buf.Drain()
	require.Len(t, lines, 2)
	assert.Equal(t, "INFO", lines[0].Level)
	assert.Contains(t, lines[0].Message, "tunnel open")
	assert.Contains(t, lines[0].Message, "proxy=5.6.7.8:1080")
	assert.Equal(t, "WARN", lines[1].Level)
	assert.False(t, lines[0].Timestamp.IsZero())
}

func TestLogBufferDrainResets(t *testing.T) {
	buf := NewLogBuffer(nil)
	buf.Logger().Info("once")

	require.Len(t, buf.Drain(), 1)
	assert.Empty(t, buf.Drain())
}

func TestLogBufferWithDerivedLoggers(t *testing.T) {
	buf := NewLogBuffer(nil)
	log := buf.Logger().With("queue_id", "q-1")

	log.Info("scan start")
	log.WithGroup("probe").Info("handshake sent")

	lines := buf.Drain()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0].Message, "scan start")
}
