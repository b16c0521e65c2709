package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&Config{
		Level:       LevelDebug,
		ServiceName: "test",
		JSONFormat:  true,
		Output:      &buf,
	})

	log.Info("hello", F("meeting_id", "m-1"))

	out := buf.String()
	assert.Contains(t, out, `"message":"hello"`)
	assert.Contains(t, out, `"meeting_id":"m-1"`)
	assert.Contains(t, out, `"service_name":"test"`)
}

func TestLogger_WithAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&Config{
		Level:      LevelInfo,
		JSONFormat: true,
		Output:     &buf,
	})

	scoped := log.With(F("platform", "meet"))
	scoped.Info("observing")

	assert.Contains(t, buf.String(), `"platform":"meet"`)
}

func TestNotice_EmitsOncePerKey(t *testing.T) {
	var buf bytes.Buffer
	notifier := NewCollectingNotifier()
	log := NewLogger(&Config{
		Level:      LevelWarn,
		JSONFormat: true,
		Output:     &buf,
		Notifier:   notifier,
	})

	log.Notice("meet:malformed:m-1", "captions degraded")
	log.Notice("meet:malformed:m-1", "captions degraded")
	log.Notice("meet:malformed:m-2", "captions degraded")

	notices := notifier.Notices()
	require.Len(t, notices, 2)
	assert.Equal(t, "meet:malformed:m-1", notices[0].Key)
	assert.Equal(t, "meet:malformed:m-2", notices[1].Key)
}

func TestNotice_DedupSharedAcrossWith(t *testing.T) {
	notifier := NewCollectingNotifier()
	log := NewLogger(&Config{
		Level:      LevelWarn,
		JSONFormat: true,
		Output:     &bytes.Buffer{},
		Notifier:   notifier,
	})

	log.With(F("adapter", "zoom")).Notice("zoom:anchor", "captions container missing")
	log.With(F("adapter", "zoom")).Notice("zoom:anchor", "captions container missing")

	require.Len(t, notifier.Notices(), 1)
}

func TestNopLogger_DoesNothing(t *testing.T) {
	log := NewNopLogger()
	log.Info("ignored")
	log.Notice("k", "ignored")
	assert.NotNil(t, log.With(F("a", 1)))
}
