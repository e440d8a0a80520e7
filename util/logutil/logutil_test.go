package logutil

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(buf *bytes.Buffer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&Formatter{})
	return logger
}

func TestFilterSilencesMatchingEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.AddHook(NewFilter([]logrus.Level{logrus.DebugLevel},
		"cannot rearm thread",
		"pause interrupt failed",
	))

	logger.Debug("cannot rearm thread")
	logger.Debug("pause interrupt failed on 3")
	logger.Debug("something notable")

	out := buf.String()
	assert.NotContains(t, out, "cannot rearm thread")
	assert.NotContains(t, out, "pause interrupt failed")
	assert.Contains(t, out, "something notable")
}

func TestFilterLeavesOtherLevelsAlone(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	logger.AddHook(NewFilter([]logrus.Level{logrus.DebugLevel}, "noisy"))

	// The hook is registered for debug only; warnings pass through
	// even when the phrase matches.
	logger.Warn("noisy but important")

	assert.Contains(t, buf.String(), "noisy but important")
}

func TestFormatter(t *testing.T) {
	f := &Formatter{}
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Level:   logrus.InfoLevel,
		Message: "session starting",
		Data: logrus.Fields{
			"endpoint": "stdio",
			"attempt":  1,
		},
	}

	b, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "INFO session starting attempt=1 endpoint=stdio\n", string(b))
}
