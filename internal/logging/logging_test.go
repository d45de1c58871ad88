package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", "json", &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.Level)

	logger.WithField("task", "T42").Info("created task")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "created task", entry["msg"])
	assert.Equal(t, "T42", entry["task"])
	assert.Equal(t, "info", entry["level"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("", "TEXT", &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.Level)

	logger.Debug("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `msg=shown`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", "json", nil)
	assert.Error(t, err)
}
