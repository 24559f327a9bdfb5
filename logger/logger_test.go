package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud")
	assert.Error(t, err)
}

func TestLevelsAreSplitAcrossStreams(t *testing.T) {
	var out, errOut bytes.Buffer
	log, err := newWithWriters("info", &out, &errOut)
	require.NoError(t, err)

	log.Logger.Debug("hidden")
	log.Logger.Info("to stdout")
	log.Logger.Warn("also stdout")
	log.Logger.Error("to stderr")
	Flush(log)

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "to stdout")
	assert.Contains(t, out.String(), "also stdout")
	assert.NotContains(t, out.String(), "to stderr")
	assert.Contains(t, errOut.String(), "to stderr")
	assert.NotContains(t, errOut.String(), "to stdout")
}

func TestEntriesCarryPid(t *testing.T) {
	var out, errOut bytes.Buffer
	log, err := newWithWriters("debug", &out, &errOut)
	require.NoError(t, err)

	log.Logger.Error("boom")
	Flush(log)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(errOut.String())), &entry))
	assert.Equal(t, float64(os.Getpid()), entry["pid"])
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "boom", entry["msg"])
}

func TestWithRunID(t *testing.T) {
	var out, errOut bytes.Buffer
	log, err := newWithWriters("info", &out, &errOut)
	require.NoError(t, err)

	tagged, id := WithRunID(log)
	require.NotEmpty(t, id)
	tagged.Logger.Info("hello")
	Flush(tagged)

	assert.Contains(t, out.String(), `"run_id":"`+id+`"`)
}

func TestFromContext(t *testing.T) {
	fallback := Nop().Logger
	assert.Same(t, fallback, FromContext(context.Background(), fallback))
	assert.NotNil(t, FromContext(context.Background(), nil))

	l := zap.NewNop()
	ctx := WithContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx, fallback))
}
