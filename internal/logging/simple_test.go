package logging

import (
	"bytes"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newBufferedLogger(buf *bytes.Buffer, level Level) *SimpleLogger {
	return &SimpleLogger{out: log.New(buf, "", 0), level: level, mu: &sync.Mutex{}}
}

func TestInfoWritesLevelTagAndMessage(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, LevelInfo)
	l.Info("enqueued request", nil)
	require.Contains(t, buf.String(), "[INFO]")
	require.Contains(t, buf.String(), "enqueued request")
}

func TestDebugIsSuppressedBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, LevelInfo)
	l.Debug("verbose detail", nil)
	require.Empty(t, buf.String())
}

func TestFieldsAreRenderedSortedByKey(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, LevelInfo)
	l.Info("dispatch failed", map[string]interface{}{"zeta": 1, "alpha": 2})
	out := buf.String()
	require.Less(t, indexOf(out, "alpha"), indexOf(out, "zeta"))
}

func TestWithComponentTagsSubsequentLines(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, LevelInfo)
	tagged := l.WithComponent("queue/worker")
	tagged.Info("processing", nil)
	require.Contains(t, buf.String(), "queue/worker: processing")
}

func TestWithFieldsMergesIntoEveryCall(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, LevelInfo)
	tagged := l.WithFields(map[string]interface{}{"request_id": "r1"})
	tagged.Info("attempt failed", map[string]interface{}{"status": 500})
	out := buf.String()
	require.Contains(t, out, "request_id=r1")
	require.Contains(t, out, "status=500")
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferedLogger(&buf, LevelInfo)
	_ = l.WithFields(map[string]interface{}{"request_id": "r1"})
	l.Info("unrelated", nil)
	require.NotContains(t, buf.String(), "request_id")
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
