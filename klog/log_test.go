package klog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedLine struct {
	level  Level
	msg    string
	fields []Field
}

type recordingWriter struct {
	mu    sync.Mutex
	lines []recordedLine
}

func (w *recordingWriter) WriteLog(level Level, msg string, fields []Field) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, recordedLine{level: level, msg: msg, fields: fields})
	return nil
}

func (w *recordingWriter) snapshot() []recordedLine {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]recordedLine(nil), w.lines...)
}

func TestLogger_LevelFiltering(t *testing.T) {
	w := &recordingWriter{}
	l := New(WithWriter(w), WithLevel(LevelWarning))

	l.Debug("too quiet")
	l.Info("still too quiet")
	l.Warning("loud enough")
	l.Error("loudest")

	lines := w.snapshot()
	require.Len(t, lines, 2)
	require.Equal(t, LevelWarning, lines[0].level)
	require.Equal(t, "loud enough", lines[0].msg)
	require.Equal(t, LevelError, lines[1].level)
	require.Equal(t, "loudest", lines[1].msg)
}

func TestLogger_FieldsPassThrough(t *testing.T) {
	w := &recordingWriter{}
	l := New(WithWriter(w), WithLevel(LevelDebug))

	l.Info("kernel fault", Field{Key: "class", Value: "stack-watermark-corruption"}, Field{Key: "thread_id", Value: uint64(7)})

	lines := w.snapshot()
	require.Len(t, lines, 1)
	require.Equal(t, "kernel fault", lines[0].msg)
	require.Equal(t, []Field{
		{Key: "class", Value: "stack-watermark-corruption"},
		{Key: "thread_id", Value: uint64(7)},
	}, lines[0].fields)
}

func TestLogger_DPanicUsesConfiguredLevel(t *testing.T) {
	w := &recordingWriter{}
	l := New(WithWriter(w), WithLevel(LevelDebug), WithDPanicLevel(LevelWarning))

	l.DPanic("invariant violated")

	lines := w.snapshot()
	require.Len(t, lines, 1)
	require.Equal(t, LevelWarning, lines[0].level)
}

func TestLogger_CallerWriterOverridesDefault(t *testing.T) {
	w := &recordingWriter{}
	// New always installs StderrWriter first; a caller-supplied WithWriter
	// must still be the only one invoked (see New's doc comment on
	// logiface's reversed-on-init multi-writer resolution).
	l := New(WithWriter(w))

	l.Info("hello")

	require.Len(t, w.snapshot(), 1)
}

func TestLogger_DisabledLevelDropsEverything(t *testing.T) {
	w := &recordingWriter{}
	l := New(WithWriter(w), WithLevel(LevelDisabled))

	l.Error("should not appear")

	require.Empty(t, w.snapshot())
}

func TestLevel_String(t *testing.T) {
	require.Equal(t, "disabled", LevelDisabled.String())
	require.Equal(t, "error", LevelError.String())
	require.Equal(t, "warning", LevelWarning.String())
	require.Equal(t, "info", LevelInfo.String())
	require.Equal(t, "debug", LevelDebug.String())
}
