package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// recordHook 记录写入的日志条目
type recordHook struct {
	entries []zapcore.Entry
	fields  [][]zapcore.Field
}

func (h *recordHook) OnWrite(entry zapcore.Entry, fields []zapcore.Field) error {
	h.entries = append(h.entries, entry)
	h.fields = append(h.fields, fields)
	return nil
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config", config: nil},
		{name: "console output", config: &Config{Level: InfoLevel, Format: JSONFormat, Console: true}},
		{name: "file output", config: &Config{Format: JSONFormat, File: filepath.Join(dir, "beacon.log")}},
		{name: "rotate output", config: &Config{Rotate: &RotateConfig{Filename: filepath.Join(dir, "rotate.log")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			require.NoError(t, err)
			l.Info("hello")
			_ = l.Sync()
		})
	}
}

func TestPresets(t *testing.T) {
	dev, err := NewDevelopment()
	require.NoError(t, err)
	assert.Equal(t, DebugLevel, dev.Level())

	prod, err := NewProduction()
	require.NoError(t, err)
	assert.Equal(t, InfoLevel, prod.Level())
}

func TestSetLevelAffectsOutput(t *testing.T) {
	hook := &recordHook{}
	l, err := NewWithOptions(WithLevel(InfoLevel), WithHook(hook))
	require.NoError(t, err)

	l.Debug("dropped")
	assert.Empty(t, hook.entries)

	l.SetLevel(DebugLevel)
	l.Debug("kept")
	require.Len(t, hook.entries, 1)
	assert.Equal(t, "kept", hook.entries[0].Message)
	assert.Equal(t, DebugLevel, l.Level())
}

func TestContextFields(t *testing.T) {
	hook := &recordHook{}
	l, err := NewWithOptions(WithHook(hook))
	require.NoError(t, err)

	ctx := ContextWithConnID(ContextWithTraceID(context.Background(), "trace-1"), "conn-9")
	l.InfoContext(ctx, "frame dropped", zap.String("kind", "SUBSCRIBE"))

	require.Len(t, hook.fields, 1)
	keys := make([]string, 0, len(hook.fields[0]))
	for _, f := range hook.fields[0] {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"trace_id", "conn_id", "kind"}, keys)
}

func TestChildLoggerSharesLevel(t *testing.T) {
	hook := &recordHook{}
	l, err := NewWithOptions(WithLevel(WarnLevel), WithHook(hook))
	require.NoError(t, err)

	child := l.Named("hub").With(zap.String("component", "registry"))
	child.Info("ignored")
	l.SetLevel(InfoLevel)
	child.Info("visible")

	require.Len(t, hook.entries, 1)
	assert.Equal(t, "hub", hook.entries[0].LoggerName)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Error("nothing happens")
	assert.NoError(t, l.Sync())
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, JSONFormat, f)

	f, err = ParseFormat(" Console ")
	require.NoError(t, err)
	assert.Equal(t, ConsoleFormat, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestSamplingDropsBurst(t *testing.T) {
	hook := &recordHook{}
	l, err := NewWithOptions(
		WithHook(hook),
		WithSampling(&SamplingConfig{Initial: 2, Thereafter: 1000}),
	)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		l.Warn("connection reaped")
	}
	assert.Len(t, hook.entries, 2)
}
