package logger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLoggerIsUsableBeforeInitialize(t *testing.T) {
	require.NotNil(t, Logger)
	assert.NotPanics(t, func() {
		Infow("before init", FieldJobID, 1)
		PulseInfow("pulse before init")
	})
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
}

func TestMinimalEncoderLayout(t *testing.T) {
	enc := newMinimalEncoder(false)
	withCtx := enc.Clone().(*minimalEncoder)
	withCtx.AddString(FieldSymbol, "꩜")

	ent := zapcore.Entry{
		Level:      zapcore.WarnLevel,
		Time:       time.Date(2024, 3, 1, 13, 4, 35, 0, time.UTC),
		LoggerName: "pulse.scheduler",
		Message:    "Sweep timed out",
	}
	buf, err := withCtx.EncodeEntry(ent, []zapcore.Field{
		zap.Int64(FieldCount, 12),
		zap.String(FieldJobName, "extract_features"),
	})
	require.NoError(t, err)

	assert.Equal(t,
		"13:04:35  WARN  pulse.scheduler  Sweep timed out  ꩜ count=12 job_name=extract_features\n",
		buf.String())
}

func TestMinimalEncoderCloneIsolatesContext(t *testing.T) {
	base := newMinimalEncoder(false)
	a := base.Clone().(*minimalEncoder)
	a.AddString("queue", "default")

	b := base.Clone().(*minimalEncoder)
	assert.Empty(t, b.context)
	assert.Len(t, a.context, 1)
}

func TestFieldsFromContext(t *testing.T) {
	ctx := WithTaskID(WithJobID(context.Background(), 42), "abc")
	fields := FieldsFromContext(ctx)
	assert.Equal(t, []interface{}{FieldJobID, int64(42), FieldTaskID, "abc"}, fields)

	assert.Empty(t, FieldsFromContext(context.Background()))
}

func TestSetLevelChangesInitializedLogger(t *testing.T) {
	defer func() { Logger = zap.NewNop().Sugar() }()
	require.NoError(t, InitializeWithLevel(true, zapcore.WarnLevel))
	assert.False(t, Logger.Desugar().Core().Enabled(zapcore.InfoLevel))

	SetLevel(zapcore.DebugLevel)
	assert.Equal(t, zapcore.DebugLevel, Level())
	assert.True(t, Logger.Desugar().Core().Enabled(zapcore.DebugLevel))
}
