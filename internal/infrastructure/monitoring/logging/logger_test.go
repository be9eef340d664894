package logging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newTestLogger(t *testing.T) (*zapLogger, *zaptest.Buffer) {
	t.Helper()
	buf := &zaptest.Buffer{}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	level := zap.NewAtomicLevelAt(zapcore.DebugLevel)
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), buf, level)
	return &zapLogger{z: zap.New(core), level: level}, buf
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		l, err := NewLogger(LogConfig{Level: "debug", Format: format, OutputPaths: []string{"stdout"}})
		require.NoError(t, err, format)
		assert.NotNil(t, l)
	}
}

func TestNewLogger_InvalidOutputPath(t *testing.T) {
	l, err := NewLogger(LogConfig{OutputPaths: []string{"/nonexistent-dir/sub/out.log"}})
	assert.Error(t, err)
	assert.Nil(t, l)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestZapLogger_LevelsAndFields(t *testing.T) {
	l, buf := newTestLogger(t)

	l.Debug("debug msg", Int("rows", 4))
	l.Info("info msg", Ints("shape", []int{4, 601}))
	l.Warn("warn msg", Float64("frac", 0.5))
	l.Error("error msg", Err(errors.New("boom")))

	out := buf.String()
	assert.Contains(t, out, `"level":"debug"`)
	assert.Contains(t, out, `"rows":4`)
	assert.Contains(t, out, `"shape":[4,601]`)
	assert.Contains(t, out, `"frac":0.5`)
	assert.Contains(t, out, `"error":"boom"`)
}

func TestZapLogger_WithAndNamed(t *testing.T) {
	l, buf := newTestLogger(t)
	l.With(String("model_id", "visc-v1")).Named("predictor").Info("ready", Duration("took", time.Millisecond))

	out := buf.String()
	assert.Contains(t, out, `"model_id":"visc-v1"`)
	assert.Contains(t, out, `"logger":"predictor"`)
}

func TestZapLogger_SetLevelAppliesToChildren(t *testing.T) {
	l, buf := newTestLogger(t)
	child := l.With(String("c", "1"))

	l.SetLevel("error")
	child.Info("suppressed")
	child.Error("kept")

	assert.NotContains(t, buf.String(), "suppressed")
	assert.Contains(t, buf.String(), "kept")
}

func TestNewLoggerFromCore_Observer(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewLoggerFromCore(core)

	l.Debug("hidden")
	l.Info("visible", Bool("cached", true))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "visible", entry.Message)
	assert.Equal(t, true, entry.ContextMap()["cached"])
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Debug("msg")
	l.Info("msg")
	l.Warn("msg")
	l.Error("msg")
	assert.Equal(t, l, l.With(String("k", "v")))
	assert.Equal(t, l, l.Named("x"))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := NewNopLogger()
	assert.Equal(t, l, OrNop(l))
}

func TestDefault(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	l, _ := newTestLogger(t)
	SetDefault(l)
	assert.Equal(t, Logger(l), Default())

	SetDefault(nil)
	assert.Equal(t, Logger(l), Default())
}
