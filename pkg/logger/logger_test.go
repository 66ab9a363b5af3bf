package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// captureLog 把全局 Log 重定向到内存 buffer
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	buffer := &bytes.Buffer{}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.MessageKey = "msg"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(buffer), zap.DebugLevel)
	prev := Log
	Log = zap.New(core)
	t.Cleanup(func() { Log = prev })
	return buffer
}

func TestInfo_AppendsTraceID(t *testing.T) {
	buffer := captureLog(t)

	ctx := WithTraceID(context.Background(), "trace-pay-1")
	Info(ctx, "deposit applied", zap.String("payment_id", "PAY1"), zap.Int64("external_id", 555))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "deposit applied", entry["msg"])
	assert.Equal(t, "PAY1", entry["payment_id"])
	assert.Equal(t, float64(555), entry["external_id"])
	assert.Equal(t, "trace-pay-1", entry["trace_id"])
}

func TestError_WithoutTraceID(t *testing.T) {
	buffer := captureLog(t)

	Error(context.Background(), "watermark update failed", zap.Int64("height", 42))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &entry))
	_, exists := entry["trace_id"]
	assert.False(t, exists)
	assert.Equal(t, "error", entry["level"])
}

func TestNilContext(t *testing.T) {
	buffer := captureLog(t)

	//nolint:staticcheck // 验证 nil ctx 不会 panic
	Warn(nil, "sweep skipped")

	assert.Contains(t, buffer.String(), "sweep skipped")
}
