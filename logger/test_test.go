package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTestLogger(t *testing.T) {
	logger := NewTestLogger()

	assert.NotNil(t, logger)
	assert.Len(t, logger.Entries(), 0)
	assert.Nil(t, logger.metadata)
	assert.Nil(t, logger.child)
}

func TestTestLoggerMethods(t *testing.T) {
	logger := NewTestLogger()

	logger.Trace("Trace message", 1)
	logger.Debug("Debug message", 2)
	logger.Info("Info message", 3)
	logger.Warn("Warn message", 4)
	logger.Error("Error message", 5)

	logs := logger.Entries()
	assert.Len(t, logs, 5)

	expected := []struct {
		severity string
		message  string
		arg      int
	}{
		{"TRACE", "Trace message", 1},
		{"DEBUG", "Debug message", 2},
		{"INFO", "Info message", 3},
		{"WARNING", "Warn message", 4},
		{"ERROR", "Error message", 5},
	}
	for i, e := range expected {
		assert.Equal(t, e.severity, logs[i].Severity)
		assert.Equal(t, e.message, logs[i].Message)
		assert.Equal(t, []interface{}{e.arg}, logs[i].Arguments)
	}
}

func TestTestLoggerWith(t *testing.T) {
	logger := NewTestLogger()

	metadata := map[string]interface{}{
		"key1": "value1",
		"key2": 42,
	}

	testLogger, ok := logger.With(metadata).(*TestLogger)
	assert.True(t, ok)
	assert.Equal(t, metadata, testLogger.metadata)

	testLogger2, ok := testLogger.With(map[string]interface{}{"key3": true}).(*TestLogger)
	assert.True(t, ok)
	assert.Equal(t, "value1", testLogger2.metadata["key1"])
	assert.Equal(t, 42, testLogger2.metadata["key2"])
	assert.Equal(t, true, testLogger2.metadata["key3"])
	assert.Nil(t, testLogger.metadata["key3"])

	testLogger2.Warn("load of %s failed", "imageId-3")
	assert.True(t, logger.Contains("WARNING", "imageId-3"))
	assert.Equal(t, true, logger.Entries()[0].Metadata["key3"])
}

func TestTestLoggerWithContext(t *testing.T) {
	logger := NewTestLogger()
	assert.Equal(t, logger, logger.WithContext(context.Background()))
}

func TestTestLoggerWithPrefix(t *testing.T) {
	logger := NewTestLogger()
	assert.Equal(t, logger, logger.WithPrefix("TestPrefix"))
}

func TestTestLoggerStack(t *testing.T) {
	logger1 := NewTestLogger()
	logger2 := NewTestLogger()

	stacked := logger1.Stack(logger2)
	stacked.Info("both")

	assert.Len(t, logger1.Entries(), 1)
	assert.Len(t, logger2.Entries(), 1)
}
