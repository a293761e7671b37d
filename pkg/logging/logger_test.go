package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStructuredLogger(t *testing.T) {
	logger := NewStructuredLogger(Config{
		Level:       LevelInfo,
		Format:      "json",
		ServiceName: "alerting-engine",
		Version:     "1.0.0",
		Environment: "test",
	})

	require.NotNil(t, logger)
	assert.Equal(t, "alerting-engine", logger.serviceName)
	assert.Equal(t, "1.0.0", logger.serviceVersion)
}

func TestWithComponent(t *testing.T) {
	logger := NewTestLogger()

	child := logger.WithComponent("dispatcher")
	require.NotNil(t, child)
	assert.Equal(t, "dispatcher", child.component)
	// Parent is not mutated.
	assert.Empty(t, logger.component)
}

func TestLogOperation(t *testing.T) {
	logger := NewTestLogger()

	err := logger.LogOperation("noop", func() error { return nil })
	assert.NoError(t, err)

	wantErr := errors.New("boom")
	err = logger.LogOperation("failing", func() error { return wantErr })
	assert.Equal(t, wantErr, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   LogLevel
		want string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel("bogus"), "INFO"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in).String())
	}
}
