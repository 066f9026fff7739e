package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func newObservedGorm(level gormlogger.LogLevel, slow time.Duration) (*GormLogger, *observer.ObservedLogs) {
	core, recorded := observer.New(zapcore.DebugLevel)
	return NewGormLogger(zap.New(core), level, slow), recorded
}

func selectLinks() (string, int64) {
	return "SELECT * FROM sync_links WHERE source_record_id = 'OPP-100'", 1
}

func TestNewGormLogger_DefaultSlowThreshold(t *testing.T) {
	gormLog, _ := newObservedGorm(gormlogger.Info, 0)
	assert.Equal(t, 200*time.Millisecond, gormLog.slowThreshold)
}

func TestGormLogger_LogMode(t *testing.T) {
	gormLog, _ := newObservedGorm(gormlogger.Info, 0)
	newLogger := gormLog.LogMode(gormlogger.Warn)

	assert.Equal(t, gormlogger.Info, gormLog.logLevel)
	changed, ok := newLogger.(*GormLogger)
	require.True(t, ok)
	assert.Equal(t, gormlogger.Warn, changed.logLevel)
}

func TestGormLogger_Messages(t *testing.T) {
	gormLog, recorded := newObservedGorm(gormlogger.Warn, 0)
	ctx := context.Background()

	gormLog.Info(ctx, "suppressed %d", 1)
	gormLog.Warn(ctx, "warned %d", 2)
	gormLog.Error(ctx, "failed %d", 3)

	entries := recorded.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "warned 2", entries[0].Message)
	assert.Equal(t, "failed 3", entries[1].Message)
}

func TestGormLogger_Trace(t *testing.T) {
	tests := []struct {
		name    string
		level   gormlogger.LogLevel
		begin   time.Time
		err     error
		wantMsg string
	}{
		{"error", gormlogger.Error, time.Now(), errors.New("connection reset"), "SQL Error"},
		{"record not found ignored", gormlogger.Info, time.Now(), gormlogger.ErrRecordNotFound, ""},
		{"slow query", gormlogger.Warn, time.Now().Add(-time.Second), nil, "Slow SQL"},
		{"normal query", gormlogger.Info, time.Now(), nil, "SQL Query"},
		{"silent", gormlogger.Silent, time.Now(), errors.New("ignored"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gormLog, recorded := newObservedGorm(tt.level, 100*time.Millisecond)

			gormLog.Trace(context.Background(), tt.begin, selectLinks, tt.err)

			if tt.wantMsg == "" {
				assert.Empty(t, recorded.All())
				return
			}
			entries := recorded.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantMsg, entries[0].Message)
			assert.EqualValues(t, 1, entries[0].ContextMap()["rows"])
		})
	}
}

func TestGormLogger_Trace_CorrelationFields(t *testing.T) {
	gormLog, recorded := newObservedGorm(gormlogger.Info, 0)
	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = context.WithValue(ctx, RunIDKey, "run-1")

	gormLog.Trace(ctx, time.Now(), selectLinks, nil)

	fields := recorded.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "run-1", fields["run_id"])
}

func TestMapGormLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected gormlogger.LogLevel
	}{
		{"silent", gormlogger.Silent},
		{"error", gormlogger.Error},
		{"warn", gormlogger.Warn},
		{"info", gormlogger.Info},
		{"debug", gormlogger.Info},
		{"", gormlogger.Warn},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, MapGormLogLevel(tt.level))
		})
	}
}

func TestGormLoggerImplementsInterface(t *testing.T) {
	var _ gormlogger.Interface = NewGormLogger(zap.NewNop(), gormlogger.Info, 0)
}
