package telemetry

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.uber.org/zap/zapcore"
)

// LogCore returns a zap core that forwards entries at or above minLevel to
// the OTLP log pipeline, or a no-op core when logs are not exported. Tee it
// into the application logger with logger.New(cfg, core).
func (p *Providers) LogCore(serviceName string, minLevel zapcore.Level) zapcore.Core {
	if p == nil || p.logs == nil {
		return zapcore.NewNopCore()
	}
	core := otelzap.NewCore(serviceName, otelzap.WithLoggerProvider(p.logs))
	if minLevel <= zapcore.DebugLevel {
		return core
	}
	return &minLevelCore{Core: core, min: minLevel}
}

// minLevelCore drops entries below min; otelzap forwards every level.
type minLevelCore struct {
	zapcore.Core
	min zapcore.Level
}

func (c *minLevelCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && c.Core.Enabled(lvl)
}

func (c *minLevelCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if entry.Level < c.min {
		return ce
	}
	return c.Core.Check(entry, ce)
}

func (c *minLevelCore) With(fields []zapcore.Field) zapcore.Core {
	return &minLevelCore{Core: c.Core.With(fields), min: c.min}
}
