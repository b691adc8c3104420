package logging

import "go.uber.org/zap"

// ZapLogger adapts a *zap.Logger to the Logger interface. Grounded on
// kokizzu-cql-proxy, which logs its CQL proxy through go.uber.org/zap;
// NewDefaultLogger wraps one as the default logger of NewCommonProxy and
// NewStrongProxy. transport.Config and reconnect.Supervisor default to
// logging.Nop instead.
type ZapLogger struct {
	z *zap.Logger
}

// NewZapLogger wraps z. A nil z is replaced by zap.NewNop().
func NewZapLogger(z *zap.Logger) *ZapLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return &ZapLogger{z: z}
}

// NewDefaultLogger returns the zap-backed production logger that
// NewCommonProxy/NewStrongProxy install when a caller doesn't supply its
// own Logger via WithCommonLogger/WithStrongLogger.
func NewDefaultLogger() Logger {
	return NewZapLogger(zap.Must(zap.NewProduction()))
}

func (l *ZapLogger) Log(level LogLevel, msg string, keyvals ...interface{}) {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = "arg"
		}
		fields = append(fields, zap.Any(key, keyvals[i+1]))
	}
	switch level {
	case LevelError:
		l.z.Error(msg, fields...)
	case LevelWarn:
		l.z.Warn(msg, fields...)
	case LevelInfo:
		l.z.Info(msg, fields...)
	case LevelDebug:
		l.z.Debug(msg, fields...)
	}
}
