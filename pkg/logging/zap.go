package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapOptions selects the zap encoder and threshold backing a Logger
type ZapOptions struct {
	Level  string
	Format string // "console" or "json"
	Fields map[string]string
}

// NewZapLogger returns a Logger writing through zap plus a sync func to call on exit.
func NewZapLogger(opts ZapOptions) (Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	core := zapcore.NewCore(newEncoder(opts.Format), zapcore.Lock(os.Stdout), zapLevel(level))
	return newZapLogger(core, opts.Fields)
}

func newZapLogger(core zapcore.Core, fields map[string]string) (Logger, func() error, error) {
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
	for k, v := range fields {
		zapLogger = zapLogger.With(zap.String(k, v))
	}
	sugar := zapLogger.Sugar()

	return NewLogger("", LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	}), zapLogger.Sync, nil
}

func newEncoder(format string) zapcore.Encoder {
	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	return zapcore.NewConsoleEncoder(cfg)
}

func zapLevel(level int) zapcore.Level {
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
