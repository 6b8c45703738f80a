package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// zapLogger implements Logger on top of go.uber.org/zap.
type zapLogger struct {
	core  *zap.Logger
	sugar *zap.SugaredLogger
}

// Options configures NewZap. The zero value logs human-readable output to
// stderr at info level.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string

	// FilePath, if set, additionally writes JSON-encoded entries to a
	// lumberjack-rotated file (10MB/5 backups/28 days, compressed).
	FilePath string
}

// NewZap builds a Logger backed by zap, writing human-readable output to
// stderr and, if Options.FilePath is set, rotated JSON lines to disk.
func NewZap(opts Options) (Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("log: invalid level %q: %w", opts.Level, err)
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := encoderCfg
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	var cores []zapcore.Core
	cores = append(cores, zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleCfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		level,
	))

	if opts.FilePath != "" {
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), writer, level))
	}

	core := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return &zapLogger{core: core, sugar: core.Sugar()}, nil
}

func (l *zapLogger) Debug(msg string)                  { l.sugar.Debug(msg) }
func (l *zapLogger) Debugf(f string, a ...interface{})  { l.sugar.Debugf(f, a...) }
func (l *zapLogger) Info(msg string)                    { l.sugar.Info(msg) }
func (l *zapLogger) Infof(f string, a ...interface{})   { l.sugar.Infof(f, a...) }
func (l *zapLogger) Warn(msg string)                    { l.sugar.Warn(msg) }
func (l *zapLogger) Warnf(f string, a ...interface{})   { l.sugar.Warnf(f, a...) }
func (l *zapLogger) Error(msg string)                   { l.sugar.Error(msg) }
func (l *zapLogger) Errorf(f string, a ...interface{})  { l.sugar.Errorf(f, a...) }

func (l *zapLogger) With(args ...interface{}) Logger {
	return &zapLogger{core: l.core, sugar: l.sugar.With(args...)}
}

func (l *zapLogger) Sync() error { return l.core.Sync() }
