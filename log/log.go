package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"moul.io/zapfilter"
)

type (
	Level  = zapcore.Level
	Field  = zap.Field
	Option = zap.Option
)

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
	FatalLevel = zapcore.FatalLevel
)

// Logger wraps a zap logger. The level is kept as an AtomicLevel so it can be
// changed while the process is running (see SetLevel).
type Logger struct {
	l     *zap.Logger
	level zap.AtomicLevel
}

var std = New(os.Stderr, InfoLevel)

//nolint:gochecknoglobals // by design
var (
	WithCaller    = zap.WithCaller
	AddCallerSkip = zap.AddCallerSkip
	AddStacktrace = zap.AddStacktrace
)

// WithFilter installs zapfilter rules like "debug:ingress.* info:*".
// Invalid rules are ignored and leave the core untouched.
func WithFilter(rules string) Option {
	return zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		if rules == "" {
			return core
		}
		filter, err := zapfilter.ParseRules(rules)
		if err != nil {
			return core
		}
		return zapfilter.NewFilteringCore(core, filter)
	})
}

func ParseLevel(s string) (Level, error) {
	return zapcore.ParseLevel(s)
}

// New creates a json logger.
func New(writer io.Writer, level Level, opts ...Option) *Logger {
	cfg := zap.NewProductionConfig().EncoderConfig
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return newLogger(zapcore.NewJSONEncoder(cfg), writer, level, opts...)
}

// DevLogger creates a console logger meant for humans.
func DevLogger(writer io.Writer, level Level, opts ...Option) *Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	return newLogger(zapcore.NewConsoleEncoder(cfg), writer, level, opts...)
}

//nolint:whitespace // can't make both editor and linter happy
func newLogger(
	enc zapcore.Encoder, writer io.Writer, level Level, opts ...Option,
) *Logger {
	if writer == nil {
		panic("the writer is nil")
	}
	atomicLevel := zap.NewAtomicLevelAt(level)
	core := zapcore.NewCore(enc, zapcore.AddSync(writer), atomicLevel)
	return &Logger{l: zap.New(core, opts...), level: atomicLevel}
}

func Default() *Logger {
	return std
}

// ResetDefault replaces the process wide logger. Not safe for concurrent use,
// call it during startup.
func ResetDefault(l *Logger) {
	std = l
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{l: l.l.Named(name), level: l.level}
}

func (l *Logger) WithOptions(opts ...Option) *Logger {
	return &Logger{l: l.l.WithOptions(opts...), level: l.level}
}

func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{l: l.l.With(fields...), level: l.level}
}

func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level)
}

func (l *Logger) Level() Level {
	return l.level.Level()
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.l.Debug(msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.l.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.l.Warn(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.l.Error(msg, fields...)
}

func (l *Logger) Fatal(msg string, fields ...Field) {
	l.l.Fatal(msg, fields...)
}

func (l *Logger) Sync() error {
	return l.l.Sync()
}

// the following functions use the default logger

func Debug(msg string, fields ...Field) { std.l.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { std.l.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { std.l.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { std.l.Error(msg, fields...) }
func Fatal(msg string, fields ...Field) { std.l.Fatal(msg, fields...) }

func Sync() error {
	if std != nil {
		return std.Sync()
	}
	return nil
}

// field constructors, kept here so callers don't need to import zap

//nolint:gochecknoglobals // by design
var (
	Skip       = zap.Skip
	Binary     = zap.Binary
	Bool       = zap.Bool
	ByteString = zap.ByteString
	Float64    = zap.Float64
	Float32    = zap.Float32
	Int        = zap.Int
	Int64      = zap.Int64
	Int32      = zap.Int32
	Uint       = zap.Uint
	Uint64     = zap.Uint64
	Uint32     = zap.Uint32
	String     = zap.String
	Strings    = zap.Strings
	Reflect    = zap.Reflect
	Stringer   = zap.Stringer
	Time       = zap.Time
	Duration   = zap.Duration
	Any        = zap.Any
	ErrorField = zap.Error
)
