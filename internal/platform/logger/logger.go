package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Global structured logger abstraction.
var (
	zl          = zap.NewNop()
	slogger     = slog.New(slog.NewTextHandler(os.Stderr, nil))
	levelAtomic = zap.NewAtomicLevelAt(zap.InfoLevel)
	inited      atomic.Bool
)

type Config struct {
	Level  string
	Format string // text|json
}

// ParseLevel maps debug|info|warn|error to a zap level. Unknown values are info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Init builds the process logger. Only the first call has an effect.
func Init(cfg Config) {
	if !inited.CompareAndSwap(false, true) {
		return
	}
	levelAtomic.SetLevel(ParseLevel(cfg.Level))
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeTime: func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString(t.UTC().Format(time.RFC3339Nano))
		},
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), levelAtomic)
	zl = zap.New(core, zap.AddCaller())
	slogger = slog.New(zapslogHandler{core: core})
}

// zapslogHandler implements slog.Handler using zap.
type zapslogHandler struct {
	core  zapcore.Core
	attrs []slog.Attr
}

func (h zapslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return levelAtomic.Enabled(toZapLevel(level))
}

func (h zapslogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]zapcore.Field, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields = append(fields, attrToField(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, attrToField(a))
		return true
	})
	return h.core.Write(zapcore.Entry{Level: toZapLevel(r.Level), Time: r.Time, Message: r.Message}, fields)
}

func (h zapslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return nh
}

func (h zapslogHandler) WithGroup(name string) slog.Handler {
	return h.WithAttrs([]slog.Attr{slog.Group(name)})
}

func toZapLevel(l slog.Level) zapcore.Level {
	switch {
	case l >= slog.LevelError:
		return zap.ErrorLevel
	case l >= slog.LevelWarn:
		return zap.WarnLevel
	case l >= slog.LevelInfo:
		return zap.InfoLevel
	default:
		return zap.DebugLevel
	}
}

func attrToField(a slog.Attr) zapcore.Field {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindString:
		return zap.String(a.Key, a.Value.String())
	case slog.KindInt64:
		return zap.Int64(a.Key, a.Value.Int64())
	case slog.KindUint64:
		return zap.Uint64(a.Key, a.Value.Uint64())
	case slog.KindFloat64:
		return zap.Float64(a.Key, a.Value.Float64())
	case slog.KindBool:
		return zap.Bool(a.Key, a.Value.Bool())
	case slog.KindDuration:
		return zap.Duration(a.Key, a.Value.Duration())
	case slog.KindTime:
		return zap.Time(a.Key, a.Value.Time())
	default:
		return zap.Any(a.Key, a.Value.Any())
	}
}

// Zap returns the process logger, a no-op logger before Init.
func Zap() *zap.Logger { return zl }

func Slog() *slog.Logger { return slogger }

// SetLevel updates the atomic log level at runtime (debug|info|warn|error).
func SetLevel(level string) {
	levelAtomic.SetLevel(ParseLevel(level))
}

// Level returns the current level name.
func Level() string { return levelAtomic.Level().String() }

// Sync flushes buffered log entries.
func Sync() error { return zl.Sync() }
