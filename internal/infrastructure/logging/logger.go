package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nerrad567/ecatd/internal/infrastructure/config"
)

// Logger is the daemon-wide structured logger.
//
// It embeds *slog.Logger, so it satisfies the small Debug/Info/Warn/Error
// interfaces that the ecat, inspect and telemetry packages accept.
// Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New creates a logger writing to the output named in cfg.
//
// Outputs are "stdout" (default), "stderr" and "discard". Formats are "json"
// (default) and "text". Every record carries service=ecatd and version.
func New(cfg config.LoggingConfig, version string) *Logger {
	return NewWithWriter(cfg, version, outputWriter(cfg.Output))
}

// NewWithWriter is New with an explicit destination. cfg.Output is ignored.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler.WithAttrs([]slog.Attr{
			slog.String("service", "ecatd"),
			slog.String("version", version),
		})),
	}
}

func outputWriter(output string) io.Writer {
	switch strings.ToLower(output) {
	case "stderr":
		return os.Stderr
	case "discard":
		return io.Discard
	default:
		return os.Stdout
	}
}

// replaceAttr writes timestamps in UTC with sub-millisecond precision and
// durations as strings ("5ms"), since cycle and timeout values otherwise come
// out as bare nanosecond counts.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindTime:
		if a.Key == slog.TimeKey {
			return slog.String(a.Key, a.Value.Time().UTC().Format(time.RFC3339Nano))
		}
	case slog.KindDuration:
		return slog.String(a.Key, a.Value.Duration().String())
	}
	return a
}

// parseLevel maps debug, info, warn/warning and error (any case) to slog
// levels. Anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger with extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged with component=name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the JSON info logger used before the configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
