// Package logging builds the process logger from config.LogConfig.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentworkforce/driveindex/internal/config"
)

// Logger is a slog.Logger that also satisfies the Printf Logger interface
// the component packages accept.
type Logger struct {
	*slog.Logger
	printf *log.Logger
	closer io.Closer
}

func New(cfg config.LogConfig) (*Logger, error) {
	return NewWithWriter(cfg, nil)
}

// NewWithWriter writes to w instead of stderr when cfg.File is empty.
func NewWithWriter(cfg config.LogConfig, w io.Writer) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	l := &Logger{}
	switch {
	case strings.TrimSpace(cfg.File) != "":
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		l.closer = rotator
		w = rotator
	case w == nil:
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", cfg.Format)
	}
	l.Logger = slog.New(handler)
	l.printf = slog.NewLogLogger(handler, slog.LevelInfo)
	return l, nil
}

// Component returns a Printf logger whose records carry component=name.
func (l *Logger) Component(name string) *log.Logger {
	return slog.NewLogLogger(l.Handler().WithAttrs([]slog.Attr{slog.String("component", name)}), slog.LevelInfo)
}

func (l *Logger) Printf(format string, args ...any) {
	l.printf.Printf(format, args...)
}

func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, sensitive := range []string{"password", "secret", "token", "credential", "authorization"} {
		if strings.Contains(key, sensitive) {
			return true
		}
	}
	return false
}
