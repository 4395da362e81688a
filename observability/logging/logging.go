package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type settings struct {
	level  slog.Level
	writer io.Writer
}

// Option customises Setup.
type Option func(*settings)

// WithLevel sets the minimum level from its textual name (debug, info, warn,
// error). Unknown names keep the default info level.
func WithLevel(name string) Option {
	return func(s *settings) {
		s.level = ParseLevel(name)
	}
}

// WithWriter directs log output to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(s *settings) {
		if w != nil {
			s.writer = w
		}
	}
}

// WithRotatingFile writes to path in addition to stdout, rotating the file
// once it exceeds maxSizeMB.
func WithRotatingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) Option {
	return func(s *settings) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
		s.writer = io.MultiWriter(s.writer, rotator)
	}
}

// ParseLevel maps a level name onto slog.Level.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided, and credential-bearing
// attributes are masked.
func Setup(service, env string, opts ...Option) *slog.Logger {
	cfg := &settings{level: slog.LevelInfo, writer: os.Stdout}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	handler := slog.NewJSONHandler(cfg.writer, &slog.HandlerOptions{
		Level: cfg.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			if IsSensitive(attr.Key) {
				return slog.String(attr.Key, MaskValue(attr.Value.String()))
			}
			return attr
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
