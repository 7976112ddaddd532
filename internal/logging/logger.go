// Package logging builds the service slog logger from the [log] config.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"escalator/internal/config"
)

// LevelPanic sits above error for messages that precede a fatal exit.
const LevelPanic = slog.Level(12)

const redacted = "[redacted]"

var levelTones = map[string]string{
	"level=DEBUG":   "\x1b[90m",
	"level=INFO":    "\x1b[34m",
	"level=WARN":    "\x1b[33m",
	"level=ERROR":   "\x1b[31m",
	"level=ERROR+4": "\x1b[35m",
}

type options struct {
	console io.Writer
	service string
	color   bool
}

// Option adjusts logger construction.
type Option func(*options)

// WithConsole redirects the console sink, disabling color.
func WithConsole(w io.Writer) Option {
	return func(o *options) {
		o.console = w
		o.color = false
	}
}

// WithService tags every record with the service name.
func WithService(name string) Option {
	return func(o *options) {
		o.service = name
	}
}

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings; options adjust output.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig, opts ...Option) (*slog.Logger, func(), error) {
	o := options{console: os.Stdout, color: true}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		handlers []slog.Handler
		closers  []io.Closer
	)
	if cfg.Console.Enabled {
		handler, err := consoleHandler(cfg.Console, o)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}
	if cfg.File.Enabled {
		handler, closer, err := fileHandler(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, closer)
	}
	if len(handlers) == 0 {
		return nil, nil, errors.New("no log sinks enabled")
	}

	cleanup := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	var handler slog.Handler = fanout(handlers)
	if len(handlers) == 1 {
		handler = handlers[0]
	}
	logger := slog.New(handler)
	if o.service != "" {
		logger = logger.With("service", o.service)
	}
	return logger, cleanup, nil
}

func consoleHandler(sink config.LogSinkConfig, o options) (slog.Handler, error) {
	level, err := ParseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return redact(groups, attr)
		},
	}

	switch sink.Format {
	case "line":
		var w io.Writer = o.console
		if o.color {
			w = toneWriter{dst: o.console}
		}
		return slog.NewTextHandler(w, handlerOpts), nil
	case "json":
		return slog.NewJSONHandler(o.console, handlerOpts), nil
	default:
		return nil, fmt.Errorf("unsupported console format %q", sink.Format)
	}
}

func fileHandler(sink config.LogSinkConfig) (slog.Handler, io.Closer, error) {
	level, err := ParseLevel(sink.Level)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(sink.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open file %q: %w", sink.Path, err)
	}

	handlerOpts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
	switch sink.Format {
	case "line":
		return slog.NewTextHandler(file, handlerOpts), file, nil
	case "json":
		return slog.NewJSONHandler(file, handlerOpts), file, nil
	default:
		_ = file.Close()
		return nil, nil, fmt.Errorf("unsupported file format %q", sink.Format)
	}
}

// ParseLevel converts a configured level name.
// Params: level name, case-insensitive.
// Returns: slog level or error.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "panic":
		return LevelPanic, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// redact hides credentials that may ride along in attrs, such as bot tokens in URLs.
func redact(_ []string, attr slog.Attr) slog.Attr {
	key := strings.ToLower(attr.Key)
	if strings.Contains(key, "token") || strings.Contains(key, "password") || strings.Contains(key, "secret") {
		return slog.String(attr.Key, redacted)
	}
	return attr
}

// fanout sends one record to every enabled handler.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range f {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, 0, len(f))
	for _, handler := range f {
		next = append(next, handler.WithAttrs(attrs))
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, 0, len(f))
	for _, handler := range f {
		next = append(next, handler.WithGroup(name))
	}
	return next
}

// toneWriter colors whole console lines by level.
type toneWriter struct {
	dst io.Writer
}

func (w toneWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	for marker, tone := range levelTones {
		if !strings.Contains(line, marker+" ") {
			continue
		}
		if _, err := io.WriteString(w.dst, tone+strings.TrimSuffix(line, "\n")+"\x1b[0m\n"); err != nil {
			return 0, err
		}
		return len(payload), nil
	}
	return w.dst.Write(payload)
}
