package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type loggerKey struct{}

var (
	mu           sync.RWMutex
	globalLogger zerolog.Logger
)

func init() {
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	setGlobal(newLogger(os.Stderr, level, false))
}

func newLogger(w io.Writer, level zerolog.Level, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(w).With().Timestamp().Caller()
	if hostname, err := os.Hostname(); err == nil {
		ctx = ctx.Str("hostname", hostname)
	}
	if pname, err := os.Executable(); err == nil {
		ctx = ctx.Str("executable", filepath.Base(pname))
	}
	return ctx.Logger().Level(level)
}

func setGlobal(l zerolog.Logger) {
	mu.Lock()
	globalLogger = l
	log.Logger = l
	mu.Unlock()
}

func current() *zerolog.Logger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	return &l
}

// Configure replaces the global logger. An empty or unknown level falls back
// to info; pretty switches to the human readable console writer.
func Configure(level string, pretty bool) error {
	return ConfigureWriter(os.Stderr, level, pretty)
}

// ConfigureWriter is Configure with an explicit destination.
func ConfigureWriter(w io.Writer, level string, pretty bool) error {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return err
		}
		if parsed != zerolog.NoLevel {
			lvl = parsed
		}
	}
	setGlobal(newLogger(w, lvl, pretty))
	return nil
}

// Ctx returns the logger stored in ctx, or the global logger.
func Ctx(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zerolog.Logger); ok && l != nil {
			return l
		}
	}
	return current()
}

func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// With returns a child of the global logger carrying the given string fields.
func With(kv ...string) *zerolog.Logger {
	c := current().With()
	for i := 0; i+1 < len(kv); i += 2 {
		c = c.Str(kv[i], kv[i+1])
	}
	l := c.Logger()
	return &l
}

// SetLevel updates the global log level
func SetLevel(level zerolog.Level) {
	setGlobal(current().Level(level))
}

// Fatal logs a fatal message and exits
func Fatal() *zerolog.Event {
	return current().Fatal()
}

// Error logs an error message
func Error() *zerolog.Event {
	return current().Error()
}

// Warn logs a warning message
func Warn() *zerolog.Event {
	return current().Warn()
}

// Info logs an info message
func Info() *zerolog.Event {
	return current().Info()
}

// Debug logs a debug message
func Debug() *zerolog.Event {
	return current().Debug()
}
