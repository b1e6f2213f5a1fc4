package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Config captures options for the process-wide logger.
type Config struct {
	Level   string    // "debug", "info", "warn", "error"; empty falls back to LOG_LEVEL
	Output  io.Writer // defaults to os.Stderr
	Service string    // attached to every entry, defaults to "capsched"
}

var (
	mu     sync.RWMutex
	logger zerolog.Logger
	once   sync.Once
)

// initLogger installs the default logger on first use.
func initLogger() {
	once.Do(func() {
		build(Config{})
	})
}

// Configure replaces the process-wide logger. Unlike the lazy default it may
// be called more than once (tests redirect Output to a buffer).
func Configure(cfg Config) {
	once.Do(func() {})
	build(cfg)
}

func build(cfg Config) {
	level := zerolog.InfoLevel
	raw := cfg.Level
	if raw == "" {
		raw = os.Getenv("LOG_LEVEL")
	}
	if raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	service := cfg.Service
	if service == "" {
		service = "capsched"
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	l := zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()

	mu.Lock()
	logger = l
	mu.Unlock()
}

func SetLevel(l Level) {
	initLogger()
	var zl zerolog.Level
	switch l {
	case LevelDebug:
		zl = zerolog.DebugLevel
	case LevelWarn:
		zl = zerolog.WarnLevel
	case LevelError:
		zl = zerolog.ErrorLevel
	default:
		zl = zerolog.InfoLevel
	}
	mu.Lock()
	logger = logger.Level(zl)
	mu.Unlock()
}

// Base returns the configured logger.
func Base() zerolog.Logger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// WithComponent returns a child logger annotated with the component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

func Debug(msg string, kv ...any) {
	l := Base()
	withKVs(l.Debug(), kv).Msg(msg)
}

func Info(msg string, kv ...any) {
	l := Base()
	withKVs(l.Info(), kv).Msg(msg)
}

func Warn(msg string, kv ...any) {
	l := Base()
	withKVs(l.Warn(), kv).Msg(msg)
}

func Error(msg string, err error, kv ...any) {
	l := Base()
	withKVs(l.Error().Err(err), kv).Msg(msg)
}

// withKVs attaches key/value pairs. Pairs whose key is not a string are
// skipped, and a trailing odd value is ignored.
func withKVs(e *zerolog.Event, kv []any) *zerolog.Event {
	if e == nil || len(kv) == 0 {
		return e
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}
