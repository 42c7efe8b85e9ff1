// Package logger holds the process-wide zerolog logger used by the hub and
// the MCP proxy. Both commands call Configure once at startup; everything
// else logs through the package helpers or a Component logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the configured base logger. Until Configure runs it writes JSON
// to stderr at info level.
var Logger zerolog.Logger

// Level names accepted in TASKHUB_LOG_LEVEL.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// LevelEnv overrides the level derived from DEBUG when it holds a known name.
const LevelEnv = "TASKHUB_LOG_LEVEL"

var levels = map[Level]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

func init() {
	Logger = newLogger(os.Stderr, "", false)
}

// Configure installs the base logger for a command. service ends up as the
// "service" field on every JSON line; dev switches to colored console output.
func Configure(service string, level Level, dev bool) {
	ConfigureWriter(os.Stderr, service, level, dev)
}

// ConfigureWriter is Configure with an explicit destination.
func ConfigureWriter(out io.Writer, service string, level Level, dev bool) {
	lvl, ok := ParseLevel(string(level))
	if !ok {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	Logger = newLogger(out, service, dev)
	log.Logger = Logger
}

func newLogger(out io.Writer, service string, dev bool) zerolog.Logger {
	if dev {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(out).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	return ctx.Logger()
}

// ParseLevel maps a level name, in any case, to its zerolog level.
func ParseLevel(name string) (zerolog.Level, bool) {
	lvl, ok := levels[Level(strings.ToLower(strings.TrimSpace(name)))]
	return lvl, ok
}

// LevelFromEnv picks the startup level. TASKHUB_LOG_LEVEL wins when valid.
// Otherwise DEBUG decides: dev builds log at debug unless DEBUG is false or
// 0, other builds only when DEBUG is true or 1.
func LevelFromEnv(dev bool) Level {
	if name := os.Getenv(LevelEnv); name != "" {
		if _, ok := ParseLevel(name); ok {
			return Level(strings.ToLower(strings.TrimSpace(name)))
		}
	}

	switch strings.ToLower(os.Getenv("DEBUG")) {
	case "true", "1":
		return LevelDebug
	case "false", "0":
		return LevelInfo
	}
	if dev {
		return LevelDebug
	}
	return LevelInfo
}

// Component returns a child of the base logger tagged with component. It
// captures the base logger at call time, so call it after Configure.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

func Debug(msg string) { Logger.Debug().Msg(msg) }

func Debugf(format string, args ...interface{}) { Logger.Debug().Msgf(format, args...) }

func Info(msg string) { Logger.Info().Msg(msg) }

func Infof(format string, args ...interface{}) { Logger.Info().Msgf(format, args...) }

func Warn(msg string) { Logger.Warn().Msg(msg) }

func Warnf(format string, args ...interface{}) { Logger.Warn().Msgf(format, args...) }

func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, args ...interface{}) { Logger.Error().Msgf(format, args...) }
