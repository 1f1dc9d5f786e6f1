package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger defines the interface for logging throughout the application.
// Different implementations can be used for different contexts (console, JSON, silent).
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Config selects the level and output format of a ZerologLogger.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Default: info.
	Level string
	// Format is json or console. Default: console.
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// ZerologLogger writes leveled logs through zerolog.
type ZerologLogger struct {
	log zerolog.Logger
}

// New creates a ZerologLogger from cfg.
func New(cfg Config) *ZerologLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return &ZerologLogger{
		log: zerolog.New(out).Level(level).With().Timestamp().Logger(),
	}
}

// With returns a logger that adds the given component field to every entry.
func (z *ZerologLogger) With(component string) *ZerologLogger {
	return &ZerologLogger{log: z.log.With().Str("component", component).Logger()}
}

func (z *ZerologLogger) Debug(msg string, args ...interface{}) {
	z.log.Debug().Msgf(msg, args...)
}

func (z *ZerologLogger) Info(msg string, args ...interface{}) {
	z.log.Info().Msgf(msg, args...)
}

func (z *ZerologLogger) Warn(msg string, args ...interface{}) {
	z.log.Warn().Msgf(msg, args...)
}

func (z *ZerologLogger) Error(msg string, args ...interface{}) {
	z.log.Error().Msgf(msg, args...)
}

// SilentLogger discards all log messages.
// Used in tests and by commands that print their own output.
type SilentLogger struct{}

func NewSilentLogger() *SilentLogger {
	return &SilentLogger{}
}

func (s *SilentLogger) Debug(msg string, args ...interface{}) {}
func (s *SilentLogger) Info(msg string, args ...interface{})  {}
func (s *SilentLogger) Warn(msg string, args ...interface{})  {}
func (s *SilentLogger) Error(msg string, args ...interface{}) {}
