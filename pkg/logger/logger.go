package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var pid = os.Getpid()

// Logger is a thin wrapper over zerolog so the rest of the code
// doesn't depend on its global state.
type Logger struct {
	logger *zerolog.Logger
}

func New(isDebug bool) *Logger {
	zerolog.SetGlobalLevel(level(isDebug))
	logger := zerolog.New(os.Stderr).With().Timestamp().Fields(map[string]any{"pid": pid}).Logger()
	return &Logger{logger: &logger}
}

// NewConsole makes a human-readable logger.
// The tag param is printed in front of every message (s field),
// the module of a child logger goes to the m field.
func NewConsole(isDebug bool, tag string, noColor bool) *Logger {
	zerolog.SetGlobalLevel(level(isDebug))
	zerolog.TimeFieldFormat = time.RFC3339Nano
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.0000", NoColor: noColor,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			"pid",
			zerolog.LevelFieldName,
			"s",
			"m",
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"s", "m", "pid"},
	}
	if output.NoColor {
		output.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprintf("%v", i)
		}
	}
	logger := zerolog.New(output).With().
		Str("pid", fmt.Sprintf("%4x", pid)).
		Str("s", tag).
		Str("m", "").
		Timestamp().Logger()
	return &Logger{logger: &logger}
}

// Default returns the zerolog global logger.
func Default() *Logger { return &Logger{logger: &log.Logger} }

// Nop returns a logger that writes nothing.
func Nop() *Logger {
	l := zerolog.Nop()
	return &Logger{logger: &l}
}

func level(isDebug bool) zerolog.Level {
	if isDebug {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// Output duplicates the logger and sets w as its output.
func (l *Logger) Output(w io.Writer) *Logger {
	logger := l.logger.Output(w)
	return &Logger{logger: &logger}
}

// With creates a child logger context.
func (l *Logger) With() zerolog.Context { return l.logger.With() }

// Extend adds some additional context to the existing logger.
func (l *Logger) Extend(ctx zerolog.Context) *Logger {
	logger := ctx.Logger()
	return &Logger{logger: &logger}
}

// Module returns a child logger with the module tag set.
func (l *Logger) Module(name string) *Logger { return l.Extend(l.With().Str("m", name)) }

// Ctx returns the Logger associated with the ctx.
// If no logger is associated, a disabled logger is returned.
func (l *Logger) Ctx(ctx context.Context) *Logger { return &Logger{logger: zerolog.Ctx(ctx)} }

// WithContext attaches the logger to ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context { return l.logger.WithContext(ctx) }

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *zerolog.Event { return l.logger.Info() }

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *zerolog.Event { return l.logger.Warn() }

// Error starts a new message with error level.
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// Fatal starts a new message with fatal level. The os.Exit(1) function
// is called by the Msg method.
func (l *Logger) Fatal() *zerolog.Event { return l.logger.Fatal() }
