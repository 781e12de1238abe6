// Package logging provides the gateway's structured logger, shared across
// every component via a request- or background-task-scoped context.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Init configures the global zerolog logger. level parses with
// zerolog.ParseLevel; an invalid level falls back to info.
func Init(level string, writer io.Writer) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	if writer == nil {
		writer = os.Stdout
	}

	zerolog.SetGlobalLevel(logLevel)
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.CallerFieldName = "source"

	log := zerolog.New(writer).With().Timestamp().Caller().Logger()
	zerolog.DefaultContextLogger = &log
}

// FromContext returns the request-scoped logger, falling back to the
// process-wide default when ctx carries none.
func FromContext(ctx context.Context) *zerolog.Logger {
	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		if defLogger := zerolog.DefaultContextLogger; defLogger != nil {
			return defLogger
		}
		l := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
		return &l
	}
	return logger
}

// WithComponent returns a context whose logger is tagged with the given
// component name in a "component" field.
func WithComponent(ctx context.Context, component string) (context.Context, *zerolog.Logger) {
	logger := FromContext(ctx).With().Str("component", component).Logger()
	return logger.WithContext(ctx), &logger
}

// WithCorrelationID returns a new context and logger carrying the
// correlation ID field, mirrored onto every log line emitted downstream.
func WithCorrelationID(ctx context.Context, correlationID string) (context.Context, *zerolog.Logger) {
	logger := FromContext(ctx).With().Str("correlation_id", correlationID).Logger()
	return logger.WithContext(ctx), &logger
}
