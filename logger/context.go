package logger

import (
	"context"
	"log/slog"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

// Logger context keys
const (
	LoggerKey ContextKey = "logger"
)

// FromContext retrieves the logger from the context
// If no logger is found, it returns the default logger
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithRequestID adds a request ID to the logger in the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return With(ctx, "request_id", requestID)
}

// WithSubmissionID tags the context logger with a remote submission id
func WithSubmissionID(ctx context.Context, submissionID string) context.Context {
	return With(ctx, "submission_id", submissionID)
}

// WithAssessment tags the context logger with an assessment id
func WithAssessment(ctx context.Context, assessmentID string) context.Context {
	return With(ctx, "assessment_id", assessmentID)
}

// With adds arbitrary attributes to the logger in the context
func With(ctx context.Context, args ...any) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(args...))
}
