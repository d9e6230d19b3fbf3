package logging

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	jobIDKey     contextKey = "logging.job_id"
	requestIDKey contextKey = "logging.request_id"
)

// WithJobID stores a job identifier for later attachment via WithContext.
func WithJobID(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobIDFromContext reports the job id carried by ctx, if any.
func JobIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(jobIDKey).(int64)
	return id, ok
}

// WithRequestID stores an API request identifier.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext reports the request id carried by ctx, if any.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// WithContext attaches any identifiers found in ctx to the logger.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NewNop()
	}
	if ctx == nil {
		return logger
	}
	if id, ok := JobIDFromContext(ctx); ok {
		logger = logger.With(Int64(FieldJobID, id))
	}
	if id, ok := RequestIDFromContext(ctx); ok {
		logger = logger.With(String(FieldRequestID, id))
	}
	return logger
}
