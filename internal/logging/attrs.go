package logging

import (
	"log/slog"
	"time"
)

// Shared attribute keys keep log output consistent across components.
const (
	FieldComponent = "component"
	FieldJobID     = "job_id"
	FieldTitleID   = "title_id"
	FieldDrive     = "drive"
	FieldDiscLabel = "disc_label"
	FieldState     = "state"
	FieldEventType = "event_type"
	FieldOperation = "operation"
	FieldErrorHint = "error_hint"
	FieldRequestID = "request_id"
)

func String(key, value string) slog.Attr { return slog.String(key, value) }

func Int(key string, value int) slog.Attr { return slog.Int(key, value) }

func Int64(key string, value int64) slog.Attr { return slog.Int64(key, value) }

func Float64(key string, value float64) slog.Attr { return slog.Float64(key, value) }

func Bool(key string, value bool) slog.Attr { return slog.Bool(key, value) }

func Duration(key string, value time.Duration) slog.Attr { return slog.Duration(key, value) }

func Time(key string, value time.Time) slog.Attr { return slog.Time(key, value) }

func Any(key string, value any) slog.Attr { return slog.Any(key, value) }

// Error records a non-nil error under the conventional "error" key.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component returns a child logger tagged with a component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		return NewNop()
	}
	return logger.With(String(FieldComponent, name))
}
