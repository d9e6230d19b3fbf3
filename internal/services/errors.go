// Package services holds shared error classification for the pipeline.
//
// External collaborators (MakeMKV, ffprobe, TMDB, subtitle sources) fail in
// ways that need different handling: some failures should park a job for
// operator review, others mark it failed outright. Components wrap errors
// with a sentinel marker and the orchestrator maps the marker to a job
// disposition with FailureStatus.
package services

import (
	"errors"
	"fmt"
)

// Sentinel markers. Use errors.Is against these to classify a failure.
var (
	ErrExternalTool  = errors.New("external tool failure")
	ErrValidation    = errors.New("validation failure")
	ErrConfiguration = errors.New("configuration failure")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
)

// Disposition names what should happen to a job after a failure.
type Disposition string

const (
	DispositionReview Disposition = "review"
	DispositionFailed Disposition = "failed"
)

// ServiceError carries the marker plus enough context to log and surface the
// failure without re-parsing message strings.
type ServiceError struct {
	Marker    error
	Component string
	Operation string
	Message   string
	Hint      string
	Err       error
}

func (e *ServiceError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %s: %v", e.Component, e.Operation, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s %s: %s", e.Component, e.Operation, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Component, e.Operation, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Component, e.Operation, e.Marker)
	}
}

func (e *ServiceError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Marker != nil {
		out = append(out, e.Marker)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap builds a ServiceError. marker must be one of the package sentinels.
func Wrap(marker error, component, operation, message string, err error) error {
	return &ServiceError{
		Marker:    marker,
		Component: component,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// WithHint attaches an operator-facing hint to a ServiceError; other errors
// pass through unchanged.
func WithHint(err error, hint string) error {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		svcErr.Hint = hint
		return err
	}
	return err
}

// Hint extracts the operator hint, if the error carries one.
func Hint(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Hint
	}
	return ""
}

// FailureStatus maps an error to the job disposition it warrants.
// Validation, configuration, and not-found failures are operator-fixable and
// go to review; everything else fails the job.
func FailureStatus(err error) Disposition {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrNotFound):
		return DispositionReview
	default:
		return DispositionFailed
	}
}
