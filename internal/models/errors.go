package models

import (
	"errors"
	"fmt"
	"time"
)

// Error kind constants. Kinds drive the retry decision: a failed attempt is
// re-queued only when the kind is retryable and attempts remain.
const (
	ErrKindValidation        = "VALIDATION"
	ErrKindPrecondition      = "PRECONDITION"
	ErrKindNotFound          = "NOT_FOUND"
	ErrKindAuth              = "AUTH"
	ErrKindRateLimit         = "RATE_LIMIT"
	ErrKindUpstreamTransient = "UPSTREAM_TRANSIENT"
	ErrKindStorage           = "STORAGE"
	ErrKindTimeout           = "TIMEOUT"
	ErrKindCancelled         = "CANCELLED"
	ErrKindStalled           = "STALLED"
	ErrKindProcessing        = "PROCESSING"
)

// KindRetryable reports whether a kind is retryable at the job level.
func KindRetryable(kind string) bool {
	switch kind {
	case ErrKindRateLimit, ErrKindUpstreamTransient, ErrKindStorage,
		ErrKindTimeout, ErrKindStalled, ErrKindProcessing:
		return true
	}
	return false
}

// JobError is the terminal error record carried on a failed job.
type JobError struct {
	Kind       string                 `json:"kind"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Retryable  bool                   `json:"retryable"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Error implements the error interface.
func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewJobError builds a JobError of the given kind with the kind's default
// retryable flag.
func NewJobError(kind, message string) *JobError {
	return &JobError{
		Kind:       kind,
		Message:    message,
		Retryable:  KindRetryable(kind),
		OccurredAt: time.Now(),
	}
}

// NewJobErrorf builds a JobError with a formatted message.
func NewJobErrorf(kind, format string, args ...interface{}) *JobError {
	return NewJobError(kind, fmt.Sprintf(format, args...))
}

// WithDetail attaches a key/value pair to the error's details bag.
func (e *JobError) WithDetail(key string, value interface{}) *JobError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsJobError extracts a *JobError from an error chain. When the chain carries
// none, the fallback kind wraps the error's text.
func AsJobError(err error, fallbackKind string) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	return NewJobError(fallbackKind, err.Error())
}

// IsErrKind reports whether the error chain carries a JobError of the given
// kind.
func IsErrKind(err error, kind string) bool {
	var je *JobError
	return errors.As(err, &je) && je.Kind == kind
}
