// Package apperr holds the error kinds shared by intake and the worker
// pipeline. Each kind decides whether the queue retries and what text a
// polling client gets to see.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type AuthorizationError struct {
	// Unauthenticated is set when no identity was presented at all.
	Unauthenticated bool
}

func (e *AuthorizationError) Error() string {
	if e.Unauthenticated {
		return "authentication required"
	}
	return "not allowed to access this job"
}

type RateLimitedError struct {
	Scope   string
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Scope, e.ResetAt.UTC().Format(time.RFC3339))
}

type RenderTimeoutError struct {
	After time.Duration
}

func (e *RenderTimeoutError) Error() string {
	return fmt.Sprintf("render timed out after %s", e.After)
}

type TransformError struct {
	Device string
	Err    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %v", e.Device, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

type EnhancementFailure struct {
	Step string
	Err  error
}

func (e *EnhancementFailure) Error() string {
	return fmt.Sprintf("enhancement %s failed: %v", e.Step, e.Err)
}

func (e *EnhancementFailure) Unwrap() error { return e.Err }

type StorageFailure struct {
	Key string
	Err error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Key, e.Err)
}

func (e *StorageFailure) Unwrap() error { return e.Err }

// Retryable reports whether another queue attempt may succeed. Validation
// and transform errors point at bad input or a bug and are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		validation *ValidationError
		transform  *TransformError
		authz      *AuthorizationError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &transform), errors.As(err, &authz):
		return false
	}
	return true
}

// PublicMessage returns the text stored on a failed job.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		timeout *RenderTimeoutError
		storage *StorageFailure
	)
	switch {
	case errors.As(err, &timeout):
		return timeout.Error()
	case errors.As(err, &storage):
		return "failed to store generated image"
	}
	return err.Error()
}
