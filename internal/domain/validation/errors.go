package validation

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrConfiguration is matched by errors.Is for every *ConfigurationError.
var ErrConfiguration = errors.New("invalid validation configuration")

// ConfigurationError reports settings that cannot be used. It is surfaced to
// the caller before any aspect runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// InfrastructureError wraps a failure of an external dependency (terminology
// server, resource store, package registry). Transient infrastructure errors
// are retried and, when retries are exhausted, soft-fail the aspect.
type InfrastructureError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable infrastructure failure.
func Transient(op string, err error) error {
	return &InfrastructureError{Op: op, Transient: true, Err: err}
}

// IsTransient reports whether err should be retried. Deadline expiry of a
// single remote call and network errors count as transient; cancellation of
// the caller's context does not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ie *InfrastructureError
	if errors.As(err, &ie) {
		return ie.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
