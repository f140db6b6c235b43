// Copyright 2025 James Ross
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// TransientBackendError wraps a network/serialization failure that is safe
// to retry. ClaimStore operations retry these internally before surfacing
// anything to the caller.
type TransientBackendError struct {
	Backend   string
	Operation string
	Err       error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("backend %s: operation %s: transient: %v", e.Backend, e.Operation, e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// SchemaError wraps a Postgres undefined-column/undefined-table error. It is
// never fatal: the caller degrades by skipping the operation for that
// backend rather than retrying or crashing.
type SchemaError struct {
	Backend   string
	Operation string
	Err       error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("backend %s: operation %s: schema error: %v", e.Backend, e.Operation, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// UnknownBackendError is returned by BackendSet.ClientFor for an
// unrecognized or unconfigured backend name.
type UnknownBackendError struct {
	Backend string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend %q", e.Backend)
}

const (
	pqUndefinedColumn = "42703"
	pqUndefinedTable  = "42P01"
)

// classifyPQError wraps a raw driver error as a SchemaError when it carries
// one of the two codes that indicate a migration hasn't run yet, or as a
// TransientBackendError otherwise.
func classifyPQError(backend, operation string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == pqUndefinedColumn || pqErr.Code == pqUndefinedTable {
			return &SchemaError{Backend: backend, Operation: operation, Err: err}
		}
	}
	return &TransientBackendError{Backend: backend, Operation: operation, Err: err}
}

// IsSchemaError reports whether err (or anything it wraps) is a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// withRetry retries fn against TransientBackendError with exponential
// backoff (1s, factor 2, cap 30s, 5 attempts total), per the error-handling
// design's retry policy. A SchemaError or any other error type is returned
// immediately without retry.
func withRetry(ctx context.Context, fn func() error) error {
	const (
		initial    = 1 * time.Second
		factor     = 2
		capDelay   = 30 * time.Second
		maxAttempt = 5
	)
	wait := initial
	var lastErr error
	for attempt := 1; attempt <= maxAttempt; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var transient *TransientBackendError
		if !errors.As(lastErr, &transient) {
			return lastErr
		}
		if attempt == maxAttempt {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= factor
		if wait > capDelay {
			wait = capDelay
		}
	}
	return lastErr
}
