// Package castellanerr defines the sentinel error kinds every component
// wraps its failures in, so health checks and callers can branch on kind
// without string-matching messages.
package castellanerr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind is one of the five failure classes named by the error handling design:
// transient-external conditions retry; input-malformed and permission-denied
// conditions are logged and the offending unit skipped; internal-invariant
// falls back to a safe default; storage-unavailable fails the caller.
type Kind int

const (
	KindTransientExternal Kind = iota
	KindInputMalformed
	KindPermissionDenied
	KindInternalInvariant
	KindStorageUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransientExternal:
		return "transient-external"
	case KindInputMalformed:
		return "input-malformed"
	case KindPermissionDenied:
		return "permission-denied"
	case KindInternalInvariant:
		return "internal-invariant"
	case KindStorageUnavailable:
		return "storage-unavailable"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with the wrapped cause and the component that raised it.
type Error struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap annotates err with a kind and the component name. Returns nil if err
// is nil, mirroring fmt.Errorf's %w convention used throughout this repo.
func Wrap(kind Kind, component string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. ok is false for plain errors.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Backoff computes the exponential delay for a retry attempt (0-indexed):
// 2^attempt seconds, capped at maxAttempts by the caller's loop bound, not by
// this function.
func Backoff(attempt int) time.Duration {
	seconds := math.Pow(2, float64(attempt))
	return time.Duration(seconds) * time.Second
}

// Retry runs fn up to maxAttempts times with exponential backoff between
// attempts, stopping early on ctx cancellation. It only retries errors
// classified as transient-external; any other error (or a nil Kind, treated
// as non-retryable) returns immediately.
func Retry(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if kind, ok := KindOf(lastErr); !ok || kind != KindTransientExternal {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt)):
		}
	}
	return lastErr
}
