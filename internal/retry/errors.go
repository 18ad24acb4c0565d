package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Class is the retry classification of an error.
type Class int

const (
	// Unknown errors are not retried.
	Unknown Class = iota
	// Transient errors (timeouts, connection drops, throttling, 5xx) are retried.
	Transient
	// Rejected errors are deterministic refusals by the remote program and are never retried.
	Rejected
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Classifier maps an error to its retry class.
type Classifier func(error) Class

// Stable reason strings surfaced to mutation initiators.
const (
	ReasonExhausted = "transient_exhausted"
	ReasonCanceled  = "canceled"
	ReasonRejected  = "rejected"
	ReasonFailed    = "failed"
)

// RejectedError marks a deterministic rejection with a machine-readable code
// such as "insufficient_funds" or "unauthorized".
type RejectedError struct {
	Code string
	Err  error
}

func (e *RejectedError) Error() string {
	if e.Err == nil {
		return "rejected: " + e.Code
	}
	return fmt.Sprintf("rejected (%s): %v", e.Code, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// RejectionCode returns the rejection code.
func (e *RejectedError) RejectionCode() string { return e.Code }

// Reject wraps err as a deterministic rejection.
func Reject(code string, err error) error {
	return &RejectedError{Code: code, Err: err}
}

// transientError marks an error as safe to retry.
type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Temporary() bool { return true }

// MarkTransient wraps err so the default classifier retries it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Classify is the default classifier. Rejections are checked first so a
// rejection wrapping a network error is still never retried.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}

	var rejecter interface{ RejectionCode() string }
	if errors.As(err, &rejecter) && rejecter.RejectionCode() != "" {
		return Rejected
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Unknown
	}

	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return Transient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient
	}

	return Unknown
}

// Reason returns the stable, classifiable reason string for a terminal error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return ReasonExhausted
	}
	var rejecter interface{ RejectionCode() string }
	if errors.As(err, &rejecter) && rejecter.RejectionCode() != "" {
		return ReasonRejected + ":" + rejecter.RejectionCode()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonCanceled
	}
	return ReasonFailed
}
