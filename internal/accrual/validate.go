package accrual

import (
	"errors"
	"fmt"
	"math"

	"vault-state-engine/internal/domain"
)

// ErrMalformedEvent is returned when an event lacks a field its tag requires
// and the derivation runs with AbortOnMalformed.
var ErrMalformedEvent = errors.New("malformed vault event")

// MalformedPolicy selects what Derive does with a malformed event.
type MalformedPolicy int

const (
	// SkipMalformed drops the event, logs a warning and records it in Result.Skipped.
	SkipMalformed MalformedPolicy = iota
	// AbortOnMalformed fails the whole derivation with ErrMalformedEvent.
	AbortOnMalformed
)

// ParseMalformedPolicy maps "skip" / "abort" to a policy.
func ParseMalformedPolicy(s string) (MalformedPolicy, error) {
	switch s {
	case "skip", "":
		return SkipMalformed, nil
	case "abort":
		return AbortOnMalformed, nil
	}
	return SkipMalformed, fmt.Errorf("unknown malformed policy %q", s)
}

// SkippedEvent describes an event dropped under SkipMalformed.
type SkippedEvent struct {
	Seq       int64
	Tag       domain.EventTag
	Timestamp int64
	Reason    string
}

// validateEvent returns a non-empty reason when e cannot be replayed.
func validateEvent(e *domain.VaultEvent) string {
	if e == nil {
		return "nil event"
	}
	if !e.Tag.IsValid() {
		return fmt.Sprintf("unknown tag %q", e.Tag)
	}
	if e.Tag.RequiresAmount() {
		if e.Amount == nil {
			return "missing amount"
		}
		if !isFinite(*e.Amount) {
			return "non-finite amount"
		}
	}
	if e.Tag.RequiresShares() {
		if e.Shares == nil {
			return "missing shares"
		}
		if !isFinite(*e.Shares) {
			return "non-finite shares"
		}
	}
	return ""
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func malformedError(e *domain.VaultEvent, reason string) error {
	if e == nil {
		return fmt.Errorf("%w: %s", ErrMalformedEvent, reason)
	}
	return fmt.Errorf("%w: seq=%d tag=%s ts=%d: %s", ErrMalformedEvent, e.Seq, e.Tag, e.Timestamp, reason)
}
