// Package tasks defines the on-the-wire TaskEnvelope, its terminal Outcome,
// and the per-worker Registry that maps task names to handlers and policy
// (components C5 and the data model of spec.md §3).
package tasks

import (
	"time"

	"github.com/google/uuid"
)

// RetryStrategy selects how the Retry Policy Engine computes backoff delay.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
)

// Receipt is the opaque broker handle required to ack/nack/extend an
// envelope. Its concrete shape is broker-specific; the Worker treats it as
// opaque and only ever hands it back to the same broker instance.
type Receipt interface{}

// Envelope is the on-the-wire unit of delivery (spec §3).
type Envelope struct {
	ID                 string
	TaskName           string
	Queue              string
	Payload            []byte
	Attempt            int
	MaxAttempts        int
	EnqueuedAt         time.Time
	AvailableAt        time.Time
	VisibilityDeadline time.Time
	Timeout            time.Duration // 0 means unbounded
	RetryStrategy      RetryStrategy
	RetryDelayBase     time.Duration
	Headers            map[string]string
	Receipt            Receipt
}

// NewID returns a globally unique envelope identifier assigned at enqueue time.
func NewID() string {
	return uuid.NewString()
}

// Live reports whether the envelope invariant attempt <= max_attempts still
// holds, i.e. whether another delivery attempt is permitted by the counter
// alone (the Retry Policy Engine may still decide otherwise based on error
// class).
func (e *Envelope) Live() bool {
	return e.Attempt <= e.MaxAttempts
}

// RemainingVisibility returns how long the current lease has left as of now.
// A non-positive result means the lease has already expired.
func (e *Envelope) RemainingVisibility(now time.Time) time.Duration {
	return e.VisibilityDeadline.Sub(now)
}

// EffectiveDeadline returns min(timeout, remaining visibility) per Dispatcher
// step 2 of spec §4.5, relative to now. A zero result/negative Timeout means
// no handler-imposed bound; ok is false when neither bound applies.
func (e *Envelope) EffectiveDeadline(now time.Time) (d time.Duration, ok bool) {
	remaining := e.RemainingVisibility(now)
	hasTimeout := e.Timeout > 0

	switch {
	case hasTimeout && remaining > 0:
		if e.Timeout < remaining {
			return e.Timeout, true
		}
		return remaining, true
	case hasTimeout:
		return e.Timeout, true
	case remaining > 0:
		return remaining, true
	default:
		return 0, false
	}
}

// Header returns headers[key] and whether it was present.
func (e *Envelope) Header(key string) (string, bool) {
	if e.Headers == nil {
		return "", false
	}
	v, ok := e.Headers[key]
	return v, ok
}
