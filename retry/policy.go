// Package retry implements the Retry Policy Engine (component C6): given a
// task outcome and its envelope, decide ack/retry/dead-letter and compute
// the next retry delay (spec §4.4).
package retry

import (
	"time"

	"github.com/adamrefaey/asynctasq/tasks"
)

// DispositionKind tags the Retry Policy Engine's decision.
type DispositionKind int

const (
	DispositionAck DispositionKind = iota
	DispositionRetry
	DispositionDeadLetter
)

// Disposition is the engine's output: {ack} | {retry, delay} | {dead_letter}.
type Disposition struct {
	Kind  DispositionKind
	Delay time.Duration
}

// DefaultMaxDelay is the implementation-defined ceiling for exponential
// backoff when the caller does not configure one (spec §4.4).
const DefaultMaxDelay = 3600 * time.Second

// Policy computes dispositions. MaxDelay of zero uses DefaultMaxDelay.
type Policy struct {
	MaxDelay time.Duration
	// DeadLetterSupported reports whether the target broker supports
	// move_to_dead_letter; when false, exhausted/non-retriable envelopes
	// are ack-and-dropped instead (spec §4.4).
	DeadLetterSupported bool
	// DefaultStrategy/DefaultBaseDelay are the worker-level retry.strategy
	// and retry.base_delay config defaults (spec §6), consulted whenever
	// an envelope doesn't set its own RetryStrategy/RetryDelayBase.
	DefaultStrategy  tasks.RetryStrategy
	DefaultBaseDelay time.Duration
}

// NewPolicy returns a Policy with the given broker DLQ capability.
func NewPolicy(deadLetterSupported bool) Policy {
	return Policy{DeadLetterSupported: deadLetterSupported}
}

// Decide implements the rules of spec §4.4 in order:
//  1. Success -> ack
//  2. Retriable outcome and attempts remain -> retry
//  3. Retriable outcome but exhausted, or non-retriable outcome -> dead_letter
//     (or ack-and-drop if DLQ unsupported)
func (p Policy) Decide(outcome tasks.Outcome, envelope *tasks.Envelope) Disposition {
	if outcome.Kind == tasks.OutcomeSuccess {
		return Disposition{Kind: DispositionAck}
	}

	retriable := outcome.Retriable()
	attemptsRemain := envelope.Attempt < envelope.MaxAttempts

	if retriable && attemptsRemain {
		return Disposition{Kind: DispositionRetry, Delay: p.delay(envelope)}
	}

	// Exhausted or non-retriable: dead-letter if supported, else ack-and-drop.
	if p.DeadLetterSupported {
		return Disposition{Kind: DispositionDeadLetter}
	}
	return Disposition{Kind: DispositionAck}
}

// delay computes the next retry delay per the envelope's configured strategy.
func (p Policy) delay(e *tasks.Envelope) time.Duration {
	max := p.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}

	base := e.RetryDelayBase
	if base <= 0 {
		base = p.DefaultBaseDelay
	}
	if base <= 0 {
		base = time.Minute
	}

	strategy := e.RetryStrategy
	if strategy == "" {
		strategy = p.DefaultStrategy
	}

	var d time.Duration
	switch strategy {
	case tasks.RetryFixed:
		d = base
	case tasks.RetryExponential, "":
		// attempt is 1-based; the delay before the Nth retry scales by
		// 2^(attempt-1), i.e. the first retry (attempt==1) uses the base
		// delay unshifted.
		shift := e.Attempt - 1
		if shift < 0 {
			shift = 0
		}
		// Doubling stops once the cap is reached, guarding against
		// overflow before capping.
		d = base
		for i := 0; i < shift && d < max; i++ {
			d *= 2
		}
	default:
		d = base
	}

	if d > max {
		d = max
	}
	if d < 0 {
		d = max
	}
	return d
}
