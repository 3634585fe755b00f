package tasks

import "errors"

// ErrorKind classifies a Failure outcome for the Retry Policy Engine and for
// event payloads (spec §7 taxonomy).
type ErrorKind string

const (
	ErrorKindUser          ErrorKind = "User"
	ErrorKindSerialization ErrorKind = "Serialization"
	ErrorKindUnknownTask   ErrorKind = "UnknownTask"
	ErrorKindDoNotRetry    ErrorKind = "DoNotRetry"
	ErrorKindLeaseLost     ErrorKind = "LeaseLost"
	ErrorKindProcessCrash  ErrorKind = "ProcessCrash"
	ErrorKindCancelled     ErrorKind = "Cancelled"
)

// ErrCancelled is the context cancellation cause the Worker Core attaches
// when it force-cancels in-flight envelopes on a second shutdown signal
// (spec §4.10). The Dispatcher distinguishes this from an ordinary per-task
// timeout by checking context.Cause against this sentinel, since both are
// observed as the same ctx.Done() signal.
var ErrCancelled = errors.New("asynctasq: task cancelled by worker shutdown")

// OutcomeKind tags which variant of the Outcome sum type is populated.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeTimeout
	OutcomeRejected
)

// Outcome is the tagged sum {Success, Failure, Timeout, Rejected} produced
// by the Dispatcher for exactly one envelope (spec §3 TaskOutcome).
type Outcome struct {
	Kind OutcomeKind

	// Success
	Result []byte

	// Failure
	ErrorKind  ErrorKind
	Message    string
	Traceback  string

	// Rejected
	RejectReason string
}

func Success(result []byte) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result}
}

func Failure(kind ErrorKind, message, traceback string) Outcome {
	return Outcome{Kind: OutcomeFailure, ErrorKind: kind, Message: message, Traceback: traceback}
}

func Timeout() Outcome {
	return Outcome{Kind: OutcomeTimeout}
}

func Rejected(reason string) Outcome {
	return Outcome{Kind: OutcomeRejected, RejectReason: reason}
}

// Retriable reports whether this outcome, viewed in isolation (ignoring
// attempt counters), is eligible for retry at all. Non-retriable error
// classes go straight to dead-letter regardless of attempts remaining
// (spec §4.4).
func (o Outcome) Retriable() bool {
	switch o.Kind {
	case OutcomeSuccess, OutcomeRejected:
		return false
	case OutcomeTimeout:
		return true
	case OutcomeFailure:
		switch o.ErrorKind {
		case ErrorKindSerialization, ErrorKindUnknownTask, ErrorKindDoNotRetry:
			return false
		default:
			return true
		}
	default:
		return false
	}
}
