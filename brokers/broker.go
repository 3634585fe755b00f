// Package brokers defines the Broker Port (component C3) — the contract
// every backend adapter must satisfy — and ships concrete adapters for an
// in-process memory queue, RabbitMQ (AMQP), Redis, Postgres (SQL table) and
// AWS SQS.
package brokers

import (
	"context"
	"errors"
	"time"

	"github.com/adamrefaey/asynctasq/tasks"
)

// Capabilities describes what a broker adapter can and cannot do, per
// spec §4.1's capability flags.
type Capabilities struct {
	SupportsDeadLetter      bool
	SupportsExtend          bool
	NativeDelayScheduling   bool
}

// Failure carries the information recorded alongside a dead-lettered
// envelope (spec §4.1 move_to_dead_letter).
type Failure struct {
	ErrorKind string
	Message   string
}

// ErrLeaseExpired is returned by Extend when the lease already expired
// broker-side. It is a non-fatal signal: the Lease Renewer records the loss
// and the Dispatcher then refuses to ack a successful outcome. The running
// handler is not cancelled; it runs until it returns or hits its deadline.
var ErrLeaseExpired = errors.New("asynctasq: lease already expired")

// ErrUnsupported is returned by adapters for operations their backend
// cannot perform (e.g. move_to_dead_letter on a broker with no DLQ
// primitive and no synthesized fallback).
var ErrUnsupported = errors.New("asynctasq: operation unsupported by this broker")

// Interface is the Broker Port (spec §4.1). Every method may be called
// concurrently by the Worker's single event-loop-driven subsystems (Poller,
// Dispatcher, Lease Renewer); adapters are responsible for their own
// internal locking/connection pooling.
type Interface interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Dequeue pulls up to max envelopes honoring the priority order of
	// queues, atomically marking them invisible for leaseDuration. It may
	// return fewer than max, including zero, and must not block longer
	// than roughly one second.
	Dequeue(ctx context.Context, queues []string, max int, leaseDuration time.Duration) ([]*tasks.Envelope, error)

	// Ack marks receipt terminally complete. Idempotent.
	Ack(ctx context.Context, receipt tasks.Receipt) error

	// Nack returns the envelope behind receipt to its source queue,
	// available again after requeueDelay.
	Nack(ctx context.Context, receipt tasks.Receipt, requeueDelay time.Duration) error

	// Extend pushes the visibility deadline forward by additional. Returns
	// ErrLeaseExpired if the lease was already gone.
	Extend(ctx context.Context, receipt tasks.Receipt, additional time.Duration) error

	// MoveToDeadLetter terminally disposes receipt onto the dead-letter
	// destination. Returns ErrUnsupported if the backend has none and
	// cannot synthesize one.
	MoveToDeadLetter(ctx context.Context, receipt tasks.Receipt, failure Failure) error

	Capabilities() Capabilities
}
