// Package poller implements the Poller (component C11): the single
// goroutine that pulls envelopes off the Broker Port in queue-priority
// order, admits them through the Concurrency Gate, and hands each to a
// caller-supplied admit function (the Worker Core wires this to the
// Dispatcher) (spec §4.9).
package poller

import (
	"context"
	"time"

	"github.com/adamrefaey/asynctasq/clock"
	"github.com/adamrefaey/asynctasq/common"
	"github.com/adamrefaey/asynctasq/gate"
	"github.com/adamrefaey/asynctasq/internal/log"
	"github.com/adamrefaey/asynctasq/tasks"
)

// Broker is the subset of brokers.Interface the Poller needs.
type Broker interface {
	Dequeue(ctx context.Context, queues []string, max int, leaseDuration time.Duration) ([]*tasks.Envelope, error)
}

// Admit is called once per dequeued envelope, after a Gate permit has
// already been acquired on its behalf. The callee owns releasing that
// permit (normally via the Dispatcher's finalizer) regardless of outcome.
type Admit func(env *tasks.Envelope)

// Poller drives the dequeue loop described in spec §4.9.
type Poller struct {
	broker            Broker
	gate              *gate.Gate
	queues            []string
	visibilityTimeout time.Duration
	emptySleep        time.Duration
	maxTasks          int
	sleeper           *clock.Sleeper

	// onTransientError, if set via SetOnTransientError, is invoked once per
	// transient-broker retry of Dequeue (spec §7: "surfaced as a Worker
	// warning event").
	onTransientError func(err error)

	started int
}

// SetOnTransientError registers fn to be called on every transient-broker
// retry of Dequeue. Must be called before Run.
func (p *Poller) SetOnTransientError(fn func(err error)) {
	p.onTransientError = fn
}

// New builds a Poller. maxTasks of 0 means unbounded (runs until
// shutdown). emptySleep is the cancellable pause after an empty dequeue
// (spec §4.9 step 3, default 100ms per spec §6).
func New(broker Broker, g *gate.Gate, queues []string, visibilityTimeout, emptySleep time.Duration, maxTasks int) *Poller {
	return &Poller{
		broker:            broker,
		gate:              g,
		queues:            queues,
		visibilityTimeout: visibilityTimeout,
		emptySleep:        emptySleep,
		maxTasks:          maxTasks,
		sleeper:           clock.NewSleeper(clock.Real),
	}
}

// Run loops until ctx is cancelled or the draining threshold (maxTasks) is
// reached, invoking onDrain exactly once when the latter happens so the
// Worker Core can transition its state machine (spec §4.10: "max_tasks
// reached" → draining). It returns when the loop exits for any reason.
func (p *Poller) Run(ctx context.Context, admit Admit, onDrain func()) {
	for {
		if ctx.Err() != nil {
			return
		}

		avail := p.gate.Concurrency()
		if !p.gate.TryAcquire() {
			// No permit free; block for one to open up or for shutdown.
			if err := p.gate.Acquire(ctx); err != nil {
				return
			}
		}
		// We now hold exactly one permit ourselves; reacquire the rest of
		// the currently-free budget up to avail so dequeue's max matches
		// "avail = concurrency - in_flight" (spec §4.9 step 1). Since we
		// cannot introspect in-flight count directly, we opportunistically
		// grab whatever additional permits are immediately available.
		held := 1
		for held < avail {
			if !p.gate.TryAcquire() {
				break
			}
			held++
		}

		var envs []*tasks.Envelope
		err := common.RetryTransient(ctx, p.onTransientError, func() error {
			e, derr := p.broker.Dequeue(ctx, p.queues, held, p.visibilityTimeout)
			envs = e
			return derr
		})
		if err != nil {
			log.WARNING.WithError(err).Warn("poller: dequeue failed")
			for i := 0; i < held; i++ {
				p.gate.Release()
			}
			if !p.sleeper.Sleep(ctx, p.emptySleep) {
				return
			}
			continue
		}

		if len(envs) == 0 {
			for i := 0; i < held; i++ {
				p.gate.Release()
			}
			if !p.sleeper.Sleep(ctx, p.emptySleep) {
				return
			}
			continue
		}

		for _, env := range envs {
			admit(env)
			p.started++
		}
		// Release any permits held but not consumed by a dequeued envelope.
		for i := len(envs); i < held; i++ {
			p.gate.Release()
		}

		if p.maxTasks > 0 && p.started >= p.maxTasks {
			onDrain()
			return
		}
	}
}

// Started returns the cumulative count of envelopes handed to admit.
func (p *Poller) Started() int { return p.started }
