// Package dispatcher implements the Dispatcher (component C7): executes one
// envelope with a timeout, captures its outcome, and emits the task
// lifecycle events (spec §4.5).
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/adamrefaey/asynctasq/events"
	"github.com/adamrefaey/asynctasq/pool"
	"github.com/adamrefaey/asynctasq/serializer"
	"github.com/adamrefaey/asynctasq/tasks"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/adamrefaey/asynctasq/dispatcher")

// LeaseState is queried by the Dispatcher immediately before acking a
// successful outcome, letting the Lease Renewer (component C10) veto the
// ack when extend() has already failed once (spec §4.8's no-double-ack
// rule, spec §8 property 3).
type LeaseState interface {
	Lost(taskID string) bool
}

// Dispatcher runs exactly one envelope at a time per call to Run. It never
// lets a handler panic cross its boundary, and downgrades a handler result
// to Timeout if cancellation was already requested when the handler
// returned (spec §4.5's "Handlers are never allowed to swallow cancellation
// silently").
type Dispatcher struct {
	registryLookup func(name string) (tasks.Entry, error)
	serializer     serializer.Serializer
	emitter        *events.Emitter
	leaseState     LeaseState
	workerID       string
}

// New builds a Dispatcher. lookup resolves a task name to its handler and
// policy (normally *tasks.Registry.Lookup); leaseState may be nil, in which
// case lease loss is never observed (suitable for brokers that don't
// support extend at all).
func New(lookup func(name string) (tasks.Entry, error), ser serializer.Serializer, emitter *events.Emitter, leaseState LeaseState, workerID string) *Dispatcher {
	return &Dispatcher{registryLookup: lookup, serializer: ser, emitter: emitter, leaseState: leaseState, workerID: workerID}
}

// Result is everything the Worker Core needs after a Run call to drive the
// Retry Policy Engine and the broker's terminal operation.
type Result struct {
	Outcome  tasks.Outcome
	Duration time.Duration
}

// cpuHandler offloads execution to the Process-Pool Executor (component
// C8) for handlers registered CPU-bound; when nil, every handler runs
// in-process regardless of its policy. *pool.Pool satisfies this directly.
type cpuHandler interface {
	Submit(ctx context.Context, taskName string, payload []byte) ([]byte, error)
}

// Run executes one envelope to completion (or timeout/cancellation) and
// returns its outcome. ctx should already carry the Worker's shutdown
// cancellation; Run layers its own per-task deadline on top per spec §4.5
// step 2.
func (d *Dispatcher) Run(ctx context.Context, env *tasks.Envelope, pool cpuHandler) Result {
	start := time.Now()
	d.emit(events.TypeTaskStarted, env, events.Event{})

	entry, err := d.registryLookup(env.TaskName)
	if err != nil {
		outcome := tasks.Failure(tasks.ErrorKindUnknownTask, err.Error(), "")
		d.emitTerminal(env, outcome, time.Since(start))
		return Result{Outcome: outcome, Duration: time.Since(start)}
	}

	call, err := d.serializer.Decode(env.Payload)
	if err != nil {
		outcome := tasks.Failure(tasks.ErrorKindSerialization, err.Error(), "")
		d.emitTerminal(env, outcome, time.Since(start))
		return Result{Outcome: outcome, Duration: time.Since(start)}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if d2, ok := env.EffectiveDeadline(time.Now().UTC()); ok {
		runCtx, cancel = context.WithTimeout(ctx, d2)
		defer cancel()
	}

	spanCtx, span := tracer.Start(runCtx, "asynctasq.task",
		trace.WithAttributes(
			attribute.String("task.name", env.TaskName),
			attribute.String("task.queue", env.Queue),
			attribute.Int("task.attempt", env.Attempt),
		))
	defer span.End()

	outcome := d.execute(spanCtx, entry, call, env, pool)
	duration := time.Since(start)

	// A handler that still produced a value after cancellation was
	// requested must be downgraded to Timeout, or to Cancelled if the
	// cancellation was shutdown-induced (spec §4.5, §4.10).
	if spanCtx.Err() != nil && outcome.Kind == tasks.OutcomeSuccess {
		outcome = cancelOutcome(spanCtx)
	}

	// Lease-lost veto: if extend() already failed for this envelope, a
	// Success must never reach ack (spec §4.8, §8 property 3).
	if outcome.Kind == tasks.OutcomeSuccess && d.leaseState != nil && d.leaseState.Lost(env.ID) {
		outcome = tasks.Failure(tasks.ErrorKindLeaseLost, "lease lost during execution", "")
	}

	d.emitTerminal(env, outcome, duration)
	return Result{Outcome: outcome, Duration: duration}
}

// execute runs the handler, routing to pool when entry.Policy.CPUBound and
// a Process-Pool Executor is configured (spec §4.6); otherwise it runs
// in-process on a goroutine so timeout and cancellation apply uniformly.
// Panics from in-process handlers never cross this boundary.
func (d *Dispatcher) execute(ctx context.Context, entry tasks.Entry, call serializer.Call, env *tasks.Envelope, pool cpuHandler) (outcome tasks.Outcome) {
	if entry.Policy.CPUBound && pool != nil {
		return d.executeInPool(ctx, entry, env, pool)
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = tasks.Failure(tasks.ErrorKindUser, fmt.Sprintf("panic: %v", r), string(debug.Stack()))
		}
	}()

	resultCh := make(chan tasks.Outcome, 1)
	go func() {
		result, err := entry.Handler(ctx, call.Args, call.Kwargs)
		if err != nil {
			resultCh <- classifyError(err)
			return
		}
		encoded, encErr := d.serializer.Encode([]interface{}{result}, nil)
		if encErr != nil {
			resultCh <- tasks.Failure(tasks.ErrorKindSerialization, encErr.Error(), "")
			return
		}
		resultCh <- tasks.Success(encoded)
	}()

	select {
	case o := <-resultCh:
		return o
	case <-ctx.Done():
		return cancelOutcome(ctx)
	}
}

// executeInPool hands the envelope's still-encoded payload to a child
// process (which owns its own copy of the Task Registry and Serializer)
// and awaits its completion signal while the Lease Renewer continues
// extending the lease externally (spec §4.6 "Submission is async from the
// Worker's perspective").
func (d *Dispatcher) executeInPool(ctx context.Context, entry tasks.Entry, env *tasks.Envelope, p cpuHandler) tasks.Outcome {
	resultCh := make(chan struct {
		result []byte
		err    error
	}, 1)

	go func() {
		result, err := p.Submit(ctx, env.TaskName, env.Payload)
		resultCh <- struct {
			result []byte
			err    error
		}{result, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			if errors.Is(r.err, pool.ErrProcessCrash) {
				return tasks.Failure(tasks.ErrorKindProcessCrash, r.err.Error(), "")
			}
			return classifyError(r.err)
		}
		return tasks.Success(r.result)
	case <-ctx.Done():
		return cancelOutcome(ctx)
	}
}

// cancelOutcome classifies a ctx.Done() observation as Cancelled when it
// traces back to the Worker's shutdown-forced cancellation (spec §4.10,
// §7's Cancelled taxonomy entry), or as an ordinary Timeout otherwise (a
// per-task deadline, spec §4.5). Both arrive as the same ctx.Done()
// signal, so the distinction is made via context.Cause.
func cancelOutcome(ctx context.Context) tasks.Outcome {
	if errors.Is(context.Cause(ctx), tasks.ErrCancelled) {
		return tasks.Failure(tasks.ErrorKindCancelled, "cancelled by worker shutdown", "")
	}
	return tasks.Timeout()
}

// doNotRetry marks an error as non-retriable regardless of attempts
// remaining, matching spec §7's "carries a non-retriable marker".
type doNotRetry struct{ err error }

func (d *doNotRetry) Error() string { return d.err.Error() }
func (d *doNotRetry) Unwrap() error { return d.err }

// DoNotRetry wraps err so the Dispatcher classifies it as non-retriable.
func DoNotRetry(err error) error { return &doNotRetry{err: err} }

func classifyError(err error) tasks.Outcome {
	var dnr *doNotRetry
	if e, ok := err.(*doNotRetry); ok {
		dnr = e
	}
	if dnr != nil {
		return tasks.Failure(tasks.ErrorKindDoNotRetry, dnr.Error(), "")
	}
	return tasks.Failure(tasks.ErrorKindUser, err.Error(), "")
}

func (d *Dispatcher) emit(t events.Type, env *tasks.Envelope, base events.Event) {
	base.Type = t
	base.Ts = time.Now().UTC()
	base.WorkerID = d.workerID
	base.TaskID = env.ID
	base.TaskName = env.TaskName
	base.Queue = env.Queue
	base.Attempt = env.Attempt
	d.emitter.Publish(base)
}

func (d *Dispatcher) emitTerminal(env *tasks.Envelope, outcome tasks.Outcome, duration time.Duration) {
	switch outcome.Kind {
	case tasks.OutcomeSuccess:
		d.emit(events.TypeTaskCompleted, env, events.Event{DurationMs: duration.Milliseconds()})
	default:
		kind := string(outcome.ErrorKind)
		msg := outcome.Message
		if outcome.Kind == tasks.OutcomeTimeout {
			kind = "Timeout"
			msg = "handler exceeded its deadline"
		}
		d.emit(events.TypeTaskFailed, env, events.Event{ErrorKind: kind, ErrorMessage: msg, DurationMs: duration.Milliseconds()})
	}
}

// EmitRetrying emits task_retrying after the Retry Policy Engine has
// decided to retry, per spec §4.5 step 5 ("the last after the Retry Engine
// decides"). The Worker Core calls this, not Run, since the decision is
// made one layer up.
func (d *Dispatcher) EmitRetrying(env *tasks.Envelope, nextRetryIn time.Duration) {
	d.emit(events.TypeTaskRetrying, env, events.Event{NextRetryInMs: nextRetryIn.Milliseconds()})
}

// EmitTerminalFailure emits a corrected task_failed event carrying
// Terminal: true once the Retry Policy Engine has decided the envelope is
// exhausted — dead-lettered, or ack-and-dropped because the broker has no
// DLQ (spec §4.4, scenario S3's "task_failed{terminal=true}"). Run's own
// task_failed event fires before the disposition is known, the same
// structural reason EmitRetrying exists as a separate call; the Worker
// Core calls this one only on the exhausting attempt.
func (d *Dispatcher) EmitTerminalFailure(env *tasks.Envelope, outcome tasks.Outcome, duration time.Duration) {
	kind := string(outcome.ErrorKind)
	msg := outcome.Message
	if outcome.Kind == tasks.OutcomeTimeout {
		kind = "Timeout"
		msg = "handler exceeded its deadline"
	}
	d.emit(events.TypeTaskFailed, env, events.Event{ErrorKind: kind, ErrorMessage: msg, DurationMs: duration.Milliseconds(), Terminal: true})
}
