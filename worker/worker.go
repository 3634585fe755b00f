// Package worker implements the Worker Core (component C12): wires the
// Broker Port, Task Registry, Serializer, Dispatcher, Retry Policy Engine,
// Concurrency Gate, Lease Renewer, Poller and (optionally) the
// Process-Pool Executor into one runnable process with a signal-driven
// lifecycle (spec §4.10).
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/adamrefaey/asynctasq/brokers"
	"github.com/adamrefaey/asynctasq/common"
	"github.com/adamrefaey/asynctasq/dispatcher"
	"github.com/adamrefaey/asynctasq/events"
	"github.com/adamrefaey/asynctasq/gate"
	"github.com/adamrefaey/asynctasq/internal/log"
	"github.com/adamrefaey/asynctasq/lease"
	"github.com/adamrefaey/asynctasq/poller"
	"github.com/adamrefaey/asynctasq/pool"
	"github.com/adamrefaey/asynctasq/retry"
	"github.com/adamrefaey/asynctasq/serializer"
	"github.com/adamrefaey/asynctasq/tasks"
	"github.com/google/uuid"
)

// State is one of the four WorkerState values of spec §3, monotone
// forward with no regression.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// cpuPool is the subset of *pool.Pool the Worker needs; it also satisfies
// the dispatcher's own cpuHandler at the call site.
type cpuPool interface {
	Submit(ctx context.Context, taskName string, payload []byte) ([]byte, error)
	Shutdown(grace time.Duration)
}

// Worker owns the whole runtime lifecycle described in spec §4.10.
type Worker struct {
	cfg        Config
	broker     brokers.Interface
	registry   *tasks.Registry
	serializer serializer.Serializer
	emitter    *events.Emitter

	workerID string
	gate     *gate.Gate
	dispatch *dispatcher.Dispatcher
	renewer  *lease.Renewer
	retryPol retry.Policy
	poll     *poller.Poller
	pool     cpuPool

	state   int32 // atomic State
	started int64 // atomic
	failed  int64 // atomic

	mu       sync.Mutex
	inFlight map[string]context.CancelCauseFunc

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a Worker. Config is normalized with its defaults before use;
// registry must be fully populated before Run (spec §4.3).
func New(cfg Config, broker brokers.Interface, registry *tasks.Registry, ser serializer.Serializer) *Worker {
	cfg = cfg.withDefaults()

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = generateWorkerID()
	}

	emitter := events.NewEmitter(cfg.EventSinks...)
	g := gate.New(cfg.Concurrency)
	renewer := lease.New(broker)
	renewer.SetWarn(func(err error) {
		emitter.Publish(events.Event{Type: events.TypeWorkerWarning, Ts: time.Now().UTC(), WorkerID: workerID, Message: fmt.Sprintf("lease renewal: retrying after transient broker error: %v", err)})
	})
	d := dispatcher.New(registry.Lookup, ser, emitter, renewer, workerID)
	retryPol := retry.Policy{
		MaxDelay:            cfg.RetryMaxDelay,
		DeadLetterSupported: broker.Capabilities().SupportsDeadLetter,
		DefaultStrategy:     cfg.RetryStrategy,
		DefaultBaseDelay:    cfg.RetryBaseDelay,
	}

	var p cpuPool
	if cfg.ProcessPoolSize > 0 {
		pp, err := pool.New(cfg.ProcessPoolCommand, cfg.ProcessPoolArgs, cfg.ProcessPoolSize, cfg.ProcessPoolMaxTasksPerChild)
		if err != nil {
			log.ERROR.WithError(err).Error("worker: failed to start process pool, CPU-bound tasks will run in-process")
		} else {
			p = pp
		}
	}

	w := &Worker{
		cfg:        cfg,
		broker:     broker,
		registry:   registry,
		serializer: ser,
		emitter:    emitter,
		workerID:   workerID,
		gate:       g,
		dispatch:   d,
		renewer:    renewer,
		retryPol:   retryPol,
		pool:       p,
		inFlight:   make(map[string]context.CancelCauseFunc),
		stopped:    make(chan struct{}),
	}
	w.poll = poller.New(broker, g, cfg.Queues, cfg.VisibilityTimeout, cfg.PollEmptySleep, cfg.MaxTasks)
	w.poll.SetOnTransientError(func(err error) {
		w.emitWarning("poller: retrying dequeue after transient broker error", err)
	})
	atomic.StoreInt32(&w.state, int32(StateStarting))
	return w
}

func generateWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// WorkerID returns the stable identity assigned at construction (spec
// §4.10 "Identity").
func (w *Worker) WorkerID() string { return w.workerID }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(atomic.LoadInt32(&w.state)) }

func (w *Worker) setState(s State) {
	atomic.StoreInt32(&w.state, int32(s))
}

// Run brings the Worker through starting -> running -> draining -> stopped,
// blocking until the process has fully drained. It installs its own
// SIGTERM/SIGINT handling: the first signal begins a graceful drain, a
// second forces immediate cancellation of in-flight work (spec §4.10).
func (w *Worker) Run(ctx context.Context) error {
	if err := w.broker.Connect(ctx); err != nil {
		return fmt.Errorf("worker: broker connect failed: %w", err)
	}
	w.setState(StateRunning)
	w.emitter.Publish(events.Event{Type: events.TypeWorkerOnline, Ts: time.Now().UTC(), WorkerID: w.workerID})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	drainCh := make(chan struct{})
	doneCh := make(chan struct{})
	defer close(doneCh)
	var drainOnce sync.Once
	beginDrain := func() {
		drainOnce.Do(func() {
			w.setState(StateDraining)
			w.renewer.StopAll()
			cancelRun()
			close(drainCh)
		})
	}

	go func() {
		for {
			select {
			case <-sigCh:
				if w.State() == StateDraining {
					log.WARNING.Warn("worker: second signal received, forcing shutdown")
					w.forceCancelInFlight()
					continue
				}
				log.INFO.Info("worker: signal received, draining")
				beginDrain()
			case <-doneCh:
				return
			}
		}
	}()

	go w.heartbeatLoop(ctx, drainCh)

	var wg sync.WaitGroup
	w.poll.Run(runCtx, func(env *tasks.Envelope) {
		wg.Add(1)
		atomic.AddInt64(&w.started, 1)
		go func() {
			defer wg.Done()
			w.handle(ctx, env)
		}()
	}, beginDrain)

	// The poller returned either because max_tasks was reached (it already
	// called beginDrain) or because runCtx was cancelled: by a signal
	// (beginDrain already called) or by the parent ctx (beginDrain not yet
	// called). drainOnce makes this call safe in every case.
	beginDrain()

	graceCtx, graceCancel := context.WithTimeout(context.Background(), w.cfg.ShutdownGrace)
	defer graceCancel()
	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-graceCtx.Done():
		log.WARNING.Warn("worker: shutdown grace period elapsed, forcing cancellation of in-flight tasks")
		w.forceCancelInFlight()
		<-waitDone
	}

	if w.pool != nil {
		w.pool.Shutdown(w.cfg.ShutdownGrace)
	}

	if err := w.broker.Disconnect(context.Background()); err != nil {
		log.ERROR.WithError(err).Error("worker: broker disconnect failed")
	}

	w.setState(StateStopped)
	w.emitter.Publish(events.Event{Type: events.TypeWorkerOffline, Ts: time.Now().UTC(), WorkerID: w.workerID})
	w.stopOnce.Do(func() { close(w.stopped) })
	return nil
}

// Stopped returns a channel closed once the Worker reaches StateStopped.
func (w *Worker) Stopped() <-chan struct{} { return w.stopped }

// handle runs one envelope end to end: dispatch, decide disposition, issue
// the terminal broker operation, and release its Gate permit and InFlight
// slot regardless of outcome (spec §4.7).
func (w *Worker) handle(ctx context.Context, env *tasks.Envelope) {
	taskCtx, cancel := context.WithCancelCause(ctx)
	w.mu.Lock()
	w.inFlight[env.ID] = cancel
	w.mu.Unlock()

	w.renewer.Start(taskCtx, env, w.cfg.VisibilityTimeout)

	defer func() {
		w.renewer.Stop(env.ID)
		w.mu.Lock()
		delete(w.inFlight, env.ID)
		w.mu.Unlock()
		cancel(nil)
		w.gate.Release()
	}()

	result := w.dispatch.Run(taskCtx, env, w.pool)
	if result.Outcome.Kind != tasks.OutcomeSuccess {
		atomic.AddInt64(&w.failed, 1)
	}

	if result.Outcome.Kind == tasks.OutcomeFailure && result.Outcome.ErrorKind == tasks.ErrorKindCancelled {
		// Shutdown-forced cancellation bypasses the Retry Policy Engine
		// entirely: spec §4.10 requires a zero-delay nack (or leaving the
		// lease to expire) rather than a backoff-computed retry delay.
		err := common.RetryTransient(context.Background(), func(retryErr error) {
			w.emitWarning("worker: retrying cancellation nack after transient broker error", retryErr)
		}, func() error {
			return w.broker.Nack(context.Background(), env.Receipt, 0)
		})
		if err != nil && !errors.Is(err, brokers.ErrUnsupported) {
			log.ERROR.WithField("task_id", env.ID).WithError(err).Error("worker: nack of cancelled task failed")
		}
		return
	}

	disposition := w.retryPol.Decide(result.Outcome, env)
	switch disposition.Kind {
	case retry.DispositionAck:
		if result.Outcome.Kind != tasks.OutcomeSuccess {
			w.dispatch.EmitTerminalFailure(env, result.Outcome, result.Duration)
		}
		err := common.RetryTransient(context.Background(), func(retryErr error) {
			w.emitWarning("worker: retrying ack after transient broker error", retryErr)
		}, func() error {
			return w.broker.Ack(context.Background(), env.Receipt)
		})
		if err != nil {
			log.ERROR.WithField("task_id", env.ID).WithError(err).Error("worker: ack failed")
		}
	case retry.DispositionRetry:
		w.dispatch.EmitRetrying(env, disposition.Delay)
		env.Attempt++
		err := common.RetryTransient(context.Background(), func(retryErr error) {
			w.emitWarning("worker: retrying nack after transient broker error", retryErr)
		}, func() error {
			return w.broker.Nack(context.Background(), env.Receipt, disposition.Delay)
		})
		if err != nil {
			log.ERROR.WithField("task_id", env.ID).WithError(err).Error("worker: nack failed")
		}
	case retry.DispositionDeadLetter:
		w.dispatch.EmitTerminalFailure(env, result.Outcome, result.Duration)
		failure := brokers.Failure{ErrorKind: string(result.Outcome.ErrorKind), Message: result.Outcome.Message}
		err := common.RetryTransient(context.Background(), func(retryErr error) {
			w.emitWarning("worker: retrying move to dead letter after transient broker error", retryErr)
		}, func() error {
			return w.broker.MoveToDeadLetter(context.Background(), env.Receipt, failure)
		})
		if err != nil {
			log.ERROR.WithField("task_id", env.ID).WithError(err).Error("worker: move to dead letter failed")
		}
	}
}

// emitWarning publishes a Worker warning event (spec §7: transient broker
// errors are "surfaced as a Worker warning event").
func (w *Worker) emitWarning(msg string, err error) {
	w.emitter.Publish(events.Event{
		Type:     events.TypeWorkerWarning,
		Ts:       time.Now().UTC(),
		WorkerID: w.workerID,
		Message:  fmt.Sprintf("%s: %v", msg, err),
	})
}

// forceCancelInFlight cancels every in-flight task's scope, classifying
// them as Failure(Cancelled) at the Dispatcher level via ctx cancellation,
// and nacks with zero delay where the broker supports it (spec §4.10's
// "second signal during draining" rule).
func (w *Worker) forceCancelInFlight() {
	w.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(w.inFlight))
	for _, c := range w.inFlight {
		cancels = append(cancels, c)
	}
	w.mu.Unlock()
	for _, c := range cancels {
		c(tasks.ErrCancelled)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, drainCh <-chan struct{}) {
	w.emitHeartbeat()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.emitHeartbeat()
		case <-drainCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) emitHeartbeat() {
	w.mu.Lock()
	inFlight := len(w.inFlight)
	w.mu.Unlock()
	w.emitter.Publish(events.Event{
		Type:         events.TypeWorkerHeartbeat,
		Ts:           time.Now().UTC(),
		WorkerID:     w.workerID,
		InFlight:     inFlight,
		StartedTotal: atomic.LoadInt64(&w.started),
		FailedTotal:  atomic.LoadInt64(&w.failed),
	})
}

// StartedTotal and FailedTotal expose the Worker's lifetime counters,
// useful for health endpoints and tests.
func (w *Worker) StartedTotal() int64 { return atomic.LoadInt64(&w.started) }
func (w *Worker) FailedTotal() int64  { return atomic.LoadInt64(&w.failed) }
