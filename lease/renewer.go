// Package lease implements the Lease Renewer (component C10): for every
// in-flight envelope whose broker supports extend, periodically pushes the
// visibility deadline forward so long-running handlers survive past a
// single lease window (spec §4.8).
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/adamrefaey/asynctasq/brokers"
	"github.com/adamrefaey/asynctasq/common"
	"github.com/adamrefaey/asynctasq/internal/log"
	"github.com/adamrefaey/asynctasq/tasks"
)

// Broker is the subset of brokers.Interface the Renewer needs.
type Broker interface {
	Extend(ctx context.Context, receipt tasks.Receipt, additional time.Duration) error
	Capabilities() brokers.Capabilities
}

// Renewer tracks in-flight envelopes and extends their lease on a timer.
// It also implements dispatcher.LeaseState so the Dispatcher can veto an
// ack once extend() has failed for a given task (spec §4.8's no-double-ack
// rule).
type Renewer struct {
	broker Broker
	warn   func(err error)

	mu      sync.Mutex
	entries map[string]*entry
}

// SetWarn registers fn to be called on every transient-broker retry of
// Extend (spec §7: "surfaced as a Worker warning event"). Must be called
// before Start.
func (r *Renewer) SetWarn(fn func(err error)) {
	r.warn = fn
}

type entry struct {
	cancel context.CancelFunc
	lost   bool
}

// New builds a Renewer over broker. If the broker does not support extend,
// Start/Stop are no-ops and Lost always reports false (spec §9 open
// question (b): such backends require a conservative visibility_timeout).
func New(broker Broker) *Renewer {
	return &Renewer{broker: broker, entries: make(map[string]*entry)}
}

// Start begins periodic renewal for env, firing at visibility_timeout/3
// intervals (spec §4.8) until Stop(taskID) is called or ctx is done.
// visibilityTimeout is the full lease duration the envelope was dequeued
// with; additional renewals extend by the same amount each time.
func (r *Renewer) Start(ctx context.Context, env *tasks.Envelope, visibilityTimeout time.Duration) {
	if !r.broker.Capabilities().SupportsExtend || visibilityTimeout <= 0 {
		return
	}

	renewCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.entries[env.ID] = &entry{cancel: cancel}
	r.mu.Unlock()

	interval := visibilityTimeout / 3
	if interval <= 0 {
		interval = visibilityTimeout
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				err := common.RetryTransient(renewCtx, r.warn, func() error {
					return r.broker.Extend(renewCtx, env.Receipt, visibilityTimeout)
				})
				if err != nil {
					log.WARNING.WithField("task_id", env.ID).WithError(err).Warn("lease renewal failed")
					r.mu.Lock()
					if e, ok := r.entries[env.ID]; ok {
						e.lost = true
					}
					r.mu.Unlock()
					return
				}
			}
		}
	}()
}

// Stop halts renewal for taskID. Called on terminal disposition or when
// Worker state reaches draining (spec §4.8).
func (r *Renewer) Stop(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[taskID]; ok {
		e.cancel()
		delete(r.entries, taskID)
	}
}

// Lost implements dispatcher.LeaseState: true once extend() has failed for
// taskID and the entry hasn't been Stop()'d yet.
func (r *Renewer) Lost(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	return ok && e.lost
}

// StopAll cancels every active renewal, used during forced shutdown.
func (r *Renewer) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.cancel()
		delete(r.entries, id)
	}
}
