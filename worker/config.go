package worker

import (
	"time"

	"github.com/adamrefaey/asynctasq/events"
	"github.com/adamrefaey/asynctasq/tasks"
)

// Config carries every recognized configuration key of spec §6. Loading it
// from a file or flags is explicitly out of scope (spec's Non-goals);
// callers build one directly, normally with withDefaults() filling in
// anything left zero.
type Config struct {
	// Queues is the ordered, highest-priority-first queue list. Default
	// []string{"default"}.
	Queues []string

	// Concurrency is the in-flight budget (the Gate's permit count).
	// Default 10.
	Concurrency int

	// MaxTasks, if positive, transitions the Worker to draining once that
	// many envelopes have been started. 0 means unbounded.
	MaxTasks int

	// WorkerID, if empty, is generated as <hostname>-<pid>-<random>.
	WorkerID string

	// HeartbeatInterval is how often worker_heartbeat is emitted. Default
	// 60s; the first heartbeat fires immediately after worker_online.
	HeartbeatInterval time.Duration

	// VisibilityTimeout is the lease duration requested on every dequeue.
	// Default 3600s.
	VisibilityTimeout time.Duration

	// ProcessPoolSize, if positive, stands up a Process-Pool Executor of
	// that many long-lived children for CPU-bound handlers.
	ProcessPoolSize int
	// ProcessPoolMaxTasksPerChild recycles a child after this many
	// executions. 0 disables recycling.
	ProcessPoolMaxTasksPerChild int
	// ProcessPoolCommand/Args launch each child (normally this module's
	// host binary invoked in a child mode built on pool.RunChild).
	ProcessPoolCommand string
	ProcessPoolArgs    []string

	// PollEmptySleep is the cancellable pause after an empty dequeue.
	// Default 100ms.
	PollEmptySleep time.Duration

	// ShutdownGrace bounds how long draining waits for in-flight work
	// before the Worker forces cancellation. Default 30s.
	ShutdownGrace time.Duration

	// RetryStrategy/RetryBaseDelay/RetryMaxDelay are the envelope-level
	// retry defaults applied when an envelope doesn't override them.
	// Defaults: exponential, 60s, 3600s.
	RetryStrategy  tasks.RetryStrategy
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// EventSinks receive every lifecycle event published by this Worker.
	EventSinks []events.Sink
}

// withDefaults returns a copy of c with every zero-valued recognized field
// set to its spec §6 default.
func (c Config) withDefaults() Config {
	if len(c.Queues) == 0 {
		c.Queues = []string{"default"}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 3600 * time.Second
	}
	if c.PollEmptySleep <= 0 {
		c.PollEmptySleep = 100 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.RetryStrategy == "" {
		c.RetryStrategy = tasks.RetryExponential
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 60 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 3600 * time.Second
	}
	return c
}
