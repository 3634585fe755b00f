// Package events implements the Event Emitter (component C2): lifecycle
// events published to one or more sinks, matching spec §6's event payload
// shape and §4.10's ordering guarantee.
package events

import "time"

// Type enumerates every lifecycle event the Worker emits.
type Type string

const (
	TypeWorkerOnline    Type = "worker_online"
	TypeWorkerOffline   Type = "worker_offline"
	TypeWorkerHeartbeat Type = "worker_heartbeat"
	TypeWorkerWarning   Type = "worker_warning"
	TypeTaskStarted     Type = "task_started"
	TypeTaskCompleted   Type = "task_completed"
	TypeTaskFailed      Type = "task_failed"
	TypeTaskRetrying    Type = "task_retrying"
)

// Event is the JSON-compatible payload described in spec §6.
type Event struct {
	Type     Type      `json:"type"`
	Ts       time.Time `json:"ts"`
	WorkerID string    `json:"worker_id"`

	// Task events
	TaskID   string `json:"task_id,omitempty"`
	TaskName string `json:"task_name,omitempty"`
	Queue    string `json:"queue,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`

	// task_completed
	DurationMs int64 `json:"duration_ms,omitempty"`

	// task_failed
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Terminal     bool   `json:"terminal,omitempty"`

	// task_retrying
	NextRetryInMs int64 `json:"next_retry_in_ms,omitempty"`

	// worker_heartbeat
	InFlight     int `json:"in_flight,omitempty"`
	StartedTotal int64 `json:"started_total,omitempty"`
	FailedTotal  int64 `json:"failed_total,omitempty"`

	// worker_warning / generic free text
	Message string `json:"message,omitempty"`
}

// Sink receives every published event. Implementations must not block the
// caller for long (the Dispatcher and Worker Core publish from the single
// event-loop thread); slow sinks should buffer internally.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to the Sink interface, the way the teacher's
// local callback sink is expected to be used.
type SinkFunc func(e Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Emitter fans one event out to every registered Sink, in registration
// order, on the caller's goroutine (no buffering of its own: a Worker
// running single-threaded I/O dispatch relies on emission being
// synchronous so that per-task ordering, spec §5, is preserved).
type Emitter struct {
	sinks []Sink
}

// NewEmitter builds an Emitter publishing to the given sinks.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks}
}

// Add registers an additional sink.
func (em *Emitter) Add(s Sink) {
	em.sinks = append(em.sinks, s)
}

// Publish fans e out to every sink.
func (em *Emitter) Publish(e Event) {
	for _, s := range em.sinks {
		s.Publish(e)
	}
}
