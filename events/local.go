package events

import "sync"

// LocalSink is the in-process callback sink named `local` in spec §6's
// `events.sinks` config key. It also buffers the last N events in memory,
// useful for tests asserting on event ordering (spec §8 property 7) without
// wiring up a pub/sub backend.
type LocalSink struct {
	mu       sync.Mutex
	callback func(Event)
	buffer   []Event
	capacity int
}

// NewLocalSink returns a LocalSink that invokes callback (if non-nil) for
// every event and retains up to capacity events for later inspection.
func NewLocalSink(capacity int, callback func(Event)) *LocalSink {
	return &LocalSink{callback: callback, capacity: capacity}
}

func (s *LocalSink) Publish(e Event) {
	if s.callback != nil {
		s.callback(e)
	}
	if s.capacity <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, e)
	if len(s.buffer) > s.capacity {
		s.buffer = s.buffer[len(s.buffer)-s.capacity:]
	}
}

// Events returns a copy of the buffered events, oldest first.
func (s *LocalSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// ForTask returns the buffered events for a single taskID, in emission order.
func (s *LocalSink) ForTask(taskID string) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}
