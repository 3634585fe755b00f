package brokers

import (
	"context"
	"sync"
	"time"

	"github.com/adamrefaey/asynctasq/tasks"
)

// memoryReceipt is the opaque Receipt handed out by Memory.
type memoryReceipt struct {
	id    string
	queue string
}

// leasedEnvelope tracks an in-flight (dequeued, not yet acked) envelope so
// Memory can redeliver it if the lease expires without a terminal op,
// simulating the crash-recovery behavior real brokers provide via
// visibility timeouts (spec §3 "A crashed Worker never reaches the
// terminal op; the broker redelivers after visibility_deadline").
type leasedEnvelope struct {
	envelope *tasks.Envelope
}

// Memory is a dependency-free, in-process Broker Port implementation. It
// backs local development, examples, and Worker Core tests where
// deterministic control over delivery is more valuable than a real
// broker's network nondeterminism.
type Memory struct {
	mu      sync.Mutex
	queues  map[string][]*tasks.Envelope
	leased  map[string]*leasedEnvelope
	dlq     []*tasks.Envelope
	nextID  int
	clockFn func() time.Time
}

// NewMemory returns an empty Memory broker.
func NewMemory() *Memory {
	return &Memory{
		queues:  make(map[string][]*tasks.Envelope),
		leased:  make(map[string]*leasedEnvelope),
		clockFn: func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) now() time.Time { return m.clockFn() }

func (m *Memory) Connect(ctx context.Context) error    { return nil }
func (m *Memory) Disconnect(ctx context.Context) error { return nil }

func (m *Memory) Capabilities() Capabilities {
	return Capabilities{SupportsDeadLetter: true, SupportsExtend: true, NativeDelayScheduling: true}
}

// Enqueue places env onto its Queue field, honoring AvailableAt for delayed
// scheduling. It assigns an ID if unset.
func (m *Memory) Enqueue(env *tasks.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if env.ID == "" {
		env.ID = tasks.NewID()
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = m.now()
	}
	if env.AvailableAt.IsZero() {
		env.AvailableAt = env.EnqueuedAt
	}
	m.queues[env.Queue] = append(m.queues[env.Queue], env)
}

// reclaimExpiredLeases requeues any leased envelope whose visibility
// deadline has passed without a terminal op, onto its source queue.
func (m *Memory) reclaimExpiredLeases() {
	now := m.now()
	for id, le := range m.leased {
		if !le.envelope.VisibilityDeadline.After(now) {
			env := le.envelope
			env.AvailableAt = now
			m.queues[env.Queue] = append(m.queues[env.Queue], env)
			delete(m.leased, id)
		}
	}
}

func (m *Memory) Dequeue(ctx context.Context, queues []string, max int, leaseDuration time.Duration) ([]*tasks.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reclaimExpiredLeases()

	if max <= 0 {
		return nil, nil
	}

	now := m.now()
	var out []*tasks.Envelope

	for _, q := range queues {
		if len(out) >= max {
			break
		}
		list := m.queues[q]
		remaining := list[:0:0]
		for _, env := range list {
			if len(out) >= max || env.AvailableAt.After(now) {
				remaining = append(remaining, env)
				continue
			}
			m.nextID++
			receiptID := env.ID
			env.VisibilityDeadline = now.Add(leaseDuration)
			env.Receipt = &memoryReceipt{id: receiptID, queue: q}
			m.leased[receiptID] = &leasedEnvelope{envelope: env}
			out = append(out, env)
		}
		m.queues[q] = remaining
	}

	return out, nil
}

func (m *Memory) Ack(ctx context.Context, receipt tasks.Receipt) error {
	r, ok := receipt.(*memoryReceipt)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leased, r.id)
	return nil
}

func (m *Memory) Nack(ctx context.Context, receipt tasks.Receipt, requeueDelay time.Duration) error {
	r, ok := receipt.(*memoryReceipt)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	le, ok := m.leased[r.id]
	if !ok {
		return nil
	}
	delete(m.leased, r.id)
	le.envelope.AvailableAt = m.now().Add(requeueDelay)
	m.queues[r.queue] = append(m.queues[r.queue], le.envelope)
	return nil
}

func (m *Memory) Extend(ctx context.Context, receipt tasks.Receipt, additional time.Duration) error {
	r, ok := receipt.(*memoryReceipt)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	le, ok := m.leased[r.id]
	if !ok {
		return ErrLeaseExpired
	}
	if !le.envelope.VisibilityDeadline.After(m.now()) {
		return ErrLeaseExpired
	}
	le.envelope.VisibilityDeadline = le.envelope.VisibilityDeadline.Add(additional)
	return nil
}

func (m *Memory) MoveToDeadLetter(ctx context.Context, receipt tasks.Receipt, failure Failure) error {
	r, ok := receipt.(*memoryReceipt)
	if !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	le, ok := m.leased[r.id]
	if !ok {
		return nil
	}
	delete(m.leased, r.id)
	m.dlq = append(m.dlq, le.envelope)
	return nil
}

// DeadLettered returns a snapshot of envelopes currently on the dead-letter
// destination, for tests and local inspection.
func (m *Memory) DeadLettered() []*tasks.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*tasks.Envelope, len(m.dlq))
	copy(out, m.dlq)
	return out
}

// QueueDepth returns the number of immediately-dequeuable envelopes on q,
// ignoring delayed-availability items.
func (m *Memory) QueueDepth(q string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, env := range m.queues[q] {
		if !env.AvailableAt.After(now) {
			n++
		}
	}
	return n
}
