package brokers

import (
	"context"
	"testing"
	"time"

	"github.com/adamrefaey/asynctasq/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDequeuePriorityOrder(t *testing.T) {
	m := NewMemory()
	m.Enqueue(&tasks.Envelope{Queue: "low", TaskName: "t", MaxAttempts: 1})
	m.Enqueue(&tasks.Envelope{Queue: "high", TaskName: "t", MaxAttempts: 1})

	envs, err := m.Dequeue(context.Background(), []string{"high", "low"}, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "high", envs[0].Queue)
	assert.Equal(t, "low", envs[1].Queue)
}

func TestMemoryDequeueRespectsMax(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 5; i++ {
		m.Enqueue(&tasks.Envelope{Queue: "q", TaskName: "t", MaxAttempts: 1})
	}
	envs, err := m.Dequeue(context.Background(), []string{"q"}, 2, time.Minute)
	require.NoError(t, err)
	assert.Len(t, envs, 2)
	assert.Equal(t, 3, m.QueueDepth("q"))
}

func TestMemoryAckRemovesLease(t *testing.T) {
	m := NewMemory()
	m.Enqueue(&tasks.Envelope{Queue: "q", TaskName: "t", MaxAttempts: 1})
	envs, _ := m.Dequeue(context.Background(), []string{"q"}, 1, time.Minute)
	require.Len(t, envs, 1)
	require.NoError(t, m.Ack(context.Background(), envs[0].Receipt))
	// A second ack is idempotent.
	require.NoError(t, m.Ack(context.Background(), envs[0].Receipt))
}

func TestMemoryNackRequeuesWithDelay(t *testing.T) {
	m := NewMemory()
	m.Enqueue(&tasks.Envelope{Queue: "q", TaskName: "t", MaxAttempts: 2})
	envs, _ := m.Dequeue(context.Background(), []string{"q"}, 1, time.Minute)
	require.NoError(t, m.Nack(context.Background(), envs[0].Receipt, 0))

	envs2, err := m.Dequeue(context.Background(), []string{"q"}, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, envs2, 1)
}

func TestMemoryExtendFailsAfterExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Now().UTC()
	m.clockFn = func() time.Time { return now }
	m.Enqueue(&tasks.Envelope{Queue: "q", TaskName: "t", MaxAttempts: 1})
	envs, _ := m.Dequeue(context.Background(), []string{"q"}, 1, time.Millisecond)
	require.Len(t, envs, 1)

	now = now.Add(time.Second)
	err := m.Extend(context.Background(), envs[0].Receipt, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseExpired)
}

func TestMemoryExpiredLeaseIsRedelivered(t *testing.T) {
	m := NewMemory()
	now := time.Now().UTC()
	m.clockFn = func() time.Time { return now }
	m.Enqueue(&tasks.Envelope{Queue: "q", TaskName: "t", MaxAttempts: 1})

	envs, _ := m.Dequeue(context.Background(), []string{"q"}, 1, time.Millisecond)
	require.Len(t, envs, 1)

	now = now.Add(time.Second) // lease expires, crash simulated (no ack/nack)
	envs2, err := m.Dequeue(context.Background(), []string{"q"}, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, envs2, 1)
}

func TestMemoryMoveToDeadLetter(t *testing.T) {
	m := NewMemory()
	m.Enqueue(&tasks.Envelope{Queue: "q", TaskName: "t", MaxAttempts: 1})
	envs, _ := m.Dequeue(context.Background(), []string{"q"}, 1, time.Minute)
	require.NoError(t, m.MoveToDeadLetter(context.Background(), envs[0].Receipt, Failure{ErrorKind: "User", Message: "boom"}))
	assert.Len(t, m.DeadLettered(), 1)
}
