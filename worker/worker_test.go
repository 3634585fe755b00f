package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adamrefaey/asynctasq/brokers"
	"github.com/adamrefaey/asynctasq/events"
	"github.com/adamrefaey/asynctasq/serializer"
	"github.com/adamrefaey/asynctasq/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRunsTaskToCompletionAndStops(t *testing.T) {
	b := brokers.NewMemory()
	ser := serializer.NewMsgpackSerializer()
	reg := tasks.NewRegistry()

	var ran int32
	reg.Register("job", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		atomic.AddInt32(&ran, 1)
		return "ok", nil
	}, tasks.Policy{MaxAttempts: 3})

	env := &tasks.Envelope{TaskName: "job", Queue: "default", MaxAttempts: 3}
	env.Payload, _ = ser.Encode(nil, nil)
	b.Enqueue(env)

	sink := events.NewLocalSink(50, nil)
	w := New(Config{Concurrency: 2, MaxTasks: 1, EventSinks: []events.Sink{sink}}, b, reg, ser)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := w.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, int64(0), w.FailedTotal())

	types := make([]events.Type, 0)
	for _, e := range sink.Events() {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.TypeWorkerOnline)
	assert.Contains(t, types, events.TypeWorkerOffline)
	assert.Contains(t, types, events.TypeTaskCompleted)
}

func TestWorkerNacksFailingTaskForRetry(t *testing.T) {
	b := brokers.NewMemory()
	ser := serializer.NewMsgpackSerializer()
	reg := tasks.NewRegistry()

	reg.Register("flaky", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	}, tasks.Policy{MaxAttempts: 2})

	env := &tasks.Envelope{TaskName: "flaky", Queue: "default", MaxAttempts: 2}
	env.Payload, _ = ser.Encode(nil, nil)
	b.Enqueue(env)

	// A near-zero retry base delay makes the nacked copy ready again at once.
	w := New(Config{Concurrency: 1, MaxTasks: 1, PollEmptySleep: 5 * time.Millisecond, RetryBaseDelay: time.Nanosecond}, b, reg, ser)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	assert.Equal(t, int64(1), w.FailedTotal())
	// First attempt failed and was nacked for retry; the retried copy is
	// still sitting in the ready queue (MaxTasks=1 stopped the Worker
	// before a second poll could pick it up).
	assert.Equal(t, 1, b.QueueDepth("default"))
}

func TestWorkerGracefulShutdownOnContextCancel(t *testing.T) {
	b := brokers.NewMemory()
	ser := serializer.NewMsgpackSerializer()
	reg := tasks.NewRegistry()

	started := make(chan struct{})
	reg.Register("slow", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		close(started)
		select {
		case <-time.After(50 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, tasks.Policy{MaxAttempts: 1})

	env := &tasks.Envelope{TaskName: "slow", Queue: "default", MaxAttempts: 1}
	env.Payload, _ = ser.Encode(nil, nil)
	b.Enqueue(env)

	w := New(Config{Concurrency: 1, ShutdownGrace: time.Second, PollEmptySleep: 5 * time.Millisecond}, b, reg, ser)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not shut down")
	}
	assert.Equal(t, StateStopped, w.State())
}
