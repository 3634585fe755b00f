package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adamrefaey/asynctasq/events"
	"github.com/adamrefaey/asynctasq/pool"
	"github.com/adamrefaey/asynctasq/serializer"
	"github.com/adamrefaey/asynctasq/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(handler tasks.Handler) func(name string) (tasks.Entry, error) {
	reg := tasks.NewRegistry()
	reg.Register("job", handler, tasks.Policy{MaxAttempts: 3})
	return reg.Lookup
}

func TestDispatcherSuccessPath(t *testing.T) {
	ser := serializer.NewMsgpackSerializer()
	sink := events.NewLocalSink(10, nil)
	emitter := events.NewEmitter(sink)
	lookup := newRegistry(func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return 5, nil
	})
	d := New(lookup, ser, emitter, nil, "worker-1")

	env := &tasks.Envelope{ID: "id1", TaskName: "job", Attempt: 1, MaxAttempts: 3}
	env.Payload, _ = ser.Encode([]interface{}{2, 3}, nil)

	result := d.Run(context.Background(), env, nil)
	assert.Equal(t, tasks.OutcomeSuccess, result.Outcome.Kind)

	evs := sink.ForTask("id1")
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeTaskStarted, evs[0].Type)
	assert.Equal(t, events.TypeTaskCompleted, evs[1].Type)
}

func TestDispatcherUnknownTask(t *testing.T) {
	ser := serializer.NewMsgpackSerializer()
	sink := events.NewLocalSink(10, nil)
	emitter := events.NewEmitter(sink)
	reg := tasks.NewRegistry()
	d := New(reg.Lookup, ser, emitter, nil, "worker-1")

	env := &tasks.Envelope{ID: "id2", TaskName: "missing", Attempt: 1, MaxAttempts: 1}
	result := d.Run(context.Background(), env, nil)

	assert.Equal(t, tasks.OutcomeFailure, result.Outcome.Kind)
	assert.Equal(t, tasks.ErrorKindUnknownTask, result.Outcome.ErrorKind)
}

func TestDispatcherTimeout(t *testing.T) {
	ser := serializer.NewMsgpackSerializer()
	sink := events.NewLocalSink(10, nil)
	emitter := events.NewEmitter(sink)
	lookup := newRegistry(func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	d := New(lookup, ser, emitter, nil, "worker-1")

	env := &tasks.Envelope{ID: "id3", TaskName: "job", Attempt: 1, MaxAttempts: 3, Timeout: 10 * time.Millisecond}
	env.Payload, _ = ser.Encode(nil, nil)

	result := d.Run(context.Background(), env, nil)
	assert.Equal(t, tasks.OutcomeTimeout, result.Outcome.Kind)

	evs := sink.ForTask("id3")
	require.Len(t, evs, 2)
	assert.Equal(t, "Timeout", evs[1].ErrorKind)
}

func TestDispatcherPanicRecovered(t *testing.T) {
	ser := serializer.NewMsgpackSerializer()
	emitter := events.NewEmitter()
	lookup := newRegistry(func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		panic("boom")
	})
	d := New(lookup, ser, emitter, nil, "worker-1")

	env := &tasks.Envelope{ID: "id4", TaskName: "job", Attempt: 1, MaxAttempts: 3}
	env.Payload, _ = ser.Encode(nil, nil)

	result := d.Run(context.Background(), env, nil)
	assert.Equal(t, tasks.OutcomeFailure, result.Outcome.Kind)
	assert.Contains(t, result.Outcome.Message, "boom")
}

func TestDispatcherDoNotRetryClassification(t *testing.T) {
	ser := serializer.NewMsgpackSerializer()
	emitter := events.NewEmitter()
	lookup := newRegistry(func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return nil, DoNotRetry(errors.New("invalid input"))
	})
	d := New(lookup, ser, emitter, nil, "worker-1")

	env := &tasks.Envelope{ID: "id5", TaskName: "job", Attempt: 1, MaxAttempts: 3}
	env.Payload, _ = ser.Encode(nil, nil)

	result := d.Run(context.Background(), env, nil)
	assert.Equal(t, tasks.ErrorKindDoNotRetry, result.Outcome.ErrorKind)
	assert.False(t, result.Outcome.Retriable())
}

type fakePool struct {
	result []byte
	err    error
}

func (f *fakePool) Submit(ctx context.Context, taskName string, payload []byte) ([]byte, error) {
	return f.result, f.err
}

func TestDispatcherRoutesCPUBoundTaskThroughPool(t *testing.T) {
	ser := serializer.NewMsgpackSerializer()
	emitter := events.NewEmitter()
	reg := tasks.NewRegistry()
	reg.Register("crunch", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		t.Fatal("in-process handler must not run for a CPU-bound task")
		return nil, nil
	}, tasks.Policy{MaxAttempts: 3, CPUBound: true})
	d := New(reg.Lookup, ser, emitter, nil, "worker-1")

	env := &tasks.Envelope{ID: "id7", TaskName: "crunch", Attempt: 1, MaxAttempts: 3}
	env.Payload, _ = ser.Encode(nil, nil)

	p := &fakePool{result: []byte("poolresult")}
	result := d.Run(context.Background(), env, p)
	assert.Equal(t, tasks.OutcomeSuccess, result.Outcome.Kind)
	assert.Equal(t, []byte("poolresult"), result.Outcome.Result)
}

func TestDispatcherClassifiesPoolCrash(t *testing.T) {
	ser := serializer.NewMsgpackSerializer()
	emitter := events.NewEmitter()
	reg := tasks.NewRegistry()
	reg.Register("crunch", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return nil, nil
	}, tasks.Policy{MaxAttempts: 3, CPUBound: true})
	d := New(reg.Lookup, ser, emitter, nil, "worker-1")

	env := &tasks.Envelope{ID: "id8", TaskName: "crunch", Attempt: 1, MaxAttempts: 3}
	env.Payload, _ = ser.Encode(nil, nil)

	p := &fakePool{err: pool.ErrProcessCrash}
	result := d.Run(context.Background(), env, p)
	assert.Equal(t, tasks.ErrorKindProcessCrash, result.Outcome.ErrorKind)
}

type lostLeaseState struct{}

func (lostLeaseState) Lost(taskID string) bool { return true }

func TestDispatcherDowngradesAckOnLeaseLoss(t *testing.T) {
	ser := serializer.NewMsgpackSerializer()
	emitter := events.NewEmitter()
	lookup := newRegistry(func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})
	d := New(lookup, ser, emitter, lostLeaseState{}, "worker-1")

	env := &tasks.Envelope{ID: "id6", TaskName: "job", Attempt: 1, MaxAttempts: 3}
	env.Payload, _ = ser.Encode(nil, nil)

	result := d.Run(context.Background(), env, nil)
	assert.Equal(t, tasks.OutcomeFailure, result.Outcome.Kind)
	assert.Equal(t, tasks.ErrorKindLeaseLost, result.Outcome.ErrorKind)
}
