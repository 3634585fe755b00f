package lease

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adamrefaey/asynctasq/brokers"
	"github.com/adamrefaey/asynctasq/tasks"
	"github.com/stretchr/testify/assert"
)

type fakeBroker struct {
	caps        brokers.Capabilities
	extendCalls int32
	failAfter   int32
}

func (f *fakeBroker) Extend(ctx context.Context, receipt tasks.Receipt, additional time.Duration) error {
	n := atomic.AddInt32(&f.extendCalls, 1)
	if f.failAfter > 0 && n >= f.failAfter {
		return brokers.ErrLeaseExpired
	}
	return nil
}

func (f *fakeBroker) Capabilities() brokers.Capabilities { return f.caps }

func TestRenewerExtendsOnSchedule(t *testing.T) {
	fb := &fakeBroker{caps: brokers.Capabilities{SupportsExtend: true}}
	r := New(fb)
	env := &tasks.Envelope{ID: "t1"}

	r.Start(context.Background(), env, 30*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	r.Stop("t1")

	assert.GreaterOrEqual(t, atomic.LoadInt32(&fb.extendCalls), int32(1))
	assert.False(t, r.Lost("t1"))
}

func TestRenewerMarksLostOnExtendFailure(t *testing.T) {
	fb := &fakeBroker{caps: brokers.Capabilities{SupportsExtend: true}, failAfter: 1}
	r := New(fb)
	env := &tasks.Envelope{ID: "t2"}

	r.Start(context.Background(), env, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.True(t, r.Lost("t2"))
}

func TestRenewerNoopWhenExtendUnsupported(t *testing.T) {
	fb := &fakeBroker{caps: brokers.Capabilities{SupportsExtend: false}}
	r := New(fb)
	env := &tasks.Envelope{ID: "t3"}

	r.Start(context.Background(), env, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, r.Lost("t3"))
	assert.Equal(t, int32(0), fb.extendCalls)
}
