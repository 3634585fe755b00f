// Package gate implements the Concurrency Gate (component C9): a bounded
// semaphore of permits equal to `concurrency`, the single source of
// backpressure in the worker runtime (spec §4.7, §5). It wraps
// golang.org/x/sync/semaphore.Weighted, the same package the teacher's AMQP
// broker used to bound its own consume loop.
package gate

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate bounds in-flight work to `concurrency` permits and exposes
// wait-until-empty for drain.
type Gate struct {
	sem         *semaphore.Weighted
	concurrency int64
}

// New builds a Gate with the given concurrency budget. concurrency must be
// positive; the Worker Core is responsible for validating configuration
// before constructing one.
func New(concurrency int) *Gate {
	return &Gate{sem: semaphore.NewWeighted(int64(concurrency)), concurrency: int64(concurrency)}
}

// Acquire blocks until a permit is available or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// TryAcquire acquires a permit without blocking, reporting success.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Release returns a permit to the pool. Must be called exactly once per
// successful Acquire/TryAcquire, from the Dispatcher's finalizer regardless
// of outcome (spec §4.7).
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Concurrency returns the configured permit budget.
func (g *Gate) Concurrency() int {
	return int(g.concurrency)
}

// WaitUntilEmpty blocks until every permit is free again (i.e. in-flight
// work has drained to zero), or ctx is done. It works by acquiring every
// permit and immediately releasing them, which only succeeds once no
// in-flight holder remains.
func (g *Gate) WaitUntilEmpty(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, g.concurrency); err != nil {
		return err
	}
	g.sem.Release(g.concurrency)
	return nil
}
