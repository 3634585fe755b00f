package brokers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adamrefaey/asynctasq/internal/log"
	"github.com/adamrefaey/asynctasq/tasks"
	"github.com/jackc/pgx/v5/pgxpool"
)

// sqlReceipt is the opaque Receipt for SQL-table-sourced envelopes: simply
// the row's primary key plus its source queue (needed for requeue).
type sqlReceipt struct {
	id    string
	queue string
}

// SQL is the Postgres table-backed broker adapter (spec §4.1), required by
// spec §4.1 for any backend lacking a first-class queue primitive. It uses
// `FOR UPDATE SKIP LOCKED` so that multiple worker processes can dequeue
// concurrently from the same table without blocking on each other's locks.
//
// Expected schema (see Schema() for the exact DDL this adapter assumes):
//
//	asynctasq_tasks(
//	  id text primary key, queue text, task_name text, payload bytea,
//	  attempt int, max_attempts int, enqueued_at timestamptz,
//	  available_at timestamptz, visibility_deadline timestamptz,
//	  timeout_ms bigint, retry_strategy text, retry_delay_base_ms bigint,
//	  headers jsonb, status text, dlq_kind text, dlq_message text
//	)
type SQL struct {
	pool *pgxpool.Pool
}

// NewSQL builds a SQL broker adapter over an already-configured pool.
func NewSQL(pool *pgxpool.Pool) *SQL {
	return &SQL{pool: pool}
}

// Schema returns the DDL this adapter expects, for callers to run via their
// own migration tooling (out of scope for this module per spec §1).
func (b *SQL) Schema() string {
	return `
CREATE TABLE IF NOT EXISTS asynctasq_tasks (
	id text PRIMARY KEY,
	queue text NOT NULL,
	task_name text NOT NULL,
	payload bytea NOT NULL,
	attempt int NOT NULL DEFAULT 1,
	max_attempts int NOT NULL DEFAULT 1,
	enqueued_at timestamptz NOT NULL DEFAULT now(),
	available_at timestamptz NOT NULL DEFAULT now(),
	visibility_deadline timestamptz,
	timeout_ms bigint NOT NULL DEFAULT 0,
	retry_strategy text NOT NULL DEFAULT 'exponential',
	retry_delay_base_ms bigint NOT NULL DEFAULT 60000,
	headers jsonb NOT NULL DEFAULT '{}',
	status text NOT NULL DEFAULT 'ready',
	dlq_kind text,
	dlq_message text
);
CREATE INDEX IF NOT EXISTS asynctasq_tasks_dequeue_idx ON asynctasq_tasks (queue, status, available_at);
`
}

func (b *SQL) Capabilities() Capabilities {
	return Capabilities{SupportsDeadLetter: true, SupportsExtend: true, NativeDelayScheduling: true}
}

func (b *SQL) Connect(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return &FatalBrokerError{Err: err}
	}
	log.INFO.Info("sql broker connected")
	return nil
}

func (b *SQL) Disconnect(ctx context.Context) error {
	b.pool.Close()
	return nil
}

// Enqueue inserts a new row in the ready state.
func (b *SQL) Enqueue(ctx context.Context, env *tasks.Envelope) error {
	if env.ID == "" {
		env.ID = tasks.NewID()
	}
	headers, err := json.Marshal(env.Headers)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO asynctasq_tasks
			(id, queue, task_name, payload, attempt, max_attempts, enqueued_at,
			 available_at, timeout_ms, retry_strategy, retry_delay_base_ms, headers, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'ready')`,
		env.ID, env.Queue, env.TaskName, env.Payload, env.Attempt, env.MaxAttempts,
		env.EnqueuedAt, env.AvailableAt, env.Timeout.Milliseconds(), string(env.RetryStrategy),
		env.RetryDelayBase.Milliseconds(), headers)
	return err
}

// Dequeue claims up to max ready-and-due rows per queue, in priority order,
// via SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never block
// on each other.
func (b *SQL) Dequeue(ctx context.Context, queues []string, max int, leaseDuration time.Duration) ([]*tasks.Envelope, error) {
	var out []*tasks.Envelope
	deadline := time.Now().UTC().Add(leaseDuration)

	for _, q := range queues {
		if len(out) >= max {
			break
		}
		remaining := max - len(out)

		tx, err := b.pool.Begin(ctx)
		if err != nil {
			return out, &TransientBrokerError{Err: err}
		}

		rows, err := tx.Query(ctx, `
			SELECT id, task_name, payload, attempt, max_attempts, enqueued_at,
			       available_at, timeout_ms, retry_strategy, retry_delay_base_ms, headers
			FROM asynctasq_tasks
			WHERE queue = $1 AND status = 'ready' AND available_at <= now()
			ORDER BY available_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, q, remaining)
		if err != nil {
			tx.Rollback(ctx)
			return out, &TransientBrokerError{Err: err}
		}

		var claimed []string
		for rows.Next() {
			var (
				env        tasks.Envelope
				timeoutMs  int64
				retryMs    int64
				strategy   string
				headersRaw []byte
			)
			if err := rows.Scan(&env.ID, &env.TaskName, &env.Payload, &env.Attempt, &env.MaxAttempts,
				&env.EnqueuedAt, &env.AvailableAt, &timeoutMs, &strategy, &retryMs, &headersRaw); err != nil {
				rows.Close()
				tx.Rollback(ctx)
				return out, &TransientBrokerError{Err: err}
			}
			env.Queue = q
			env.Timeout = time.Duration(timeoutMs) * time.Millisecond
			env.RetryStrategy = tasks.RetryStrategy(strategy)
			env.RetryDelayBase = time.Duration(retryMs) * time.Millisecond
			_ = json.Unmarshal(headersRaw, &env.Headers)
			env.VisibilityDeadline = deadline
			env.Receipt = &sqlReceipt{id: env.ID, queue: q}

			e := env
			out = append(out, &e)
			claimed = append(claimed, env.ID)
		}
		rows.Close()

		if len(claimed) > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE asynctasq_tasks SET status = 'leased', visibility_deadline = $1
				WHERE id = ANY($2)`, deadline, claimed); err != nil {
				tx.Rollback(ctx)
				return out, &TransientBrokerError{Err: err}
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return out, &TransientBrokerError{Err: err}
		}
	}
	return out, nil
}

func (b *SQL) Ack(ctx context.Context, receipt tasks.Receipt) error {
	r, ok := receipt.(*sqlReceipt)
	if !ok {
		return nil
	}
	_, err := b.pool.Exec(ctx, `DELETE FROM asynctasq_tasks WHERE id = $1`, r.id)
	return err
}

func (b *SQL) Nack(ctx context.Context, receipt tasks.Receipt, requeueDelay time.Duration) error {
	r, ok := receipt.(*sqlReceipt)
	if !ok {
		return nil
	}
	availableAt := time.Now().UTC().Add(requeueDelay)
	_, err := b.pool.Exec(ctx, `
		UPDATE asynctasq_tasks SET status = 'ready', attempt = attempt + 1, available_at = $2
		WHERE id = $1`, r.id, availableAt)
	return err
}

func (b *SQL) Extend(ctx context.Context, receipt tasks.Receipt, additional time.Duration) error {
	r, ok := receipt.(*sqlReceipt)
	if !ok {
		return nil
	}
	tag, err := b.pool.Exec(ctx, `
		UPDATE asynctasq_tasks SET visibility_deadline = visibility_deadline + $2
		WHERE id = $1 AND status = 'leased' AND visibility_deadline > now()`,
		r.id, additional)
	if err != nil {
		return &TransientBrokerError{Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (b *SQL) MoveToDeadLetter(ctx context.Context, receipt tasks.Receipt, failure Failure) error {
	r, ok := receipt.(*sqlReceipt)
	if !ok {
		return nil
	}
	_, err := b.pool.Exec(ctx, `
		UPDATE asynctasq_tasks SET status = 'dlq', dlq_kind = $2, dlq_message = $3
		WHERE id = $1`, r.id, failure.ErrorKind, failure.Message)
	return err
}
