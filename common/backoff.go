// Package common holds small cross-cutting helpers shared by broker
// adapters and the worker core, named after the teacher's own v1/common
// package (which held the shared AMQPConnector logic).
package common

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"github.com/adamrefaey/asynctasq/brokers"
)

// RetryTransient retries op with exponential backoff, capped at 5 attempts,
// implementing spec §7's "retried at the broker call site with exponential
// backoff (max 5 attempts)" for TransientBrokerError. Only an error
// satisfying errors.As against *brokers.TransientBrokerError triggers
// another attempt; any other error (FatalBrokerError, ErrUnsupported,
// ErrLeaseExpired, ...) is returned immediately. onRetry, if non-nil, is
// called with the triggering error every time a transient failure causes
// another attempt to be scheduled, so the caller can surface a Worker
// warning event (spec §7: "surfaced as a Worker warning event").
func RetryTransient(ctx context.Context, onRetry func(err error), op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		var transient *brokers.TransientBrokerError
		if !errors.As(err, &transient) {
			return backoff.Permanent(err)
		}
		if onRetry != nil && attempts < 5 {
			onRetry(err)
		}
		return err
	}, bo)
}
