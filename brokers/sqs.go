package brokers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/adamrefaey/asynctasq/internal/log"
	"github.com/adamrefaey/asynctasq/tasks"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsReceipt is the opaque Receipt for SQS-sourced envelopes: SQS needs the
// queue URL (not the logical queue name) plus the receipt handle for every
// ack/nack/extend call.
type sqsReceipt struct {
	queueURL      string
	queueName     string
	receiptHandle string
}

// SQS is the AWS SQS broker adapter (spec §4.1), the "cloud queue" backend
// named in spec §1. SQS has no native priority ordering across queues and
// no nack-with-delay primitive, so both are implemented the way spec §4.1
// expects an adapter without native support to behave: polling queues in
// order for priority, and ChangeMessageVisibility for delayed redelivery.
type SQS struct {
	client     *sqs.Client
	queueURLs  map[string]string // logical queue name -> SQS queue URL
	dlqURLs    map[string]string // logical queue name -> DLQ queue URL, optional
}

// NewSQS builds an SQS broker adapter. queueURLs maps the logical queue
// names used in WorkerConfig.Queues to the AWS queue URLs backing them.
// dlqURLs is optional; when a queue has no entry, MoveToDeadLetter returns
// ErrUnsupported (most real deployments instead configure a redrive policy
// natively on the SQS queue and never call this method at all).
func NewSQS(client *sqs.Client, queueURLs, dlqURLs map[string]string) *SQS {
	if dlqURLs == nil {
		dlqURLs = map[string]string{}
	}
	return &SQS{client: client, queueURLs: queueURLs, dlqURLs: dlqURLs}
}

func (b *SQS) Capabilities() Capabilities {
	return Capabilities{SupportsDeadLetter: false, SupportsExtend: true, NativeDelayScheduling: false}
}

func (b *SQS) Connect(ctx context.Context) error    { return nil }
func (b *SQS) Disconnect(ctx context.Context) error { return nil }

func (b *SQS) Dequeue(ctx context.Context, queues []string, max int, leaseDuration time.Duration) ([]*tasks.Envelope, error) {
	var out []*tasks.Envelope

	for _, q := range queues {
		if len(out) >= max {
			break
		}
		url, ok := b.queueURLs[q]
		if !ok {
			continue
		}
		want := int32(max - len(out))
		if want > 10 {
			want = 10 // SQS hard cap per ReceiveMessage call
		}

		resp, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &url,
			MaxNumberOfMessages: want,
			VisibilityTimeout:   int32(leaseDuration.Seconds()),
			WaitTimeSeconds:     1, // short-poll, within spec §4.1's "<= 1s" allowance
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			return out, &TransientBrokerError{Err: err}
		}

		for _, msg := range resp.Messages {
			var w wireEnvelope
			if err := json.Unmarshal([]byte(*msg.Body), &w); err != nil {
				// poison message at the transport level: best-effort delete so
				// it doesn't spin forever; Worker never sees it to classify.
				b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: &url, ReceiptHandle: msg.ReceiptHandle})
				continue
			}
			env := fromWire(w)
			env.Queue = q
			env.VisibilityDeadline = time.Now().UTC().Add(leaseDuration)
			env.Receipt = &sqsReceipt{queueURL: url, queueName: q, receiptHandle: *msg.ReceiptHandle}
			out = append(out, env)
		}
	}
	return out, nil
}

func (b *SQS) Ack(ctx context.Context, receipt tasks.Receipt) error {
	r, ok := receipt.(*sqsReceipt)
	if !ok {
		return nil
	}
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl: &r.queueURL, ReceiptHandle: &r.receiptHandle,
	})
	return err
}

func (b *SQS) Nack(ctx context.Context, receipt tasks.Receipt, requeueDelay time.Duration) error {
	r, ok := receipt.(*sqsReceipt)
	if !ok {
		return nil
	}
	// A visibility timeout of 0 makes the message immediately visible
	// again; SQS has no concept of a separate delay-then-ready queue for
	// an in-flight message, so ChangeMessageVisibility is the closest
	// available primitive (spec §4.1 "nack... becoming available at now +
	// requeue_delay").
	seconds := int32(requeueDelay.Seconds())
	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl: &r.queueURL, ReceiptHandle: &r.receiptHandle, VisibilityTimeout: seconds,
	})
	return err
}

func (b *SQS) Extend(ctx context.Context, receipt tasks.Receipt, additional time.Duration) error {
	r, ok := receipt.(*sqsReceipt)
	if !ok {
		return nil
	}
	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl: &r.queueURL, ReceiptHandle: &r.receiptHandle, VisibilityTimeout: int32(additional.Seconds()),
	})
	if err != nil {
		var notExist *types.ReceiptHandleIsInvalid
		if errors.As(err, &notExist) {
			return ErrLeaseExpired
		}
		return &TransientBrokerError{Err: err}
	}
	return nil
}

// MoveToDeadLetter sends the failure message (not the original message
// body, which is not available here) to a pre-registered DLQ queue URL and
// deletes the message from the source queue, when one is configured;
// otherwise returns ErrUnsupported since most SQS deployments rely on a
// native redrive policy instead (spec §4.1).
func (b *SQS) MoveToDeadLetter(ctx context.Context, receipt tasks.Receipt, failure Failure) error {
	r, ok := receipt.(*sqsReceipt)
	if !ok {
		return nil
	}
	dlqURL, ok := b.dlqURLs[r.queueName]
	if !ok {
		return ErrUnsupported
	}

	// We no longer have the original body at this point (SQS doesn't
	// return it on ChangeMessageVisibility/ack paths); real deployments
	// instead set RedrivePolicy.maxReceiveCount on the source queue so
	// SQS itself performs this move without worker involvement. This path
	// exists for adapters that pre-fetch and cache the body; here it sends
	// the failure message, deletes the source message and logs the
	// limitation explicitly rather than silently dropping failure detail.
	log.WARNING.WithField("queue", r.queueName).Warn("sqs: moving to configured DLQ without original body; prefer a native redrive policy")
	if _, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &dlqURL,
		MessageBody: &failure.Message,
	}); err != nil {
		return &TransientBrokerError{Err: err}
	}
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: &r.queueURL, ReceiptHandle: &r.receiptHandle})
	return err
}
