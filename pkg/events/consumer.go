package events

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/devbox-infra/lifecycle/pkg/errors"
)

const (
	receiveBatchSize = 10
	longPollSeconds  = 20
)

// Consumer long-polls an SQS queue fed by the notification bus and
// dispatches each message. A message is deleted only after its handler
// succeeds; everything else is left for redelivery, which is where the
// at-least-once guarantee the handlers rely on comes from.
type Consumer struct {
	sqs        *sqs.Client
	queueURL   string
	dispatcher *Dispatcher
}

// NewConsumer creates an SQS consumer for the given queue
func NewConsumer(ctx context.Context, region, queueURL string, dispatcher *Dispatcher) (*Consumer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}
	return &Consumer{
		sqs:        sqs.NewFromConfig(cfg),
		queueURL:   queueURL,
		dispatcher: dispatcher,
	}, nil
}

// Run polls until the context is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("consumer_started", "queue_url", c.queueURL)

	for {
		if ctx.Err() != nil {
			slog.Info("consumer_stopped", "queue_url", c.queueURL)
			return nil
		}

		out, err := c.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: receiveBatchSize,
			WaitTimeSeconds:     longPollSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("consumer_stopped", "queue_url", c.queueURL)
				return nil
			}
			// Transient receive failures resolve on the next poll.
			slog.Warn("consumer_receive_failed", "error", err)
			continue
		}

		for _, msg := range out.Messages {
			if err := c.dispatcher.Dispatch(ctx, []byte(aws.ToString(msg.Body))); err != nil {
				// Leave the message for redelivery after the
				// visibility timeout.
				continue
			}

			_, err := c.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			})
			if err != nil {
				// The handler already ran; redelivery of this
				// message is a no-op by idempotency.
				slog.Warn("consumer_delete_failed", "error", err)
			}
		}
	}
}
