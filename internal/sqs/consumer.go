// Package sqs consumes the SES delivery-notification queue.
package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Config holds notification queue settings.
type Config struct {
	Region            string
	QueueURL          string
	VisibilityTimeout int32 // seconds; must cover worst-case reconciliation latency
	WaitSeconds       int32 // long-poll wait
}

// Message is one raw queue message. Body is the (possibly double-enveloped)
// notification payload; ReceiptHandle acknowledges it.
type Message struct {
	MessageID     string
	Body          string
	ReceiptHandle string
}

// Consumer reads delivery notifications from SQS.
type Consumer struct {
	client *sqs.Client
	cfg    Config
	logger *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = 20
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Int32("visibility_timeout", cfg.VisibilityTimeout),
	)

	return &Consumer{
		client: sqs.NewFromConfig(awsCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Receive pulls up to max raw messages with long polling. An empty slice
// means the queue had nothing within the wait window.
func (c *Consumer) Receive(ctx context.Context, max int) ([]Message, error) {
	if max < 1 {
		max = 1
	}
	if max > 10 {
		max = 10 // SQS API limit
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     c.cfg.WaitSeconds,
		VisibilityTimeout:   c.cfg.VisibilityTimeout,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	messages := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		msg := Message{}
		if m.MessageId != nil {
			msg.MessageID = *m.MessageId
		}
		if m.Body != nil {
			msg.Body = *m.Body
		}
		if m.ReceiptHandle != nil {
			msg.ReceiptHandle = *m.ReceiptHandle
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// Delete acknowledges a message after its state mutation committed. Skipping
// the delete leaves the message for redelivery, which reconciliation
// idempotency absorbs.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := c.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility resets the visibility timeout for an in-flight message.
// The pipeline shortens it for throttled messages so they redeliver promptly
// once the event flood eases.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	_, err := c.client.ChangeMessageVisibility(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
