package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pedroitan/bulkemail-sub001/internal/db"
	"github.com/pedroitan/bulkemail-sub001/internal/metrics"
	"github.com/pedroitan/bulkemail-sub001/internal/ratelimit"
	"github.com/pedroitan/bulkemail-sub001/internal/sesevent"
	"github.com/pedroitan/bulkemail-sub001/internal/sqs"
)

// Queue is the message source the pipeline drains.
type Queue interface {
	Receive(ctx context.Context, max int) ([]sqs.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// PipelineStore is the store contract for applying delivery events.
type PipelineStore interface {
	FindRecipientByProviderMessageID(ctx context.Context, providerMessageID string) (*db.Recipient, error)
	ApplyRecipientEvent(ctx context.Context, recipientID int64, toStatus string, delayType *string, delayTime *time.Time) (bool, error)
}

// Deduper guards against reprocessing the same delivery event. Reserve
// claims the key, Commit marks it done after the database commit, Release
// frees it so a failed event can be retried.
type Deduper interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Commit(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// PipelineConfig controls batch sizes and store retry behavior.
type PipelineConfig struct {
	PollInterval          time.Duration
	BatchSize             int
	AcquireMaxWait        time.Duration
	StoreRetryMax         int
	StoreRetryWait        time.Duration
	ThrottleRedeliverySec int32 // visibility set on throttled messages
}

// BatchStats summarizes one ProcessBatch call.
type BatchStats struct {
	Received  int
	Processed int
	Deleted   int
	Errors    int
}

// Pipeline consumes SES delivery notifications from the queue and
// reconciles recipient state. A message is only deleted after its effect
// is durably committed; everything else is left for redelivery.
type Pipeline struct {
	queue   Queue
	store   PipelineStore
	deduper Deduper
	limiter *ratelimit.Limiter
	config  PipelineConfig
	logger  *zap.Logger
}

func NewPipeline(queue Queue, store PipelineStore, deduper Deduper, limiter *ratelimit.Limiter, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.AcquireMaxWait <= 0 {
		cfg.AcquireMaxWait = 5 * time.Second
	}
	if cfg.StoreRetryMax <= 0 {
		cfg.StoreRetryMax = 3
	}
	if cfg.StoreRetryWait <= 0 {
		cfg.StoreRetryWait = 200 * time.Millisecond
	}
	if cfg.ThrottleRedeliverySec <= 0 {
		cfg.ThrottleRedeliverySec = 5
	}

	return &Pipeline{
		queue:   queue,
		store:   store,
		deduper: deduper,
		limiter: limiter,
		config:  cfg,
		logger:  logger,
	}
}

// Run polls the queue until the context is cancelled. The batch in flight
// when cancellation arrives is drained before returning.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("delivery pipeline stopping")
			return
		default:
		}

		stats, err := p.ProcessBatch(ctx)
		if err != nil {
			p.logger.Error("failed to receive delivery events", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.PollInterval):
			}
			continue
		}

		if stats.Received == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.PollInterval):
			}
		}
	}
}

// ProcessBatch receives one batch and processes each message to a decision:
// delete (applied, duplicate, or unreconcilable) or leave for redelivery
// (malformed past parse, throttled, or store failure).
func (p *Pipeline) ProcessBatch(ctx context.Context) (BatchStats, error) {
	var stats BatchStats

	messages, err := p.queue.Receive(ctx, p.config.BatchSize)
	if err != nil {
		return stats, err
	}

	stats.Received = len(messages)
	metrics.SetSQSMessagesInFlight(len(messages))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range messages {
		outcome := p.processMessage(ctx, msg)
		switch outcome {
		case outcomeApplied:
			stats.Processed++
			stats.Deleted++
		case outcomeDiscarded:
			stats.Deleted++
		case outcomeRetry:
			stats.Errors++
		}
	}

	return stats, nil
}

type messageOutcome int

const (
	outcomeApplied messageOutcome = iota
	outcomeDiscarded
	outcomeRetry
)

func (p *Pipeline) processMessage(ctx context.Context, msg sqs.Message) messageOutcome {
	n, err := sesevent.Parse([]byte(msg.Body))
	if err != nil {
		// Leave it for the redrive policy; a parse failure will not fix
		// itself but the DLQ keeps the payload for inspection.
		p.logger.Warn("unparseable delivery event",
			zap.Error(err),
			zap.String("message_id", msg.MessageID),
		)
		metrics.RecordDeliveryEvent("unknown", "malformed")
		return outcomeRetry
	}

	logger := p.logger.With(
		zap.String("notification_type", n.Type),
		zap.String("provider_message_id", n.Mail.MessageID),
	)

	if !n.Known() {
		logger.Warn("unknown notification type, discarding")
		metrics.RecordDeliveryEvent(n.Type, "unknown")
		return p.deleteMessage(ctx, msg, logger)
	}

	class := n.Class()
	if !p.limiter.Acquire(ctx, class, 1, p.config.AcquireMaxWait) {
		// Back-pressure: leave the message for redelivery, but shorten its
		// visibility so it comes back as soon as the flood eases rather
		// than after the full reconciliation timeout.
		if err := p.queue.ChangeVisibility(ctx, msg.ReceiptHandle, p.config.ThrottleRedeliverySec); err != nil {
			logger.Warn("failed to shorten visibility of throttled message", zap.Error(err))
		}
		metrics.RecordRateLimitDenied(string(class))
		metrics.RecordDeliveryEvent(n.Type, "throttled")
		return outcomeRetry
	}

	reserved, err := p.deduper.Reserve(ctx, n.DedupeKey())
	if err != nil {
		logger.Error("dedupe reserve failed", zap.Error(err))
		return outcomeRetry
	}
	if !reserved {
		// Already processed or currently in flight elsewhere.
		metrics.RecordDeliveryEvent(n.Type, "duplicate")
		return p.deleteMessage(ctx, msg, logger)
	}

	outcome := p.applyEvent(ctx, msg, n, logger)
	if outcome == outcomeRetry {
		if err := p.deduper.Release(ctx, n.DedupeKey()); err != nil {
			logger.Error("dedupe release failed", zap.Error(err))
		}
		return outcomeRetry
	}

	if err := p.deduper.Commit(ctx, n.DedupeKey()); err != nil {
		// The state change is already durable; a lost done-marker only
		// costs one no-op replay.
		logger.Warn("dedupe commit failed", zap.Error(err))
	}

	return outcome
}

// applyEvent resolves the recipient and applies the state transition.
func (p *Pipeline) applyEvent(ctx context.Context, msg sqs.Message, n *sesevent.Notification, logger *zap.Logger) messageOutcome {
	if n.Type == sesevent.TypeSend {
		// Send confirms the gateway accepted the submission. The recipient
		// was already marked sent when the segment committed.
		metrics.RecordDeliveryEvent(n.Type, "acknowledged")
		return p.deleteMessage(ctx, msg, logger)
	}

	rcpt, err := p.findRecipient(ctx, n.Mail.MessageID)
	if err != nil {
		logger.Error("recipient lookup failed", zap.Error(err))
		return outcomeRetry
	}
	if rcpt == nil {
		// No recipient carries this provider message id. Nothing to
		// reconcile against, so keep the queue moving.
		logger.Warn("delivery event for unknown message id, discarding")
		metrics.RecordDeliveryEvent(n.Type, "orphaned")
		return p.deleteMessage(ctx, msg, logger)
	}

	toStatus, ok := n.RecipientStatus()
	if !ok {
		metrics.RecordDeliveryEvent(n.Type, "acknowledged")
		return p.deleteMessage(ctx, msg, logger)
	}

	delayType, delayTime := n.Delay()

	applied, err := p.applyWithRetry(ctx, rcpt.ID, toStatus, delayType, delayTime)
	if err != nil {
		logger.Error("failed to apply delivery event", zap.Error(err))
		return outcomeRetry
	}

	if !applied {
		// Transition not allowed from the recipient's current state, e.g.
		// a delivery arriving after a bounce already closed the recipient.
		logger.Info("delivery event ignored by state machine",
			zap.String("to_status", toStatus),
			zap.Int64("recipient_id", rcpt.ID),
		)
		metrics.RecordDeliveryEvent(n.Type, "ignored")
		return p.deleteMessage(ctx, msg, logger)
	}

	if !n.Mail.Timestamp.IsZero() {
		metrics.RecordDeliveryEventLag(n.Type, time.Since(n.Mail.Timestamp))
	}
	metrics.RecordDeliveryEvent(n.Type, "applied")

	logger.Info("delivery event applied",
		zap.String("to_status", toStatus),
		zap.Int64("recipient_id", rcpt.ID),
	)

	// State is committed; a failed delete here just means one duplicate
	// redelivery that dedupe will absorb.
	p.deleteMessage(ctx, msg, logger)

	return outcomeApplied
}

func (p *Pipeline) findRecipient(ctx context.Context, providerMessageID string) (*db.Recipient, error) {
	var rcpt *db.Recipient
	err := p.withRetry(ctx, func() error {
		var err error
		rcpt, err = p.store.FindRecipientByProviderMessageID(ctx, providerMessageID)
		return err
	})
	return rcpt, err
}

func (p *Pipeline) applyWithRetry(ctx context.Context, recipientID int64, toStatus string, delayType *string, delayTime *time.Time) (bool, error) {
	var applied bool
	err := p.withRetry(ctx, func() error {
		var err error
		applied, err = p.store.ApplyRecipientEvent(ctx, recipientID, toStatus, delayType, delayTime)
		return err
	})
	return applied, err
}

// withRetry retries transient store failures a bounded number of times.
func (p *Pipeline) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.config.StoreRetryMax; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(p.config.StoreRetryWait):
		}
	}
	return err
}

func (p *Pipeline) deleteMessage(ctx context.Context, msg sqs.Message, logger *zap.Logger) messageOutcome {
	if err := p.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		logger.Error("failed to delete queue message", zap.Error(err))
		return outcomeRetry
	}
	return outcomeDiscarded
}
