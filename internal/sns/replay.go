// Package sns publishes synthetic SES notifications to the events topic so
// the SNS -> SQS -> pipeline path can be exercised end to end without
// waiting for a real bounce.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/pedroitan/bulkemail-sub001/internal/sesevent"
)

// ReplayPublisher publishes synthetic delivery notifications.
type ReplayPublisher struct {
	client   *sns.Client
	topicARN string
}

// NewReplayPublisher creates a publisher for the given SES events topic.
func NewReplayPublisher(ctx context.Context, region, topicARN string) (*ReplayPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &ReplayPublisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// Replay publishes a synthetic notification of the given type for a
// provider message id and recipient address. SNS wraps the payload in its
// own envelope, so what arrives on the queue matches real SES traffic.
func (p *ReplayPublisher) Replay(ctx context.Context, notificationType, providerMessageID, recipient string) (string, error) {
	n := BuildNotification(notificationType, providerMessageID, recipient)

	payload, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("failed to marshal notification: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return *result.MessageId, nil
}

// BuildNotification assembles a synthetic SES notification with the
// type-specific sub-object populated the way SES populates it.
func BuildNotification(notificationType, providerMessageID, recipient string) *sesevent.Notification {
	now := time.Now().UTC()

	n := &sesevent.Notification{
		Type: notificationType,
		Mail: sesevent.Mail{
			MessageID:   providerMessageID,
			Timestamp:   now,
			Destination: []string{recipient},
		},
	}

	switch notificationType {
	case sesevent.TypeBounce:
		n.Bounce = &sesevent.Bounce{
			BounceType:    "Permanent",
			BounceSubType: "General",
			BouncedRecipients: []sesevent.BouncedRecipient{
				{EmailAddress: recipient, Status: "5.1.1"},
			},
			Timestamp: now,
		}
	case sesevent.TypeComplaint:
		n.Complaint = &sesevent.Complaint{
			ComplainedRecipients: []sesevent.ComplainedRecipient{
				{EmailAddress: recipient},
			},
			ComplaintFeedbackType: "abuse",
			Timestamp:             now,
		}
	case sesevent.TypeDelivery:
		n.Delivery = &sesevent.Delivery{
			Recipients: []string{recipient},
			Timestamp:  now,
		}
	case sesevent.TypeDeliveryDelay:
		n.DeliveryDelay = &sesevent.DeliveryDelay{
			DelayType: "MailboxFull",
			DelayedRecipients: []sesevent.DelayedRecipient{
				{EmailAddress: recipient},
			},
			Timestamp: now,
		}
	}

	return n
}
