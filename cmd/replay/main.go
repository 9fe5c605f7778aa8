// Command replay publishes a synthetic SES delivery notification to the
// events topic, for exercising the reconciliation pipeline against real
// SNS -> SQS plumbing.
//
// Usage:
//
//	replay -type Bounce -message-id <ses-message-id> -recipient user@example.com
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pedroitan/bulkemail-sub001/internal/sesevent"
	"github.com/pedroitan/bulkemail-sub001/internal/sns"
)

func main() {
	var (
		notificationType = flag.String("type", "Delivery", "notification type: Bounce, Complaint, Delivery, DeliveryDelay, Send")
		messageID        = flag.String("message-id", "", "provider message id to replay against (required)")
		recipient        = flag.String("recipient", "user@example.com", "recipient email address")
		region           = flag.String("region", envOr("AWS_REGION", "us-east-1"), "AWS region")
		topicARN         = flag.String("topic-arn", os.Getenv("SNS_TOPIC_ARN"), "SES events SNS topic ARN")
	)
	flag.Parse()

	if *messageID == "" {
		log.Fatal("-message-id is required")
	}
	if *topicARN == "" {
		log.Fatal("-topic-arn or SNS_TOPIC_ARN is required")
	}

	switch *notificationType {
	case sesevent.TypeBounce, sesevent.TypeComplaint, sesevent.TypeDelivery, sesevent.TypeDeliveryDelay, sesevent.TypeSend:
	default:
		log.Fatalf("unsupported notification type %q", *notificationType)
	}

	ctx := context.Background()

	publisher, err := sns.NewReplayPublisher(ctx, *region, *topicARN)
	if err != nil {
		log.Fatalf("create publisher: %v", err)
	}

	snsMessageID, err := publisher.Replay(ctx, *notificationType, *messageID, *recipient)
	if err != nil {
		log.Fatalf("publish: %v", err)
	}

	fmt.Printf("published %s for %s (sns message id %s)\n", *notificationType, *messageID, snsMessageID)
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
