package worker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pedroitan/bulkemail-sub001/internal/db"
)

// ErrThrottled indicates the provider refused the send because of quota or
// burst limits. The scheduler treats it as a scheduling signal: stop the
// segment early and back off, never mark the recipient failed.
var ErrThrottled = errors.New("send throttled by provider")

// Gateway submits one message to the outbound email provider. On success it
// returns the provider message id used to correlate later delivery events.
// Errors are either ErrThrottled (defer) or a rejection (permanent for this
// recipient).
type Gateway interface {
	Send(ctx context.Context, campaign *db.Campaign, rcpt *db.Recipient) (string, error)
}

// LogGateway logs sends instead of performing them (development/testing).
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, campaign *db.Campaign, rcpt *db.Recipient) (string, error) {
	messageID := "log-" + uuid.New().String()

	g.logger.Info("send (development mode)",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int64("recipient_id", rcpt.ID),
		zap.String("email", rcpt.Email),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}
