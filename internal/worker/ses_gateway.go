package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/pedroitan/bulkemail-sub001/internal/db"
)

// SESGateway sends campaign email via AWS SES.
type SESGateway struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	FromName  string
}

func NewSESGateway(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESGateway, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	from := cfg.FromEmail
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail)
	}

	return &SESGateway{
		client: ses.NewFromConfig(awsCfg),
		from:   from,
		logger: logger,
	}, nil
}

// Send submits one campaign email. The returned SES message id is stored on
// the recipient as provider_message_id and is what later bounce/complaint/
// delivery notifications carry in mail.messageId.
func (g *SESGateway) Send(ctx context.Context, campaign *db.Campaign, rcpt *db.Recipient) (string, error) {
	if rcpt.Email == "" {
		return "", fmt.Errorf("recipient %d has no email address", rcpt.ID)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(g.from),
		Destination: &types.Destination{
			ToAddresses: []string{rcpt.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(campaign.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(campaign.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := g.client.SendEmail(ctx, input)
	if err != nil {
		if isThrottle(err) {
			return "", fmt.Errorf("%w: %v", ErrThrottled, err)
		}
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	g.logger.Debug("email sent via SES",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int64("recipient_id", rcpt.ID),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

// isThrottle classifies SES API errors that mean "slow down" rather than
// "this recipient is bad".
func isThrottle(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "Throttling", "ThrottlingException", "TooManyRequestsException", "LimitExceededException":
		return true
	}
	return false
}
