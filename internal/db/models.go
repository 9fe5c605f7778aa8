package db

import (
	"time"

	"github.com/google/uuid"
)

// Campaign status constants. Forward transitions are owned exclusively by
// the segment scheduler; the ingestion pipeline only touches counters.
const (
	CampaignPending    = "pending"
	CampaignSegmented  = "segmented"
	CampaignInProgress = "in_progress"
	CampaignCompleted  = "completed"
	CampaignFailed     = "failed"
)

// Recipient status constants.
const (
	RecipientPending    = "pending"
	RecipientSent       = "sent"
	RecipientDelivered  = "delivered"
	RecipientBounced    = "bounced"
	RecipientComplained = "complained"
	RecipientDelayed    = "delayed"
	RecipientFailed     = "failed"
)

// Campaign represents an email campaign sent in bounded segments.
// LastSegmentPosition is a monotonically non-decreasing cursor into the
// recipient sequence ordered by insertion id. SentCount, TotalProcessed and
// ProgressPercentage are derived from recipient rows and are recomputed,
// never trusted as the sole source of truth.
type Campaign struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	Subject             string     `json:"subject"`
	Body                string     `json:"body"`
	Status              string     `json:"status"`
	TotalRecipients     int        `json:"total_recipients"`
	LastSegmentPosition int        `json:"last_segment_position"`
	SentCount           int        `json:"sent_count"`
	FailedCount         int        `json:"failed_count"`
	TotalProcessed      int        `json:"total_processed"`
	ProgressPercentage  int        `json:"progress_percentage"`
	NextSegmentTime     *time.Time `json:"next_segment_time,omitempty"`
	SegmentRetryCount   int        `json:"segment_retry_count"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Progress returns floor(sent/total*100), or 0 when total is 0.
func (c *Campaign) Progress() int {
	if c.TotalRecipients <= 0 {
		return 0
	}
	return c.SentCount * 100 / c.TotalRecipients
}

// Runnable reports whether the scheduler may pick this campaign up.
func (c *Campaign) Runnable(now time.Time) bool {
	switch c.Status {
	case CampaignPending, CampaignSegmented, CampaignInProgress:
	default:
		return false
	}
	return c.NextSegmentTime == nil || !c.NextSegmentTime.After(now)
}

// Recipient is a single campaign recipient. The bigserial ID is the stable
// ordering key for segment slices, so a re-run after a crash resumes at the
// same boundary. ProviderMessageID correlates later delivery events back to
// this row.
type Recipient struct {
	ID                int64      `json:"id"`
	CampaignID        uuid.UUID  `json:"campaign_id"`
	Email             string     `json:"email"`
	Status            string     `json:"status"`
	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	DelayType         *string    `json:"delay_type,omitempty"`
	DelayTime         *time.Time `json:"delay_time,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// recipientTransitions is the allowed status DAG. A recipient never reverts
// to pending once sent; delayed may re-enter sent when the provider retries.
var recipientTransitions = map[string][]string{
	RecipientPending: {RecipientSent, RecipientFailed},
	RecipientSent:    {RecipientDelivered, RecipientBounced, RecipientComplained, RecipientDelayed, RecipientFailed},
	RecipientDelayed: {RecipientSent, RecipientDelivered, RecipientBounced, RecipientComplained, RecipientFailed},
}

// CanTransitionRecipient reports whether a recipient status change follows
// the DAG. Terminal states (delivered, bounced, complained, failed) allow no
// further transitions.
func CanTransitionRecipient(from, to string) bool {
	for _, next := range recipientTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalRecipientStatus reports whether no further delivery events can
// move the recipient.
func TerminalRecipientStatus(status string) bool {
	switch status {
	case RecipientDelivered, RecipientBounced, RecipientComplained, RecipientFailed:
		return true
	}
	return false
}
