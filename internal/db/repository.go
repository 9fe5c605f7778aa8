package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotRunnable is returned by ClaimSegment when the campaign is not in a
// runnable state or another run holds the lease.
var ErrNotRunnable = errors.New("campaign not runnable")

// Repository handles database operations for campaigns and recipients
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new campaign repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateCampaign inserts a campaign together with its recipient list in one
// transaction. Recipients get sequential bigserial ids, which is the stable
// ordering key segment slices rely on.
func (r *Repository) CreateCampaign(ctx context.Context, campaign *Campaign, emails []string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO campaigns (
			id, name, subject, body, status, total_recipients
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	campaign.Status = CampaignPending
	campaign.TotalRecipients = len(emails)

	err = tx.QueryRow(ctx, query,
		campaign.ID,
		campaign.Name,
		campaign.Subject,
		campaign.Body,
		campaign.Status,
		campaign.TotalRecipients,
	).Scan(&campaign.CreatedAt, &campaign.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	rows := make([][]any, len(emails))
	for i, email := range emails {
		rows[i] = []any{campaign.ID, email, RecipientPending}
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"recipients"},
		[]string{"campaign_id", "email", "status"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy recipients: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("campaign created",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("name", campaign.Name),
		zap.Int("recipients", len(emails)),
	)

	return nil
}

// GetCampaign retrieves a campaign by ID
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	var c Campaign
	err := r.db.Pool().QueryRow(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE id = $1
	`, id).Scan(campaignFields(&c)...)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("campaign not found: %s", id)
	}

	if err != nil {
		r.logger.Error("failed to get campaign",
			zap.Error(err),
			zap.String("campaign_id", id.String()),
		)
		return nil, fmt.Errorf("query campaign: %w", err)
	}

	return &c, nil
}

// ListCampaigns retrieves campaigns with pagination, newest first.
func (r *Repository) ListCampaigns(ctx context.Context, limit, offset int) ([]*Campaign, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

// ListRunnableCampaigns returns campaigns eligible for a segment run:
// non-terminal status and segment timer elapsed (or never set).
func (r *Repository) ListRunnableCampaigns(ctx context.Context, limit int) ([]*Campaign, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status IN ($1, $2, $3)
		  AND (next_segment_time IS NULL OR next_segment_time <= NOW())
		ORDER BY created_at ASC
		LIMIT $4
	`, CampaignPending, CampaignSegmented, CampaignInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("query runnable campaigns: %w", err)
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

// ClaimSegment takes the per-campaign lease for one segment run by
// compare-and-setting next_segment_time, and marks the campaign
// in_progress for the duration of the run. A concurrent claimer finds the
// precondition false and gets ErrNotRunnable, which guarantees segment runs
// for one campaign are strictly sequential. A run that crashes mid-segment
// leaves the lease in place; the campaign becomes claimable again once the
// lease expires.
func (r *Repository) ClaimSegment(ctx context.Context, id uuid.UUID, leaseUntil time.Time) (*Campaign, error) {
	var c Campaign
	err := r.db.Pool().QueryRow(ctx, `
		UPDATE campaigns
		SET next_segment_time = $2, status = $6, updated_at = NOW()
		WHERE id = $1
		  AND status IN ($3, $4, $5)
		  AND (next_segment_time IS NULL OR next_segment_time <= NOW())
		RETURNING `+campaignColumns,
		id, leaseUntil, CampaignPending, CampaignSegmented, CampaignInProgress, CampaignInProgress,
	).Scan(campaignFields(&c)...)

	if err == pgx.ErrNoRows {
		return nil, ErrNotRunnable
	}

	if err != nil {
		return nil, fmt.Errorf("claim segment: %w", err)
	}

	return &c, nil
}

// TriggerCampaign clears the segment timer so the scheduler picks the
// campaign up on its next poll instead of waiting out the inter-segment
// delay. Terminal campaigns are not runnable.
func (r *Repository) TriggerCampaign(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE campaigns
		SET next_segment_time = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $3, $4)
	`, id, CampaignPending, CampaignSegmented, CampaignInProgress)
	if err != nil {
		return fmt.Errorf("trigger campaign: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotRunnable
	}

	return nil
}

// RecountRecipients recomputes total_recipients from recipient rows and
// stores it. Used when the cached count is zero or stale.
func (r *Repository) RecountRecipients(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var total int
	err := r.db.Pool().QueryRow(ctx, `
		UPDATE campaigns
		SET total_recipients = (
			SELECT COUNT(*) FROM recipients WHERE campaign_id = $1
		), updated_at = NOW()
		WHERE id = $1
		RETURNING total_recipients
	`, campaignID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("recount recipients: %w", err)
	}
	return total, nil
}

// GetSegment fetches one recipient slice ordered by insertion id. The
// stable order lets a crashed run resume at the same boundary without
// skipping or duplicating recipients.
func (r *Repository) GetSegment(ctx context.Context, campaignID uuid.UUID, offset, limit int) ([]*Recipient, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+recipientColumns+`
		FROM recipients
		WHERE campaign_id = $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3
	`, campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query segment: %w", err)
	}
	defer rows.Close()

	var recipients []*Recipient
	for rows.Next() {
		var rcpt Recipient
		if err := rows.Scan(recipientFields(&rcpt)...); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, &rcpt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return recipients, nil
}

// SegmentAttempt records the outcome of one recipient send within a segment.
type SegmentAttempt struct {
	RecipientID       int64
	Status            string // sent or failed
	ProviderMessageID *string
	ErrorMessage      *string
}

// SegmentCommit is the durable result of one segment run: recipient
// outcomes, cursor advance, and the campaign's next state. Everything
// commits in a single transaction so a crash loses at most the in-flight
// recipient, never the whole segment.
type SegmentCommit struct {
	CampaignID      uuid.UUID
	Attempts        []SegmentAttempt
	Advance         int // cursor moves by recipients actually attempted
	Status          string
	NextSegmentTime *time.Time
	RetryCount      int
}

// CommitSegment applies a segment result transactionally: recipient status
// updates, cursor advance, counter refresh from recipient truth, and the
// scheduler's status decision.
func (r *Repository) CommitSegment(ctx context.Context, commit SegmentCommit) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, a := range commit.Attempts {
		_, err := tx.Exec(ctx, `
			UPDATE recipients
			SET status = $2, provider_message_id = $3, error_message = $4, updated_at = NOW()
			WHERE id = $1
		`, a.RecipientID, a.Status, a.ProviderMessageID, a.ErrorMessage)
		if err != nil {
			return fmt.Errorf("update recipient %d: %w", a.RecipientID, err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE campaigns
		SET last_segment_position = last_segment_position + $2,
		    status = $3,
		    next_segment_time = $4,
		    segment_retry_count = $5,
		    updated_at = NOW()
		WHERE id = $1
	`, commit.CampaignID, commit.Advance, commit.Status, commit.NextSegmentTime, commit.RetryCount)
	if err != nil {
		return fmt.Errorf("advance campaign cursor: %w", err)
	}

	if err := refreshCounters(ctx, tx, commit.CampaignID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("segment committed",
		zap.String("campaign_id", commit.CampaignID.String()),
		zap.Int("attempted", commit.Advance),
		zap.String("status", commit.Status),
	)

	return nil
}

// FindRecipientByProviderMessageID resolves a delivery event to a recipient.
// Returns (nil, nil) when no recipient matches: events for unknown message
// ids (test traffic, pre-existing campaigns) are skipped, not errors.
func (r *Repository) FindRecipientByProviderMessageID(ctx context.Context, providerMessageID string) (*Recipient, error) {
	var rcpt Recipient
	err := r.db.Pool().QueryRow(ctx, `
		SELECT `+recipientColumns+`
		FROM recipients
		WHERE provider_message_id = $1
	`, providerMessageID).Scan(recipientFields(&rcpt)...)

	if err == pgx.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("query recipient by message id: %w", err)
	}

	return &rcpt, nil
}

// ApplyRecipientEvent transitions a recipient along the status DAG and
// refreshes campaign counters in the same transaction. Returns false when
// the transition is not allowed (duplicate or out-of-order event), which
// callers treat as a no-op, not an error. Campaign status is never touched
// here; lifecycle transitions belong to the scheduler.
func (r *Repository) ApplyRecipientEvent(ctx context.Context, recipientID int64, toStatus string, delayType *string, delayTime *time.Time) (bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	var campaignID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT status, campaign_id FROM recipients WHERE id = $1 FOR UPDATE
	`, recipientID).Scan(&current, &campaignID)
	if err != nil {
		return false, fmt.Errorf("lock recipient: %w", err)
	}

	if !CanTransitionRecipient(current, toStatus) {
		r.logger.Debug("recipient transition rejected",
			zap.Int64("recipient_id", recipientID),
			zap.String("from", current),
			zap.String("to", toStatus),
		)
		return false, nil
	}

	if toStatus == RecipientDelayed {
		_, err = tx.Exec(ctx, `
			UPDATE recipients
			SET status = $2, delay_type = $3, delay_time = $4, updated_at = NOW()
			WHERE id = $1
		`, recipientID, toStatus, delayType, delayTime)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE recipients
			SET status = $2, updated_at = NOW()
			WHERE id = $1
		`, recipientID, toStatus)
	}
	if err != nil {
		return false, fmt.Errorf("update recipient status: %w", err)
	}

	if err := refreshCounters(ctx, tx, campaignID); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	return true, nil
}

// refreshCounters recomputes the campaign's derived counters from recipient
// rows inside the caller's transaction. sent_count covers every recipient
// accepted by the provider (including those that later bounced), matching
// what the progress percentage measures: send progress, not delivery.
func refreshCounters(ctx context.Context, tx pgx.Tx, campaignID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE campaigns c
		SET sent_count = s.sent,
		    failed_count = s.failed,
		    total_processed = s.processed,
		    progress_percentage = CASE
		        WHEN c.total_recipients > 0 THEN s.sent * 100 / c.total_recipients
		        ELSE 0
		    END
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status NOT IN ($2, $3)) AS sent,
				COUNT(*) FILTER (WHERE status = $3) AS failed,
				COUNT(*) FILTER (WHERE status <> $2) AS processed
			FROM recipients
			WHERE campaign_id = $1
		) s
		WHERE c.id = $1
	`, campaignID, RecipientPending, RecipientFailed)
	if err != nil {
		return fmt.Errorf("refresh campaign counters: %w", err)
	}
	return nil
}

const campaignColumns = `
	id, name, subject, body, status,
	total_recipients, last_segment_position, sent_count, failed_count,
	total_processed, progress_percentage, next_segment_time,
	segment_retry_count, created_at, updated_at`

func campaignFields(c *Campaign) []any {
	return []any{
		&c.ID, &c.Name, &c.Subject, &c.Body, &c.Status,
		&c.TotalRecipients, &c.LastSegmentPosition, &c.SentCount, &c.FailedCount,
		&c.TotalProcessed, &c.ProgressPercentage, &c.NextSegmentTime,
		&c.SegmentRetryCount, &c.CreatedAt, &c.UpdatedAt,
	}
}

const recipientColumns = `
	id, campaign_id, email, status, provider_message_id,
	error_message, delay_type, delay_time, created_at, updated_at`

func recipientFields(rcpt *Recipient) []any {
	return []any{
		&rcpt.ID, &rcpt.CampaignID, &rcpt.Email, &rcpt.Status, &rcpt.ProviderMessageID,
		&rcpt.ErrorMessage, &rcpt.DelayType, &rcpt.DelayTime, &rcpt.CreatedAt, &rcpt.UpdatedAt,
	}
}

func scanCampaigns(rows pgx.Rows) ([]*Campaign, error) {
	var campaigns []*Campaign
	for rows.Next() {
		var c Campaign
		if err := rows.Scan(campaignFields(&c)...); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return campaigns, nil
}
