package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pedroitan/bulkemail-sub001/internal/circuitbreaker"
	"github.com/pedroitan/bulkemail-sub001/internal/db"
	"github.com/pedroitan/bulkemail-sub001/internal/metrics"
	"github.com/pedroitan/bulkemail-sub001/internal/ratelimit"
)

// SchedulerStore is the store contract the segment scheduler needs.
type SchedulerStore interface {
	ListRunnableCampaigns(ctx context.Context, limit int) ([]*db.Campaign, error)
	ClaimSegment(ctx context.Context, id uuid.UUID, leaseUntil time.Time) (*db.Campaign, error)
	RecountRecipients(ctx context.Context, id uuid.UUID) (int, error)
	GetSegment(ctx context.Context, id uuid.UUID, offset, limit int) ([]*db.Recipient, error)
	CommitSegment(ctx context.Context, commit db.SegmentCommit) error
}

// SchedulerConfig controls segment pacing.
type SchedulerConfig struct {
	SegmentSize     int
	SegmentInterval time.Duration // fixed inter-segment delay
	MaxRetries      int           // consecutive dead segments before the campaign fails
	ErrorRatePct    int           // failed-recipient % that fails a finished campaign
	PollInterval    time.Duration
	AcquireMaxWait  time.Duration
	ThrottleBackoff time.Duration
}

// Scheduler drives campaigns forward one segment at a time. Each run claims
// a per-campaign lease, sends one rate-limited recipient slice, and commits
// cursor advance + recipient outcomes in a single transaction, so a crash
// loses at most the in-flight recipient.
type Scheduler struct {
	store   SchedulerStore
	gateway Gateway
	limiter *ratelimit.Limiter
	config  SchedulerConfig
	logger  *zap.Logger
}

// SegmentOutcome reports one segment run.
type SegmentOutcome struct {
	Advanced  bool
	NextRunAt time.Time
}

func NewScheduler(store SchedulerStore, gateway Gateway, limiter *ratelimit.Limiter, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 50
	}
	if cfg.SegmentInterval <= 0 {
		cfg.SegmentInterval = 15 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ErrorRatePct <= 0 {
		cfg.ErrorRatePct = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.AcquireMaxWait <= 0 {
		cfg.AcquireMaxWait = 5 * time.Second
	}
	if cfg.ThrottleBackoff <= 0 {
		cfg.ThrottleBackoff = time.Minute
	}

	return &Scheduler{
		store:   store,
		gateway: gateway,
		limiter: limiter,
		config:  cfg,
		logger:  logger,
	}
}

// Start polls for runnable campaigns until the context is cancelled.
// Campaigns run in parallel; the per-campaign lease keeps segment runs for
// any one campaign strictly sequential.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("segment scheduler stopping")
			return
		case <-ticker.C:
			campaigns, err := s.store.ListRunnableCampaigns(ctx, 10)
			if err != nil {
				s.logger.Error("failed to list runnable campaigns", zap.Error(err))
				continue
			}

			var wg sync.WaitGroup
			for _, c := range campaigns {
				wg.Add(1)
				go func(id uuid.UUID) {
					defer wg.Done()
					if _, err := s.RunSegment(ctx, id); err != nil && !errors.Is(err, db.ErrNotRunnable) {
						s.logger.Error("segment run failed",
							zap.Error(err),
							zap.String("campaign_id", id.String()),
						)
					}
				}(c.ID)
			}
			wg.Wait()
		}
	}
}

// RunSegment processes the next segment of one campaign. Returns
// db.ErrNotRunnable when the campaign is terminal, not yet due, or another
// run holds the lease.
func (s *Scheduler) RunSegment(ctx context.Context, campaignID uuid.UUID) (SegmentOutcome, error) {
	// The lease doubles as the crash guard: if this run dies, the campaign
	// stays locked until the lease expires, then the next poll retries the
	// same segment.
	leaseUntil := time.Now().Add(s.config.SegmentInterval)

	campaign, err := s.store.ClaimSegment(ctx, campaignID, leaseUntil)
	if err != nil {
		return SegmentOutcome{}, err
	}

	total := campaign.TotalRecipients
	if total <= 0 {
		if total, err = s.store.RecountRecipients(ctx, campaignID); err != nil {
			return SegmentOutcome{}, err
		}
	}

	if campaign.LastSegmentPosition >= total {
		return s.finalize(ctx, campaign, total)
	}

	recipients, err := s.store.GetSegment(ctx, campaignID, campaign.LastSegmentPosition, s.config.SegmentSize)
	if err != nil {
		return SegmentOutcome{}, err
	}

	var (
		attempts  []db.SegmentAttempt
		attempted int
		sent      int
		failed    int
		throttled bool
	)

	for _, rcpt := range recipients {
		if ctx.Err() != nil {
			// Shutdown mid-segment: commit what we have.
			break
		}

		if rcpt.Status != db.RecipientPending {
			// Already resolved by an earlier run that crashed after the
			// recipient commit; just move the cursor past it.
			attempted++
			continue
		}

		if !s.limiter.Acquire(ctx, ratelimit.ClassSend, 1, s.config.AcquireMaxWait) {
			metrics.RecordRateLimitDenied(string(ratelimit.ClassSend))
			throttled = true
			break
		}

		messageID, err := s.gateway.Send(ctx, campaign, rcpt)
		switch {
		case err == nil:
			attempted++
			sent++
			attempts = append(attempts, db.SegmentAttempt{
				RecipientID:       rcpt.ID,
				Status:            db.RecipientSent,
				ProviderMessageID: &messageID,
			})
			metrics.RecordRecipientSend("sent")

		case errors.Is(err, ErrThrottled), errors.Is(err, circuitbreaker.ErrCircuitOpen):
			// Defer, don't drop: this recipient stays pending and the
			// cursor does not move past it.
			throttled = true

		default:
			attempted++
			failed++
			errMsg := err.Error()
			attempts = append(attempts, db.SegmentAttempt{
				RecipientID:  rcpt.ID,
				Status:       db.RecipientFailed,
				ErrorMessage: &errMsg,
			})
			metrics.RecordRecipientSend("failed")
			s.logger.Warn("recipient rejected",
				zap.Error(err),
				zap.String("campaign_id", campaignID.String()),
				zap.Int64("recipient_id", rcpt.ID),
			)
		}

		if throttled {
			break
		}
	}

	now := time.Now()

	// Every send in the slice rejected: that is a gateway outage, not a
	// batch of bad addresses. Retry the same segment on the next scheduled
	// run instead of permanently failing the recipients.
	if attempted > 0 && sent == 0 && failed == attempted {
		return s.retrySegment(ctx, campaign, now)
	}

	newPos := campaign.LastSegmentPosition + attempted

	commit := db.SegmentCommit{
		CampaignID: campaignID,
		Attempts:   attempts,
		Advance:    attempted,
		RetryCount: 0,
	}

	switch {
	case throttled || attempted == 0:
		backoff := now.Add(s.config.ThrottleBackoff)
		commit.NextSegmentTime = &backoff
		commit.Status = progressStatus(newPos)
	case newPos >= total:
		commit.Status = s.finalStatus(campaign, total, failed)
	default:
		next := now.Add(s.config.SegmentInterval)
		commit.NextSegmentTime = &next
		commit.Status = progressStatus(newPos)
	}

	if err := s.store.CommitSegment(ctx, commit); err != nil {
		return SegmentOutcome{}, err
	}

	metrics.RecordSegmentRun(commit.Status)

	outcome := SegmentOutcome{Advanced: attempted > 0}
	if commit.NextSegmentTime != nil {
		outcome.NextRunAt = *commit.NextSegmentTime
	}

	s.logger.Info("segment processed",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("attempted", attempted),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
		zap.Bool("throttled", throttled),
		zap.Int("position", newPos),
		zap.Int("total", total),
		zap.String("status", commit.Status),
	)

	return outcome, nil
}

// finalize closes out a campaign whose cursor already reached the end
// (e.g. the finishing run crashed between commit and status update, or the
// campaign had no recipients).
func (s *Scheduler) finalize(ctx context.Context, campaign *db.Campaign, total int) (SegmentOutcome, error) {
	commit := db.SegmentCommit{
		CampaignID: campaign.ID,
		Status:     s.finalStatus(campaign, total, 0),
	}

	if err := s.store.CommitSegment(ctx, commit); err != nil {
		return SegmentOutcome{}, err
	}

	metrics.RecordSegmentRun(commit.Status)

	return SegmentOutcome{}, nil
}

// retrySegment records a dead segment run without advancing the cursor.
// After MaxRetries consecutive dead runs the campaign fails permanently and
// requires operator intervention.
func (s *Scheduler) retrySegment(ctx context.Context, campaign *db.Campaign, now time.Time) (SegmentOutcome, error) {
	retries := campaign.SegmentRetryCount + 1

	commit := db.SegmentCommit{
		CampaignID: campaign.ID,
		RetryCount: retries,
	}

	if retries >= s.config.MaxRetries {
		commit.Status = db.CampaignFailed
		s.logger.Error("campaign failed permanently after repeated dead segments",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int("retries", retries),
		)
	} else {
		next := now.Add(s.config.SegmentInterval)
		commit.NextSegmentTime = &next
		commit.Status = progressStatus(campaign.LastSegmentPosition)
		s.logger.Warn("segment run dead, will retry",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int("retries", retries),
			zap.Int("max_retries", s.config.MaxRetries),
		)
	}

	if err := s.store.CommitSegment(ctx, commit); err != nil {
		return SegmentOutcome{}, err
	}

	metrics.RecordSegmentRun(commit.Status)

	outcome := SegmentOutcome{}
	if commit.NextSegmentTime != nil {
		outcome.NextRunAt = *commit.NextSegmentTime
	}
	return outcome, nil
}

// finalStatus decides the terminal status once the cursor reaches the end:
// completed, unless permanently failed recipients exceed the error-rate
// threshold.
func (s *Scheduler) finalStatus(campaign *db.Campaign, total, newlyFailed int) string {
	if total <= 0 {
		return db.CampaignCompleted
	}
	failedTotal := campaign.FailedCount + newlyFailed
	if failedTotal*100/total >= s.config.ErrorRatePct {
		return db.CampaignFailed
	}
	return db.CampaignCompleted
}

// progressStatus is the non-terminal status for a given cursor position.
func progressStatus(position int) string {
	if position <= 0 {
		return db.CampaignPending
	}
	return db.CampaignSegmented
}
