package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pedroitan/bulkemail-sub001/internal/db"
	"github.com/pedroitan/bulkemail-sub001/internal/ratelimit"
	"github.com/pedroitan/bulkemail-sub001/internal/sqs"
)

type fakeQueue struct {
	mu         sync.Mutex
	messages   []sqs.Message
	deleted    map[string]bool
	visibility map[string]int32
}

func newFakeQueue(bodies ...string) *fakeQueue {
	q := &fakeQueue{
		deleted:    make(map[string]bool),
		visibility: make(map[string]int32),
	}
	for _, body := range bodies {
		q.messages = append(q.messages, sqs.Message{
			MessageID:     uuid.NewString(),
			Body:          body,
			ReceiptHandle: "receipt-" + uuid.NewString(),
		})
	}
	return q
}

func (q *fakeQueue) Receive(_ context.Context, max int) ([]sqs.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []sqs.Message
	for _, msg := range q.messages {
		if q.deleted[msg.ReceiptHandle] {
			continue
		}
		out = append(out, msg)
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (q *fakeQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted[receiptHandle] = true
	return nil
}

func (q *fakeQueue) ChangeVisibility(_ context.Context, receiptHandle string, seconds int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibility[receiptHandle] = seconds
	return nil
}

func (q *fakeQueue) remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, msg := range q.messages {
		if !q.deleted[msg.ReceiptHandle] {
			n++
		}
	}
	return n
}

type fakePipelineStore struct {
	mu         sync.Mutex
	recipients map[string]*db.Recipient // keyed by provider message id
	applyErr   error
	applyCalls int
	findCalls  int
}

func newFakePipelineStore() *fakePipelineStore {
	return &fakePipelineStore{recipients: make(map[string]*db.Recipient)}
}

func (s *fakePipelineStore) addRecipient(providerMessageID, status string) *db.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgID := providerMessageID
	rcpt := &db.Recipient{
		ID:                int64(len(s.recipients) + 1),
		CampaignID:        uuid.New(),
		Email:             "user@example.com",
		Status:            status,
		ProviderMessageID: &msgID,
	}
	s.recipients[providerMessageID] = rcpt
	return rcpt
}

func (s *fakePipelineStore) FindRecipientByProviderMessageID(_ context.Context, providerMessageID string) (*db.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.findCalls++
	rcpt, ok := s.recipients[providerMessageID]
	if !ok {
		return nil, nil
	}
	copied := *rcpt
	return &copied, nil
}

func (s *fakePipelineStore) ApplyRecipientEvent(_ context.Context, recipientID int64, toStatus string, delayType *string, delayTime *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyCalls++
	if s.applyErr != nil {
		return false, s.applyErr
	}

	for _, rcpt := range s.recipients {
		if rcpt.ID != recipientID {
			continue
		}
		if !db.CanTransitionRecipient(rcpt.Status, toStatus) {
			return false, nil
		}
		rcpt.Status = toStatus
		rcpt.DelayType = delayType
		rcpt.DelayTime = delayTime
		return true, nil
	}
	return false, errors.New("recipient not found")
}

func (s *fakePipelineStore) status(providerMessageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rcpt, ok := s.recipients[providerMessageID]; ok {
		return rcpt.Status
	}
	return ""
}

// snsBody wraps an SES notification in the SNS envelope the queue carries.
func snsBody(t *testing.T, notification map[string]any) string {
	t.Helper()

	inner, err := json.Marshal(notification)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	outer, err := json.Marshal(map[string]any{
		"Type":      "Notification",
		"MessageId": uuid.NewString(),
		"TopicArn":  "arn:aws:sns:us-east-1:123456789012:ses-events",
		"Message":   string(inner),
		"Timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(outer)
}

func deliveryBody(t *testing.T, providerMessageID string) string {
	return snsBody(t, map[string]any{
		"notificationType": "Delivery",
		"mail": map[string]any{
			"messageId": providerMessageID,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		"delivery": map[string]any{
			"recipients": []string{"user@example.com"},
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func bounceBody(t *testing.T, providerMessageID string) string {
	return snsBody(t, map[string]any{
		"notificationType": "Bounce",
		"mail":             map[string]any{"messageId": providerMessageID},
		"bounce": map[string]any{
			"bounceType":        "Permanent",
			"bounceSubType":     "General",
			"bouncedRecipients": []map[string]any{{"emailAddress": "user@example.com"}},
		},
	})
}

func pipelineLimiter() *ratelimit.Limiter {
	return ratelimit.New(map[ratelimit.Class]ratelimit.BucketConfig{
		ratelimit.ClassCritical:      {Capacity: 1000, RefillPerSec: 1000},
		ratelimit.ClassInformational: {Capacity: 1000, RefillPerSec: 1000},
	}, zap.NewNop())
}

func newTestPipeline(queue Queue, store PipelineStore, limiter *ratelimit.Limiter) *Pipeline {
	return NewPipeline(queue, store, NewMemoryDeduper(1000), limiter, PipelineConfig{
		BatchSize:      10,
		AcquireMaxWait: 20 * time.Millisecond,
		StoreRetryMax:  2,
		StoreRetryWait: 5 * time.Millisecond,
	}, zap.NewNop())
}

func TestPipeline_AppliesDeliveryAndDeletesMessage(t *testing.T) {
	store := newFakePipelineStore()
	store.addRecipient("msg-1", db.RecipientSent)
	queue := newFakeQueue(deliveryBody(t, "msg-1"))

	p := newTestPipeline(queue, store, pipelineLimiter())

	stats, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Processed != 1 || stats.Deleted != 1 {
		t.Errorf("expected 1 processed / 1 deleted, got %d / %d", stats.Processed, stats.Deleted)
	}
	if got := store.status("msg-1"); got != db.RecipientDelivered {
		t.Errorf("expected delivered, got %s", got)
	}
	if queue.remaining() != 0 {
		t.Error("message should be deleted after commit")
	}
}

func TestPipeline_DuplicateEventAppliesOnce(t *testing.T) {
	store := newFakePipelineStore()
	store.addRecipient("msg-1", db.RecipientSent)
	queue := newFakeQueue(deliveryBody(t, "msg-1"), deliveryBody(t, "msg-1"))

	p := newTestPipeline(queue, store, pipelineLimiter())

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.applyCalls != 1 {
		t.Errorf("duplicate event must not hit the store, apply calls %d", store.applyCalls)
	}
	if queue.remaining() != 0 {
		t.Error("both copies should be deleted")
	}
}

func TestPipeline_BounceOverridesLaterDelivery(t *testing.T) {
	store := newFakePipelineStore()
	store.addRecipient("msg-1", db.RecipientBounced)
	queue := newFakeQueue(deliveryBody(t, "msg-1"))

	p := newTestPipeline(queue, store, pipelineLimiter())

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.status("msg-1"); got != db.RecipientBounced {
		t.Errorf("bounced recipient must stay bounced, got %s", got)
	}
	if queue.remaining() != 0 {
		t.Error("ignored event should still be acknowledged")
	}
}

func TestPipeline_UnknownTypeDiscarded(t *testing.T) {
	store := newFakePipelineStore()
	body := snsBody(t, map[string]any{
		"notificationType": "Click",
		"mail":             map[string]any{"messageId": "msg-1"},
	})
	queue := newFakeQueue(body)

	p := newTestPipeline(queue, store, pipelineLimiter())

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.findCalls != 0 {
		t.Error("unknown type should never reach the store")
	}
	if queue.remaining() != 0 {
		t.Error("unknown type should be deleted")
	}
}

func TestPipeline_MalformedBodyLeftForRedelivery(t *testing.T) {
	store := newFakePipelineStore()
	queue := newFakeQueue("{not json")

	p := newTestPipeline(queue, store, pipelineLimiter())

	stats, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Errors != 1 {
		t.Errorf("expected 1 error, got %d", stats.Errors)
	}
	if queue.remaining() != 1 {
		t.Error("malformed message must stay on the queue")
	}
}

func TestPipeline_OrphanedEventDiscarded(t *testing.T) {
	store := newFakePipelineStore()
	queue := newFakeQueue(deliveryBody(t, "msg-unknown"))

	p := newTestPipeline(queue, store, pipelineLimiter())

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.applyCalls != 0 {
		t.Error("orphaned event must not mutate the store")
	}
	if queue.remaining() != 0 {
		t.Error("orphaned event should be deleted to keep the queue moving")
	}
}

func TestPipeline_SendEventAcknowledgedWithoutMutation(t *testing.T) {
	store := newFakePipelineStore()
	store.addRecipient("msg-1", db.RecipientSent)
	body := snsBody(t, map[string]any{
		"notificationType": "Send",
		"mail":             map[string]any{"messageId": "msg-1"},
	})
	queue := newFakeQueue(body)

	p := newTestPipeline(queue, store, pipelineLimiter())

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.applyCalls != 0 {
		t.Error("Send events must not mutate recipient state")
	}
	if got := store.status("msg-1"); got != db.RecipientSent {
		t.Errorf("recipient should stay sent, got %s", got)
	}
	if queue.remaining() != 0 {
		t.Error("Send event should be acknowledged")
	}
}

func TestPipeline_StoreFailureLeavesMessageAndReleasesDedupe(t *testing.T) {
	store := newFakePipelineStore()
	store.addRecipient("msg-1", db.RecipientSent)
	store.applyErr = errors.New("connection reset")
	queue := newFakeQueue(deliveryBody(t, "msg-1"))

	p := newTestPipeline(queue, store, pipelineLimiter())

	stats, err := p.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Errors != 1 {
		t.Errorf("expected 1 error, got %d", stats.Errors)
	}
	if queue.remaining() != 1 {
		t.Error("message must stay on the queue after store failure")
	}
	if store.applyCalls != 2 {
		t.Errorf("expected bounded retries, apply calls %d", store.applyCalls)
	}

	// The dedupe reservation must be released so redelivery can succeed.
	store.mu.Lock()
	store.applyErr = nil
	store.mu.Unlock()

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.status("msg-1"); got != db.RecipientDelivered {
		t.Errorf("redelivery should apply after recovery, got %s", got)
	}
}

func TestPipeline_CriticalEventSurvivesInformationalThrottle(t *testing.T) {
	store := newFakePipelineStore()
	store.addRecipient("msg-1", db.RecipientSent)
	store.addRecipient("msg-2", db.RecipientSent)

	queue := newFakeQueue(deliveryBody(t, "msg-1"), bounceBody(t, "msg-2"))

	// Informational bucket is empty; the critical bucket has headroom.
	limiter := ratelimit.New(map[ratelimit.Class]ratelimit.BucketConfig{
		ratelimit.ClassCritical:      {Capacity: 10, RefillPerSec: 10},
		ratelimit.ClassInformational: {Capacity: 0, RefillPerSec: 0},
	}, zap.NewNop())

	p := newTestPipeline(queue, store, limiter)

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.status("msg-2"); got != db.RecipientBounced {
		t.Errorf("bounce should be applied despite informational throttle, got %s", got)
	}
	if got := store.status("msg-1"); got != db.RecipientSent {
		t.Errorf("throttled delivery must stay unapplied, got %s", got)
	}
	if queue.remaining() != 1 {
		t.Error("throttled delivery message should stay on the queue")
	}

	// The throttled message's visibility is shortened so it redelivers
	// promptly instead of waiting out the reconciliation timeout.
	queue.mu.Lock()
	vis, ok := queue.visibility[queue.messages[0].ReceiptHandle]
	queue.mu.Unlock()
	if !ok || vis != 5 {
		t.Errorf("throttled message should have shortened visibility, got %d (set=%v)", vis, ok)
	}
}

func TestPipeline_DeliveryDelaySetsDelayMetadata(t *testing.T) {
	store := newFakePipelineStore()
	store.addRecipient("msg-1", db.RecipientSent)

	body := snsBody(t, map[string]any{
		"notificationType": "DeliveryDelay",
		"mail":             map[string]any{"messageId": "msg-1"},
		"deliveryDelay": map[string]any{
			"delayType": "MailboxFull",
			"delayedRecipients": []map[string]any{
				{"emailAddress": "user@example.com"},
			},
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
	queue := newFakeQueue(body)

	p := newTestPipeline(queue, store, pipelineLimiter())

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.status("msg-1"); got != db.RecipientDelayed {
		t.Errorf("expected delayed, got %s", got)
	}

	store.mu.Lock()
	rcpt := store.recipients["msg-1"]
	store.mu.Unlock()

	if rcpt.DelayType == nil || *rcpt.DelayType != "MailboxFull" {
		t.Error("delay type should be recorded")
	}
}

func TestPipeline_DelayedRecipientCanStillDeliver(t *testing.T) {
	store := newFakePipelineStore()
	store.addRecipient("msg-1", db.RecipientDelayed)
	queue := newFakeQueue(deliveryBody(t, "msg-1"))

	p := newTestPipeline(queue, store, pipelineLimiter())

	if _, err := p.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.status("msg-1"); got != db.RecipientDelivered {
		t.Errorf("delayed recipient should accept a later delivery, got %s", got)
	}
}

func TestMemoryDeduper_ReserveCommitRelease(t *testing.T) {
	d := NewMemoryDeduper(100)
	ctx := context.Background()

	ok, err := d.Reserve(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("first reserve should succeed, ok=%v err=%v", ok, err)
	}

	ok, _ = d.Reserve(ctx, "k1")
	if ok {
		t.Error("in-flight key must not be reservable")
	}

	if err := d.Commit(ctx, "k1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	ok, _ = d.Reserve(ctx, "k1")
	if ok {
		t.Error("committed key must not be reservable")
	}

	ok, _ = d.Reserve(ctx, "k2")
	if !ok {
		t.Fatal("reserve k2")
	}
	if err := d.Release(ctx, "k2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = d.Reserve(ctx, "k2")
	if !ok {
		t.Error("released key should be reservable again")
	}
}

func TestMemoryDeduper_EvictsOldestDoneKeys(t *testing.T) {
	d := NewMemoryDeduper(2)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if ok, _ := d.Reserve(ctx, key); !ok {
			t.Fatalf("reserve %s", key)
		}
		if err := d.Commit(ctx, key); err != nil {
			t.Fatalf("commit %s: %v", key, err)
		}
	}

	// "a" was evicted, so it is reservable again; "c" is still done.
	if ok, _ := d.Reserve(ctx, "a"); !ok {
		t.Error("evicted key should be reservable")
	}
	if ok, _ := d.Reserve(ctx, "c"); ok {
		t.Error("recent key should still be deduplicated")
	}
}
