// Package sesevent parses the double-enveloped delivery notifications SES
// publishes through SNS into an SQS queue: the SQS body is an SNS envelope
// whose Message field is a string-encoded SES notification payload.
package sesevent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pedroitan/bulkemail-sub001/internal/db"
	"github.com/pedroitan/bulkemail-sub001/internal/ratelimit"
)

// Notification types SES emits.
const (
	TypeBounce        = "Bounce"
	TypeComplaint     = "Complaint"
	TypeDelivery      = "Delivery"
	TypeDeliveryDelay = "DeliveryDelay"
	TypeSend          = "Send"
)

// snsEnvelope is the outer SNS transport wrapper.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	TopicARN  string `json:"TopicArn"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp"`
}

// Mail is the common mail sub-object present on every notification.
type Mail struct {
	MessageID   string    `json:"messageId"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Destination []string  `json:"destination"`
}

type BouncedRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Action         string `json:"action,omitempty"`
	Status         string `json:"status,omitempty"`
	DiagnosticCode string `json:"diagnosticCode,omitempty"`
}

type Bounce struct {
	BounceType        string             `json:"bounceType"`
	BounceSubType     string             `json:"bounceSubType"`
	BouncedRecipients []BouncedRecipient `json:"bouncedRecipients"`
	Timestamp         time.Time          `json:"timestamp"`
}

type ComplainedRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

type Complaint struct {
	ComplainedRecipients  []ComplainedRecipient `json:"complainedRecipients"`
	ComplaintFeedbackType string                `json:"complaintFeedbackType,omitempty"`
	Timestamp             time.Time             `json:"timestamp"`
}

type Delivery struct {
	Recipients []string  `json:"recipients"`
	Timestamp  time.Time `json:"timestamp"`
}

type DelayedRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Status         string `json:"status,omitempty"`
	DiagnosticCode string `json:"diagnosticCode,omitempty"`
}

type DeliveryDelay struct {
	DelayType         string             `json:"delayType"`
	DelayedRecipients []DelayedRecipient `json:"delayedRecipients"`
	ExpirationTime    time.Time          `json:"expirationTime,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
}

// Notification is the unwrapped SES delivery event.
type Notification struct {
	Type          string         `json:"notificationType"`
	Mail          Mail           `json:"mail"`
	Bounce        *Bounce        `json:"bounce,omitempty"`
	Complaint     *Complaint     `json:"complaint,omitempty"`
	Delivery      *Delivery      `json:"delivery,omitempty"`
	DeliveryDelay *DeliveryDelay `json:"deliveryDelay,omitempty"`
}

// Parse unwraps a raw queue message body. Bodies published through SNS are
// double-encoded (SNS envelope with a string Message); bodies published
// directly to the queue (replay tool, raw message delivery) are the
// notification itself. Either layer failing to parse is a recoverable
// condition for the caller, not fatal.
func Parse(body []byte) (*Notification, error) {
	payload := body

	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		payload = []byte(env.Message)
	}

	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("parse notification payload: %w", err)
	}

	if n.Type == "" {
		return nil, fmt.Errorf("notification missing notificationType")
	}

	if n.Mail.MessageID == "" {
		return nil, fmt.Errorf("%s notification missing mail.messageId", n.Type)
	}

	return &n, nil
}

// Known reports whether the notification type is one this service can
// reconcile. Unknown types are acknowledged and dropped since retrying
// cannot make them reconcilable.
func (n *Notification) Known() bool {
	switch n.Type {
	case TypeBounce, TypeComplaint, TypeDelivery, TypeDeliveryDelay, TypeSend:
		return true
	}
	return false
}

// Class maps the notification type to a rate-limiter class. Bounce and
// complaint affect sender reputation and suppression and must not be
// throttled away under burst load.
func (n *Notification) Class() ratelimit.Class {
	switch n.Type {
	case TypeBounce, TypeComplaint:
		return ratelimit.ClassCritical
	default:
		return ratelimit.ClassInformational
	}
}

// DedupeKey is the idempotency key for at-least-once queue delivery:
// reprocessing the same (provider message id, type) pair must not
// double-count.
func (n *Notification) DedupeKey() string {
	return n.Mail.MessageID + ":" + strings.ToLower(n.Type)
}

// RecipientStatus returns the recipient status this notification maps to.
// ok is false for Send events, which confirm submission but change nothing.
func (n *Notification) RecipientStatus() (status string, ok bool) {
	switch n.Type {
	case TypeBounce:
		return db.RecipientBounced, true
	case TypeComplaint:
		return db.RecipientComplained, true
	case TypeDelivery:
		return db.RecipientDelivered, true
	case TypeDeliveryDelay:
		return db.RecipientDelayed, true
	default:
		return "", false
	}
}

// Delay returns the delay metadata for DeliveryDelay notifications.
func (n *Notification) Delay() (delayType *string, delayTime *time.Time) {
	if n.Type != TypeDeliveryDelay || n.DeliveryDelay == nil {
		return nil, nil
	}
	dt := n.DeliveryDelay.DelayType
	ts := n.DeliveryDelay.Timestamp
	return &dt, &ts
}
