// internal/service/reconciler.go
package service

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
	"github.com/mailkite/mailkite-backend/internal/metrics"
	"github.com/mailkite/mailkite-backend/internal/model"
	"github.com/mailkite/mailkite-backend/internal/repository"
)

// NotificationPayload is the SES-shaped webhook body. Only the fields the
// reconciler reads are declared; everything else passes through untouched.
type NotificationPayload struct {
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string `json:"messageId"`
	} `json:"mail"`
	Bounce *struct {
		BounceType        string `json:"bounceType"`
		Timestamp         string `json:"timestamp"`
		BouncedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
		Timestamp             string `json:"timestamp"`
	} `json:"complaint"`
	Delivery *struct {
		Timestamp string `json:"timestamp"`
	} `json:"delivery"`
	Timestamp string `json:"timestamp"`
}

// NotificationReconciler ingests asynchronous provider notifications and
// applies them to the ledger. Duplicate webhook deliveries are absorbed by
// the ledger's idempotent transition policy, not re-checked here.
type NotificationReconciler struct {
	Ledger       *DeliveryLedger
	Suppressions *SuppressionIndex
	Subscribers  repository.SubscriberRepositoryInterface
	Log          zerolog.Logger
}

// Ingest validates and applies one notification payload. Malformed bodies
// come back as a validation error and mutate nothing; unknown message ids
// are buffered by the ledger and are not an error here.
func (r *NotificationReconciler) Ingest(body []byte) error {
	var payload NotificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return appErrors.NewValidation("payload", "not valid JSON")
	}
	if payload.Mail.MessageID == "" {
		return appErrors.NewValidation("mail.messageId", "missing")
	}

	kind := strings.ToLower(strings.TrimSpace(payload.NotificationType))
	if kind == "" {
		kind = "unknown"
	}
	occurredAt := r.occurredAt(&payload)
	metrics.IncNotification(kind)

	rec, err := r.Ledger.ApplyEvent(payload.Mail.MessageID, kind, occurredAt)
	if err != nil {
		return err
	}
	if rec == nil {
		// Orphan: the ledger buffered it. Nothing else to do.
		return nil
	}

	if reason := suppressionReason(&payload, kind); reason != "" {
		r.suppress(rec, reason)
	}
	return nil
}

// occurredAt prefers the sub-object timestamp, then the envelope timestamp,
// then now.
func (r *NotificationReconciler) occurredAt(p *NotificationPayload) time.Time {
	candidates := []string{}
	switch {
	case p.Bounce != nil:
		candidates = append(candidates, p.Bounce.Timestamp)
	case p.Complaint != nil:
		candidates = append(candidates, p.Complaint.Timestamp)
	case p.Delivery != nil:
		candidates = append(candidates, p.Delivery.Timestamp)
	}
	candidates = append(candidates, p.Timestamp)
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, c); err == nil {
			return t
		}
	}
	return time.Now()
}

// suppressionReason decides whether this notification should add the
// recipient to the suppression list: complaints always, bounces only when
// permanent.
func suppressionReason(p *NotificationPayload, kind string) string {
	switch kind {
	case EventComplaint:
		return model.SuppressionReasonComplaint
	case EventBounce:
		if p.Bounce != nil && strings.EqualFold(p.Bounce.BounceType, "Permanent") {
			return model.SuppressionReasonBounce
		}
	}
	return ""
}

func (r *NotificationReconciler) suppress(rec *model.DeliveryRecord, reason string) {
	if err := r.Suppressions.Add(rec.TenantID, rec.RecipientEmail, reason); err != nil {
		r.Log.Error().Err(err).Int("tenant_id", rec.TenantID).Str("recipient", rec.RecipientEmail).
			Msg("failed to add suppression")
		return
	}
	if err := r.Subscribers.MarkSuppressed(rec.TenantID, rec.RecipientEmail); err != nil {
		r.Log.Error().Err(err).Int("tenant_id", rec.TenantID).Str("recipient", rec.RecipientEmail).
			Msg("failed to mark subscriber suppressed")
	}
	r.Log.Info().Int("tenant_id", rec.TenantID).Str("recipient", rec.RecipientEmail).
		Str("reason", reason).Msg("recipient suppressed")
}
