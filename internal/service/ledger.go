// internal/service/ledger.go
package service

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
	"github.com/mailkite/mailkite-backend/internal/metrics"
	"github.com/mailkite/mailkite-backend/internal/model"
	"github.com/mailkite/mailkite-backend/internal/repository"
)

// Event kinds as they arrive from the provider, lowercased.
const (
	EventBounce    = "bounce"
	EventComplaint = "complaint"
	EventDelivery  = "delivery"
)

// statusForEvent maps a provider event kind to the delivery status it
// implies. Unrecognized kinds map to unknown so protocol drift is visible
// instead of silently dropped.
func statusForEvent(kind string) string {
	switch kind {
	case EventBounce:
		return model.DeliveryBounced
	case EventComplaint:
		return model.DeliveryComplained
	case EventDelivery:
		return model.DeliveryDelivered
	default:
		return model.DeliveryUnknown
	}
}

// DeliveryLedger is the authoritative per-recipient status store. The send
// path and the notification path both write here; every status change is a
// severity compare-and-set in the repository, and every applied event lands
// in the append-only history.
//
// Events that reference a provider message id with no record yet are held
// in the pending_events table: a notification ingested by the server can
// outrun the RecordSent write happening in the worker process. Buffered
// events replay when the record appears, from whichever process writes it,
// and expire after PendingTTL.
type DeliveryLedger struct {
	Repo       repository.DeliveryRepositoryInterface
	Log        zerolog.Logger
	PendingTTL time.Duration

	// OnChange is invoked with the campaign id after every ledger write so
	// campaign completion is re-evaluated without polling.
	OnChange func(campaignID int)
}

func NewDeliveryLedger(repo repository.DeliveryRepositoryInterface, log zerolog.Logger, pendingTTL time.Duration) *DeliveryLedger {
	if pendingTTL <= 0 {
		pendingTTL = 5 * time.Minute
	}
	return &DeliveryLedger{
		Repo:       repo,
		Log:        log,
		PendingTTL: pendingTTL,
	}
}

func (l *DeliveryLedger) notify(campaignID int) {
	if l.OnChange != nil {
		l.OnChange(campaignID)
	}
}

// RecordQueued upserts the queued row for a recipient. Idempotent per
// (campaign, recipient).
func (l *DeliveryLedger) RecordQueued(campaignID, tenantID int, email string) (*model.DeliveryRecord, error) {
	return l.Repo.CreateQueued(campaignID, tenantID, NormalizeAddress(email))
}

// RecordFor returns the record for a recipient, nil when absent.
func (l *DeliveryLedger) RecordFor(campaignID int, email string) (*model.DeliveryRecord, error) {
	return l.Repo.GetByRecipient(campaignID, NormalizeAddress(email))
}

// RecordSent marks the recipient's record sent with the provider message id
// and replays any notifications that arrived before the send finished.
func (l *DeliveryLedger) RecordSent(campaignID int, email, messageID string) error {
	moved, err := l.Repo.MarkSent(campaignID, NormalizeAddress(email), messageID)
	if err != nil {
		return err
	}
	if !moved {
		// Redelivered job whose first attempt already landed.
		l.Log.Debug().Int("campaign_id", campaignID).Str("recipient", email).
			Msg("sent record already present, skipping")
	}

	for _, ev := range l.takeBuffered(messageID) {
		if _, err := l.ApplyEvent(messageID, ev.EventType, ev.OccurredAt); err != nil {
			l.Log.Warn().Err(err).Str("provider_message_id", messageID).
				Str("event", ev.EventType).Msg("failed to replay buffered event")
		}
	}

	l.notify(campaignID)
	return nil
}

// RecordFailed marks the recipient's record failed. Failed records carry no
// provider message id, so notifications can never target them.
func (l *DeliveryLedger) RecordFailed(campaignID int, email, cause string) error {
	if _, err := l.Repo.MarkFailed(campaignID, NormalizeAddress(email), cause); err != nil {
		return err
	}
	l.notify(campaignID)
	return nil
}

// SkipRemaining marks every still-queued record for the campaign skipped.
func (l *DeliveryLedger) SkipRemaining(campaignID int) (int, error) {
	n, err := l.Repo.SkipQueuedForCampaign(campaignID)
	if err != nil {
		return 0, err
	}
	l.notify(campaignID)
	return n, nil
}

// ApplyEvent applies one provider notification to the ledger. Idempotent:
// re-delivery of an already recorded (record, kind) pair changes nothing.
// Returns the affected record, or nil when the event was buffered because
// no record exists yet.
func (l *DeliveryLedger) ApplyEvent(messageID, kind string, occurredAt time.Time) (*model.DeliveryRecord, error) {
	rec, err := l.Repo.GetByMessageID(messageID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		l.bufferEvent(messageID, kind, occurredAt)
		return nil, nil
	}

	inserted, err := l.Repo.InsertEventIfNew(rec.ID, messageID, kind, occurredAt)
	if err != nil {
		return rec, err
	}
	if !inserted {
		return rec, nil
	}

	status := statusForEvent(kind)
	severity, ok := model.StatusSeverity[status]
	if !ok {
		return rec, fmt.Errorf("no severity for status %s", status)
	}
	changed, err := l.Repo.UpdateStatusIfMoreSevere(rec.ID, status, severity, occurredAt)
	if err != nil {
		return rec, err
	}
	if changed {
		rec.Status = status
	}

	l.notify(rec.CampaignID)
	return rec, nil
}

// StatusFor reports the current status for a provider message id.
func (l *DeliveryLedger) StatusFor(messageID string) (string, error) {
	rec, err := l.Repo.GetByMessageID(messageID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", nil
	}
	return rec.Status, nil
}

// Aggregate returns counts for a campaign. "pending" is the number of
// records still queued; "sent" counts every record the provider accepted,
// including those that later received a notification.
func (l *DeliveryLedger) Aggregate(campaignID int) (map[string]int, error) {
	stats, err := l.Repo.Stats(campaignID)
	if err != nil {
		return nil, err
	}
	accepted := stats[model.DeliverySent] + stats[model.DeliveryDelivered] +
		stats[model.DeliveryBounced] + stats[model.DeliveryComplained] +
		stats[model.DeliveryUnknown]
	counts := map[string]int{
		"sent":       accepted,
		"delivered":  stats[model.DeliveryDelivered],
		"bounced":    stats[model.DeliveryBounced],
		"complained": stats[model.DeliveryComplained],
		"failed":     stats[model.DeliveryFailed],
		"skipped":    stats[model.DeliverySkipped],
		"unknown":    stats[model.DeliveryUnknown],
		"pending":    stats[model.DeliveryQueued],
	}
	return counts, nil
}

// DeliveryLog returns the campaign's delivery records for audit.
func (l *DeliveryLedger) DeliveryLog(campaignID int) ([]model.DeliveryRecord, error) {
	return l.Repo.ListByCampaign(campaignID)
}

// EventHistory returns the notification history for one delivery record,
// after checking the record belongs to the campaign.
func (l *DeliveryLedger) EventHistory(campaignID, recordID int) ([]model.DeliveryEvent, error) {
	records, err := l.Repo.ListByCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ID == recordID {
			return l.Repo.ListEvents(recordID)
		}
	}
	return nil, appErrors.NewValidation("record_id", "not part of this campaign")
}

func (l *DeliveryLedger) bufferEvent(messageID, kind string, occurredAt time.Time) {
	l.expireBuffered()
	inserted, err := l.Repo.BufferEvent(messageID, kind, occurredAt)
	if err != nil {
		l.Log.Error().Err(err).Str("provider_message_id", messageID).Str("event", kind).
			Msg("failed to buffer event")
		return
	}
	if inserted {
		metrics.IncOrphanEvents()
		l.Log.Info().Str("provider_message_id", messageID).Str("event", kind).
			Msg("buffered event for unknown message id")
	}
}

func (l *DeliveryLedger) takeBuffered(messageID string) []model.PendingEvent {
	l.expireBuffered()
	events, err := l.Repo.TakeBufferedEvents(messageID)
	if err != nil {
		l.Log.Error().Err(err).Str("provider_message_id", messageID).
			Msg("failed to read buffered events")
		return nil
	}
	return events
}

// expireBuffered drops buffered events past their TTL.
func (l *DeliveryLedger) expireBuffered() {
	n, err := l.Repo.ExpireBufferedEvents(time.Now().Add(-l.PendingTTL))
	if err != nil {
		l.Log.Error().Err(err).Msg("failed to expire buffered events")
		return
	}
	for i := 0; i < n; i++ {
		metrics.IncOrphanEventsExpired()
	}
	if n > 0 {
		l.Log.Warn().Int("expired", n).Msg("dropped buffered events, send records never arrived")
	}
}
