// internal/model/delivery.go
package model

import "time"

// Delivery record statuses. "Current status" only ever advances through the
// severity lattice below; the full event history lives in delivery_events.
const (
	DeliveryQueued     = "queued"
	DeliverySent       = "sent"
	DeliveryDelivered  = "delivered"
	DeliveryBounced    = "bounced"
	DeliveryComplained = "complained"
	DeliveryFailed     = "failed"
	DeliverySkipped    = "skipped"
	DeliveryUnknown    = "unknown"
)

// StatusSeverity orders delivery statuses for compare-and-set updates.
// A provider event only overwrites the current status when its severity is
// strictly higher, so out-of-order notifications never downgrade a record.
var StatusSeverity = map[string]int{
	DeliveryQueued:     0,
	DeliverySent:       1,
	DeliveryDelivered:  2,
	DeliveryUnknown:    2,
	DeliveryBounced:    3,
	DeliveryComplained: 4,
}

// DeliveryRecord is the authoritative per-recipient status row, keyed by
// (campaign_id, recipient_email) at creation and joined to provider
// notifications through provider_message_id once the send is accepted.
type DeliveryRecord struct {
	ID                int       `db:"id" json:"id"`
	CampaignID        int       `db:"campaign_id" json:"campaign_id"`
	TenantID          int       `db:"tenant_id" json:"tenant_id"`
	RecipientEmail    string    `db:"recipient_email" json:"recipient_email"`
	ProviderMessageID string    `db:"provider_message_id" json:"provider_message_id,omitempty"`
	Status            string    `db:"status" json:"status"`
	LastError         string    `db:"last_error" json:"last_error,omitempty"`
	FirstSeenAt       time.Time `db:"first_seen_at" json:"first_seen_at"`
	LastUpdatedAt     time.Time `db:"last_updated_at" json:"last_updated_at"`
}

// DeliveryEvent is one row of the append-only notification history.
type DeliveryEvent struct {
	ID                int       `db:"id" json:"id"`
	RecordID          int       `db:"record_id" json:"record_id"`
	ProviderMessageID string    `db:"provider_message_id" json:"provider_message_id"`
	EventType         string    `db:"event_type" json:"event_type"`
	OccurredAt        time.Time `db:"occurred_at" json:"occurred_at"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// PendingEvent is a provider notification buffered because no delivery
// record carries its message id yet. Rows live in the shared database so a
// notification ingested by the server replays when the worker writes the
// sent record.
type PendingEvent struct {
	ID                int       `db:"id" json:"id"`
	ProviderMessageID string    `db:"provider_message_id" json:"provider_message_id"`
	EventType         string    `db:"event_type" json:"event_type"`
	OccurredAt        time.Time `db:"occurred_at" json:"occurred_at"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// DispatchJob is the unit of work carried by the queue. Transient: owned by
// the queue until acked. AttemptCount counts deliveries of this job to a
// worker, not provider-side attempts.
type DispatchJob struct {
	CampaignID   int               `json:"campaign_id"`
	TenantID     int               `json:"tenant_id"`
	Recipient    RecipientSnapshot `json:"recipient"`
	Subject      string            `json:"subject"`
	Body         string            `json:"body"`
	AttemptCount int               `json:"attempt_count"`
}
