package repository

import (
	"database/sql"
	"time"

	"github.com/mailkite/mailkite-backend/internal/model"
)

// DeliveryRepositoryInterface persists delivery records and their
// append-only event history. Every mutation is an atomic conditional
// update; no caller does read-modify-write, because the worker pool and the
// reconciliation path write concurrently with no shared lock.
type DeliveryRepositoryInterface interface {
	CreateQueued(campaignID, tenantID int, email string) (*model.DeliveryRecord, error)
	GetByMessageID(messageID string) (*model.DeliveryRecord, error)
	GetByRecipient(campaignID int, email string) (*model.DeliveryRecord, error)
	// MarkSent moves a queued record to sent and attaches the provider
	// message id. Returns false when the record was not in queued, which is
	// how a redelivered job that already succeeded becomes a no-op.
	MarkSent(campaignID int, email, messageID string) (bool, error)
	MarkFailed(campaignID int, email, lastError string) (bool, error)
	// SkipQueuedForCampaign marks every still-queued record skipped.
	// Used by cooperative cancellation.
	SkipQueuedForCampaign(campaignID int) (int, error)
	// UpdateStatusIfMoreSevere is the severity compare-and-set: the current
	// status only changes when the stored rank is strictly lower.
	UpdateStatusIfMoreSevere(recordID int, status string, severity int, occurredAt time.Time) (bool, error)
	// InsertEventIfNew appends to the event history, deduplicating on
	// (record_id, event_type) so identical re-delivery is a no-op.
	InsertEventIfNew(recordID int, messageID, eventType string, occurredAt time.Time) (bool, error)
	ListByCampaign(campaignID int) ([]model.DeliveryRecord, error)
	ListEvents(recordID int) ([]model.DeliveryEvent, error)
	Stats(campaignID int) (map[string]int, error)
	// BufferEvent stores a notification whose message id has no record yet.
	// The buffer is shared between the server and worker processes.
	// Deduplicated on (provider_message_id, event_type).
	BufferEvent(messageID, eventType string, occurredAt time.Time) (bool, error)
	// TakeBufferedEvents removes and returns the buffered events for a
	// message id, in arrival order.
	TakeBufferedEvents(messageID string) ([]model.PendingEvent, error)
	// ExpireBufferedEvents drops buffered events older than the cutoff and
	// reports how many were dropped.
	ExpireBufferedEvents(before time.Time) (int, error)
}

type DeliveryRepository struct {
	DB *sql.DB
}

const deliveryColumns = `id, campaign_id, tenant_id, recipient_email, COALESCE(provider_message_id, ''), status, COALESCE(last_error, ''), first_seen_at, last_updated_at`

func scanDelivery(row interface{ Scan(...interface{}) error }) (*model.DeliveryRecord, error) {
	var rec model.DeliveryRecord
	err := row.Scan(
		&rec.ID, &rec.CampaignID, &rec.TenantID, &rec.RecipientEmail,
		&rec.ProviderMessageID, &rec.Status, &rec.LastError,
		&rec.FirstSeenAt, &rec.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateQueued inserts a queued record for the recipient, or returns the
// existing one. The unique index on (campaign_id, recipient_email) makes
// duplicate job delivery harmless.
func (r *DeliveryRepository) CreateQueued(campaignID, tenantID int, email string) (*model.DeliveryRecord, error) {
	query := `
        INSERT INTO delivery_records (campaign_id, tenant_id, recipient_email, status, severity, first_seen_at, last_updated_at)
        VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
        ON CONFLICT (campaign_id, recipient_email) DO NOTHING
    `
	if _, err := r.DB.Exec(query, campaignID, tenantID, email, model.DeliveryQueued, model.StatusSeverity[model.DeliveryQueued]); err != nil {
		return nil, err
	}
	return r.GetByRecipient(campaignID, email)
}

func (r *DeliveryRepository) GetByMessageID(messageID string) (*model.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE provider_message_id=$1`
	rec, err := scanDelivery(r.DB.QueryRow(query, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (r *DeliveryRepository) GetByRecipient(campaignID int, email string) (*model.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE campaign_id=$1 AND recipient_email=$2`
	rec, err := scanDelivery(r.DB.QueryRow(query, campaignID, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (r *DeliveryRepository) MarkSent(campaignID int, email, messageID string) (bool, error) {
	query := `
        UPDATE delivery_records
        SET status=$1, severity=$2, provider_message_id=$3, last_updated_at=NOW()
        WHERE campaign_id=$4 AND recipient_email=$5 AND status=$6
    `
	res, err := r.DB.Exec(query, model.DeliverySent, model.StatusSeverity[model.DeliverySent], messageID, campaignID, email, model.DeliveryQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DeliveryRepository) MarkFailed(campaignID int, email, lastError string) (bool, error) {
	query := `
        UPDATE delivery_records
        SET status=$1, last_error=$2, last_updated_at=NOW()
        WHERE campaign_id=$3 AND recipient_email=$4 AND status=$5
    `
	res, err := r.DB.Exec(query, model.DeliveryFailed, lastError, campaignID, email, model.DeliveryQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DeliveryRepository) SkipQueuedForCampaign(campaignID int) (int, error) {
	query := `
        UPDATE delivery_records
        SET status=$1, last_updated_at=NOW()
        WHERE campaign_id=$2 AND status=$3
    `
	res, err := r.DB.Exec(query, model.DeliverySkipped, campaignID, model.DeliveryQueued)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *DeliveryRepository) UpdateStatusIfMoreSevere(recordID int, status string, severity int, occurredAt time.Time) (bool, error) {
	query := `
        UPDATE delivery_records
        SET status=$1, severity=$2, last_updated_at=$3
        WHERE id=$4 AND severity < $2
    `
	res, err := r.DB.Exec(query, status, severity, occurredAt, recordID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DeliveryRepository) InsertEventIfNew(recordID int, messageID, eventType string, occurredAt time.Time) (bool, error) {
	query := `
        INSERT INTO delivery_events (record_id, provider_message_id, event_type, occurred_at, created_at)
        VALUES ($1, $2, $3, $4, NOW())
        ON CONFLICT (record_id, event_type) DO NOTHING
    `
	res, err := r.DB.Exec(query, recordID, messageID, eventType, occurredAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DeliveryRepository) ListByCampaign(campaignID int) ([]model.DeliveryRecord, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_records WHERE campaign_id=$1 ORDER BY id`
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []model.DeliveryRecord{}
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (r *DeliveryRepository) ListEvents(recordID int) ([]model.DeliveryEvent, error) {
	query := `
        SELECT id, record_id, provider_message_id, event_type, occurred_at, created_at
        FROM delivery_events
        WHERE record_id=$1
        ORDER BY id
    `
	rows, err := r.DB.Query(query, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.DeliveryEvent{}
	for rows.Next() {
		var ev model.DeliveryEvent
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.ProviderMessageID, &ev.EventType, &ev.OccurredAt, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *DeliveryRepository) Stats(campaignID int) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM delivery_records WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.Query(query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{
		model.DeliveryQueued:     0,
		model.DeliverySent:       0,
		model.DeliveryDelivered:  0,
		model.DeliveryBounced:    0,
		model.DeliveryComplained: 0,
		model.DeliveryFailed:     0,
		model.DeliverySkipped:    0,
		model.DeliveryUnknown:    0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (r *DeliveryRepository) BufferEvent(messageID, eventType string, occurredAt time.Time) (bool, error) {
	query := `
        INSERT INTO pending_events (provider_message_id, event_type, occurred_at, created_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (provider_message_id, event_type) DO NOTHING
    `
	res, err := r.DB.Exec(query, messageID, eventType, occurredAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *DeliveryRepository) TakeBufferedEvents(messageID string) ([]model.PendingEvent, error) {
	query := `
        DELETE FROM pending_events
        WHERE provider_message_id=$1
        RETURNING id, provider_message_id, event_type, occurred_at, created_at
    `
	rows, err := r.DB.Query(query, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.PendingEvent{}
	for rows.Next() {
		var ev model.PendingEvent
		if err := rows.Scan(&ev.ID, &ev.ProviderMessageID, &ev.EventType, &ev.OccurredAt, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *DeliveryRepository) ExpireBufferedEvents(before time.Time) (int, error) {
	res, err := r.DB.Exec(`DELETE FROM pending_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ DeliveryRepositoryInterface = (*DeliveryRepository)(nil)
