package repository

import (
	"database/sql"

	"github.com/mailkite/mailkite-backend/internal/model"
)

// SubscriberRepositoryInterface defines methods used by the selector and the
// reconciler's auto-suppression path.
type SubscriberRepositoryInterface interface {
	GetByID(id int) (*model.Subscriber, error)
	ListActive(tenantID int) ([]model.Subscriber, error)
	MarkSuppressed(tenantID int, email string) error
}

// SubscriberRepository is the concrete implementation
type SubscriberRepository struct {
	DB *sql.DB
}

// GetByID fetches a subscriber by ID
func (r *SubscriberRepository) GetByID(id int) (*model.Subscriber, error) {
	query := `
        SELECT id, tenant_id, email, first_name, last_name, status, created_at
        FROM subscribers
        WHERE id = $1
    `
	row := r.DB.QueryRow(query, id)

	var s model.Subscriber
	if err := row.Scan(&s.ID, &s.TenantID, &s.Email, &s.FirstName, &s.LastName, &s.Status, &s.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // not found
		}
		return nil, err
	}
	return &s, nil
}

// ListActive fetches every active subscriber for a tenant.
func (r *SubscriberRepository) ListActive(tenantID int) ([]model.Subscriber, error) {
	query := `
        SELECT id, tenant_id, email, first_name, last_name, status, created_at
        FROM subscribers
        WHERE tenant_id = $1 AND status = $2
    `
	rows, err := r.DB.Query(query, tenantID, model.SubscriberActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subscribers := []model.Subscriber{}
	for rows.Next() {
		var s model.Subscriber
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Email, &s.FirstName, &s.LastName, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		subscribers = append(subscribers, s)
	}
	return subscribers, rows.Err()
}

// MarkSuppressed flips a subscriber to suppressed after a bounce/complaint.
func (r *SubscriberRepository) MarkSuppressed(tenantID int, email string) error {
	query := `UPDATE subscribers SET status=$1 WHERE tenant_id=$2 AND email=$3`
	_, err := r.DB.Exec(query, model.SubscriberSuppressed, tenantID, email)
	return err
}

var _ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
