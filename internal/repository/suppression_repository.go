package repository

import (
	"database/sql"
	"time"

	"github.com/mailkite/mailkite-backend/internal/model"
)

// SuppressionRepositoryInterface is the persisted set behind the
// SuppressionIndex. Exists must stay a point lookup; the table carries a
// unique index on (tenant_id, email).
type SuppressionRepositoryInterface interface {
	Exists(tenantID int, email string) (bool, error)
	Insert(entry *model.SuppressionEntry) error
	Delete(tenantID int, email string) error
	ListByTenant(tenantID int) ([]model.SuppressionEntry, error)
}

type SuppressionRepository struct {
	DB *sql.DB
}

func (r *SuppressionRepository) Exists(tenantID int, email string) (bool, error) {
	query := `
        SELECT 1 FROM suppressed_emails
        WHERE tenant_id = $1 AND email = $2
        LIMIT 1
    `
	var tmp int
	err := r.DB.QueryRow(query, tenantID, email).Scan(&tmp)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Insert is idempotent: re-adding an already suppressed address is a no-op.
func (r *SuppressionRepository) Insert(entry *model.SuppressionEntry) error {
	entry.CreatedAt = time.Now()
	query := `
        INSERT INTO suppressed_emails (tenant_id, email, reason, created_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (tenant_id, email) DO NOTHING
    `
	_, err := r.DB.Exec(query, entry.TenantID, entry.Email, entry.Reason, entry.CreatedAt)
	return err
}

func (r *SuppressionRepository) Delete(tenantID int, email string) error {
	query := `DELETE FROM suppressed_emails WHERE tenant_id=$1 AND email=$2`
	_, err := r.DB.Exec(query, tenantID, email)
	return err
}

func (r *SuppressionRepository) ListByTenant(tenantID int) ([]model.SuppressionEntry, error) {
	query := `
        SELECT id, tenant_id, email, reason, created_at
        FROM suppressed_emails
        WHERE tenant_id = $1
        ORDER BY created_at DESC
    `
	rows, err := r.DB.Query(query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.SuppressionEntry{}
	for rows.Next() {
		var e model.SuppressionEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Email, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ SuppressionRepositoryInterface = (*SuppressionRepository)(nil)
