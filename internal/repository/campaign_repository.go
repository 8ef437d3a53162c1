package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
	"github.com/mailkite/mailkite-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(c *model.Campaign) error
	GetByID(id int) (*model.Campaign, error)
	ListCampaigns(offset, limit int, tenantID int, status string) ([]*model.Campaign, int, error)
	ListDue(now time.Time) ([]*model.Campaign, error)
	UpdateStatus(campaignID int, status string) error
	// TransitionStatus moves the campaign to the target status only when its
	// current status is one of from. Returns false when the guard did not
	// match, which is how concurrent dispatch triggers collapse to one.
	TransitionStatus(campaignID int, to string, from ...string) (bool, error)
	UpdateSchedule(campaignID int, scheduledAt *time.Time) error
	Delete(campaignID int) error
}

type CampaignRepository struct {
	DB *sql.DB
}

func (r *CampaignRepository) Create(c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	query := `
        INSERT INTO campaigns (tenant_id, name, subject, body, status, scheduled_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id
    `
	return r.DB.QueryRow(query, c.TenantID, c.Name, c.Subject, c.Body, c.Status, c.ScheduledAt, c.CreatedAt).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(id int) (*model.Campaign, error) {
	query := `
        SELECT id, tenant_id, name, subject, body, status, scheduled_at, created_at, updated_at
        FROM campaigns WHERE id=$1
    `
	var c model.Campaign
	err := r.DB.QueryRow(query, id).Scan(&c.ID, &c.TenantID, &c.Name, &c.Subject, &c.Body, &c.Status, &c.ScheduledAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(offset, limit int, tenantID int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT id, tenant_id, name, subject, body, status, scheduled_at, created_at, updated_at FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if tenantID > 0 {
		query += fmt.Sprintf(" AND tenant_id=$%d", argPos)
		args = append(args, tenantID)
		argPos++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c := &model.Campaign{}
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Subject, &c.Body, &c.Status, &c.ScheduledAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	argsCount := []interface{}{}
	argPosCount := 1
	if tenantID > 0 {
		countQuery += fmt.Sprintf(" AND tenant_id=$%d", argPosCount)
		argsCount = append(argsCount, tenantID)
		argPosCount++
	}
	if status != "" {
		countQuery += fmt.Sprintf(" AND status=$%d", argPosCount)
		argsCount = append(argsCount, status)
	}

	var total int
	if err := r.DB.QueryRow(countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// ListDue returns scheduled campaigns whose scheduled_at has elapsed.
func (r *CampaignRepository) ListDue(now time.Time) ([]*model.Campaign, error) {
	query := `
        SELECT id, tenant_id, name, subject, body, status, scheduled_at, created_at, updated_at
        FROM campaigns
        WHERE status=$1 AND scheduled_at IS NOT NULL AND scheduled_at <= $2
        ORDER BY scheduled_at
    `
	rows, err := r.DB.Query(query, model.CampaignScheduled, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c := &model.Campaign{}
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Subject, &c.Body, &c.Status, &c.ScheduledAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *CampaignRepository) UpdateStatus(campaignID int, status string) error {
	query := `UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3`
	_, err := r.DB.Exec(query, status, time.Now(), campaignID)
	return err
}

func (r *CampaignRepository) TransitionStatus(campaignID int, to string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition for campaign %d needs at least one source status", campaignID)
	}
	placeholders := make([]string, len(from))
	args := []interface{}{to, time.Now(), campaignID}
	for i, s := range from {
		placeholders[i] = fmt.Sprintf("$%d", i+4)
		args = append(args, s)
	}
	query := fmt.Sprintf(
		`UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3 AND status IN (%s)`,
		strings.Join(placeholders, ", "),
	)
	res, err := r.DB.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *CampaignRepository) UpdateSchedule(campaignID int, scheduledAt *time.Time) error {
	query := `UPDATE campaigns SET scheduled_at=$1, updated_at=NOW() WHERE id=$2`
	_, err := r.DB.Exec(query, scheduledAt, campaignID)
	return err
}

func (r *CampaignRepository) Delete(campaignID int) error {
	_, err := r.DB.Exec(`DELETE FROM campaigns WHERE id=$1`, campaignID)
	return err
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
