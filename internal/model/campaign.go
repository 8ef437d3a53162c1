// internal/model/campaign.go
package model

import "time"

// Campaign statuses. Transitions only move forward except
// scheduled -> draft (unschedule) and any state -> failed.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
)

type Campaign struct {
	ID          int        `db:"id" json:"id"`
	TenantID    int        `db:"tenant_id" json:"tenant_id"`
	Name        string     `db:"name" json:"name"`
	Subject     string     `db:"subject" json:"subject"`
	Body        string     `db:"body" json:"body"`
	Status      string     `db:"status" json:"status"`
	ScheduledAt *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}
