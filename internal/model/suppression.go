// internal/model/suppression.go
package model

import "time"

// Suppression reasons recorded on suppression entries.
const (
	SuppressionReasonBounce    = "bounce"
	SuppressionReasonComplaint = "complaint"
	SuppressionReasonManual    = "manual"
)

type SuppressionEntry struct {
	ID        int       `db:"id" json:"id"`
	TenantID  int       `db:"tenant_id" json:"tenant_id"`
	Email     string    `db:"email" json:"email"`
	Reason    string    `db:"reason" json:"reason"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
