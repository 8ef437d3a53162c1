// internal/model/subscriber.go
package model

import "time"

const (
	SubscriberActive     = "active"
	SubscriberInactive   = "inactive"
	SubscriberSuppressed = "suppressed"
)

type Subscriber struct {
	ID        int       `db:"id" json:"id"`
	TenantID  int       `db:"tenant_id" json:"tenant_id"`
	Email     string    `db:"email" json:"email"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RecipientSnapshot is an immutable copy of a subscriber taken at dispatch
// time, so in-flight sends are decoupled from later subscriber edits.
type RecipientSnapshot struct {
	SubscriberID int    `json:"subscriber_id"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
}
