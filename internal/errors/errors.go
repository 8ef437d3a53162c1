// internal/errors/errors.go
package appErrors

import "fmt"

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrNoEligibleRecipients is returned when the selector computes an empty
// recipient set for a dispatch.
type ErrNoEligibleRecipients struct {
	CampaignID int
	TenantID   int
}

func (e *ErrNoEligibleRecipients) Error() string {
	return fmt.Sprintf("campaign %d has no eligible recipients for tenant %d", e.CampaignID, e.TenantID)
}

func NewNoEligibleRecipients(campaignID, tenantID int) error {
	return &ErrNoEligibleRecipients{CampaignID: campaignID, TenantID: tenantID}
}

// ErrValidation rejects malformed input before any state mutation.
type ErrValidation struct {
	Field  string
	Reason string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ErrValidation{Field: field, Reason: reason}
}

// ErrTransientDelivery marks a send failure worth retrying (rate limits,
// timeouts). Retried with bounded backoff, then escalated to a failed
// delivery record.
type ErrTransientDelivery struct {
	Recipient string
	Cause     error
}

func (e *ErrTransientDelivery) Error() string {
	return fmt.Sprintf("transient delivery failure for %s: %v", e.Recipient, e.Cause)
}

func (e *ErrTransientDelivery) Unwrap() error { return e.Cause }

func NewTransientDelivery(recipient string, cause error) error {
	return &ErrTransientDelivery{Recipient: recipient, Cause: cause}
}

// ErrPermanentDelivery marks a send failure that must never be retried
// (invalid address, hard provider rejection).
type ErrPermanentDelivery struct {
	Recipient string
	Cause     error
}

func (e *ErrPermanentDelivery) Error() string {
	return fmt.Sprintf("permanent delivery failure for %s: %v", e.Recipient, e.Cause)
}

func (e *ErrPermanentDelivery) Unwrap() error { return e.Cause }

func NewPermanentDelivery(recipient string, cause error) error {
	return &ErrPermanentDelivery{Recipient: recipient, Cause: cause}
}

// ErrOrphanEvent reports a notification for a provider message id that has
// no delivery record yet. Never fatal; the event is buffered with a TTL.
type ErrOrphanEvent struct {
	ProviderMessageID string
}

func (e *ErrOrphanEvent) Error() string {
	return fmt.Sprintf("no delivery record for provider message id %s", e.ProviderMessageID)
}

func NewOrphanEvent(messageID string) error {
	return &ErrOrphanEvent{ProviderMessageID: messageID}
}

// ErrCampaignState rejects an illegal campaign status transition. The
// campaign is left unchanged.
type ErrCampaignState struct {
	CampaignID int
	From       string
	To         string
}

func (e *ErrCampaignState) Error() string {
	return fmt.Sprintf("campaign %d cannot move from %s to %s", e.CampaignID, e.From, e.To)
}

func NewCampaignState(id int, from, to string) error {
	return &ErrCampaignState{CampaignID: id, From: from, To: to}
}
