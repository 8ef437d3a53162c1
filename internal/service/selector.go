// internal/service/selector.go
package service

import (
	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
	"github.com/mailkite/mailkite-backend/internal/model"
	"github.com/mailkite/mailkite-backend/internal/repository"
)

// RecipientSelector computes the eligible recipient set for a campaign:
// the tenant's active subscribers minus suppressed addresses. The result is
// a snapshot; suppressions added after selection do not affect jobs already
// enqueued.
type RecipientSelector struct {
	Subscribers  repository.SubscriberRepositoryInterface
	Suppressions *SuppressionIndex
}

func (s *RecipientSelector) Select(tenantID, campaignID int) ([]model.RecipientSnapshot, error) {
	subscribers, err := s.Subscribers.ListActive(tenantID)
	if err != nil {
		return nil, err
	}

	recipients := []model.RecipientSnapshot{}
	for _, sub := range subscribers {
		suppressed, err := s.Suppressions.IsSuppressed(tenantID, sub.Email)
		if err != nil {
			return nil, err
		}
		if suppressed {
			continue
		}
		recipients = append(recipients, model.RecipientSnapshot{
			SubscriberID: sub.ID,
			Email:        NormalizeAddress(sub.Email),
			FirstName:    sub.FirstName,
			LastName:     sub.LastName,
		})
	}

	if len(recipients) == 0 {
		return nil, appErrors.NewNoEligibleRecipients(campaignID, tenantID)
	}
	return recipients, nil
}
