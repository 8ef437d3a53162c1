package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
	"github.com/mailkite/mailkite-backend/internal/model"
	"github.com/mailkite/mailkite-backend/internal/service"
)

func newSelector(subs []model.Subscriber, suppressed ...string) (*service.RecipientSelector, *service.SuppressionIndex) {
	index := &service.SuppressionIndex{Repo: newFakeSuppressionRepo()}
	for _, addr := range suppressed {
		index.Add(1, addr, model.SuppressionReasonManual)
	}
	return &service.RecipientSelector{
		Subscribers:  &fakeSubscriberRepo{subscribers: subs},
		Suppressions: index,
	}, index
}

func TestSelectExcludesSuppressedAndInactive(t *testing.T) {
	selector, _ := newSelector([]model.Subscriber{
		{ID: 1, TenantID: 1, Email: "a@x.com", Status: model.SubscriberActive},
		{ID: 2, TenantID: 1, Email: "b@x.com", Status: model.SubscriberActive},
		{ID: 3, TenantID: 1, Email: "c@x.com", Status: model.SubscriberInactive},
		{ID: 4, TenantID: 2, Email: "other@x.com", Status: model.SubscriberActive},
	}, "b@x.com")

	recipients, err := selector.Select(1, 10)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "a@x.com", recipients[0].Email)
	assert.Equal(t, 1, recipients[0].SubscriberID)
}

func TestSelectEmptySetFails(t *testing.T) {
	selector, _ := newSelector([]model.Subscriber{
		{ID: 1, TenantID: 1, Email: "a@x.com", Status: model.SubscriberActive},
	}, "a@x.com")

	_, err := selector.Select(1, 10)
	var empty *appErrors.ErrNoEligibleRecipients
	require.ErrorAs(t, err, &empty)
	assert.Equal(t, 10, empty.CampaignID)
}

func TestSelectLaterSuppressionDoesNotAffectSnapshot(t *testing.T) {
	selector, index := newSelector([]model.Subscriber{
		{ID: 1, TenantID: 1, Email: "a@x.com", Status: model.SubscriberActive},
	})

	recipients, err := selector.Select(1, 10)
	require.NoError(t, err)
	require.Len(t, recipients, 1)

	// Suppressing after selection must not mutate the snapshot, but must
	// exclude the address from future selections.
	require.NoError(t, index.Add(1, "a@x.com", model.SuppressionReasonComplaint))
	assert.Equal(t, "a@x.com", recipients[0].Email)

	_, err = selector.Select(1, 11)
	var empty *appErrors.ErrNoEligibleRecipients
	assert.ErrorAs(t, err, &empty)
}
