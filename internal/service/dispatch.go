// internal/service/dispatch.go
package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
	"github.com/mailkite/mailkite-backend/internal/metrics"
	"github.com/mailkite/mailkite-backend/internal/model"
	"github.com/mailkite/mailkite-backend/internal/queue"
	"github.com/mailkite/mailkite-backend/internal/repository"
)

// DispatchResult is the outcome of a dispatch trigger.
type DispatchResult string

const (
	DispatchAccepted       DispatchResult = "accepted"
	DispatchAlreadySending DispatchResult = "already_sending"
	DispatchNoRecipients   DispatchResult = "no_eligible_recipients"
)

// CampaignService owns the campaign state machine:
// draft -> scheduled -> sending -> completed, with failed reachable from
// scheduled/sending and scheduled -> draft on unschedule. The move into
// sending is a conditional update, so concurrent dispatch triggers
// enumerate recipients exactly once.
type CampaignService struct {
	Campaigns repository.CampaignRepositoryInterface
	Selector  *RecipientSelector
	Ledger    *DeliveryLedger
	Queue     queue.Queue
	Log       zerolog.Logger

	// FailOnEmpty makes an empty recipient set fatal for the campaign
	// instead of a no-op result.
	FailOnEmpty bool
}

func NewCampaignService(
	campaigns repository.CampaignRepositoryInterface,
	selector *RecipientSelector,
	ledger *DeliveryLedger,
	q queue.Queue,
	log zerolog.Logger,
) *CampaignService {
	s := &CampaignService{
		Campaigns: campaigns,
		Selector:  selector,
		Ledger:    ledger,
		Queue:     q,
		Log:       log,
	}
	// Every ledger write re-checks completion, so campaigns complete as
	// soon as the last pending record settles.
	ledger.OnChange = s.ReevaluateCompletion
	return s
}

func (s *CampaignService) Create(tenantID int, name, subject, body string, scheduledAt *string) (*model.Campaign, error) {
	if name == "" {
		return nil, appErrors.NewValidation("name", "must not be empty")
	}
	if subject == "" {
		return nil, appErrors.NewValidation("subject", "must not be empty")
	}
	c := &model.Campaign{
		TenantID: tenantID,
		Name:     name,
		Subject:  subject,
		Body:     body,
		Status:   model.CampaignDraft,
	}
	if scheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *scheduledAt)
		if err != nil {
			return nil, appErrors.NewValidation("scheduled_at", "must be RFC3339")
		}
		if !t.After(time.Now()) {
			return nil, appErrors.NewValidation("scheduled_at", "must be in the future")
		}
		c.ScheduledAt = &t
		c.Status = model.CampaignScheduled
	}
	if err := s.Campaigns.Create(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Schedule moves a draft campaign to scheduled. The timestamp must be in
// the future.
func (s *CampaignService) Schedule(campaignID int, at time.Time) error {
	if !at.After(time.Now()) {
		return appErrors.NewValidation("scheduled_at", "must be in the future")
	}
	moved, err := s.Campaigns.TransitionStatus(campaignID, model.CampaignScheduled, model.CampaignDraft)
	if err != nil {
		return err
	}
	if !moved {
		c, err := s.Campaigns.GetByID(campaignID)
		if err != nil {
			return err
		}
		return appErrors.NewCampaignState(campaignID, c.Status, model.CampaignScheduled)
	}
	return s.Campaigns.UpdateSchedule(campaignID, &at)
}

// Unschedule moves a scheduled campaign back to draft.
func (s *CampaignService) Unschedule(campaignID int) error {
	moved, err := s.Campaigns.TransitionStatus(campaignID, model.CampaignDraft, model.CampaignScheduled)
	if err != nil {
		return err
	}
	if !moved {
		c, err := s.Campaigns.GetByID(campaignID)
		if err != nil {
			return err
		}
		return appErrors.NewCampaignState(campaignID, c.Status, model.CampaignDraft)
	}
	return s.Campaigns.UpdateSchedule(campaignID, nil)
}

// Dispatch triggers the send for a campaign. Idempotent at the campaign
// level: a second trigger while the campaign is sending reports
// already_sending and enqueues nothing.
func (s *CampaignService) Dispatch(ctx context.Context, campaignID int) (DispatchResult, error) {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return "", err
	}

	switch c.Status {
	case model.CampaignSending:
		return DispatchAlreadySending, nil
	case model.CampaignCompleted, model.CampaignFailed:
		return "", appErrors.NewCampaignState(campaignID, c.Status, model.CampaignSending)
	}

	moved, err := s.Campaigns.TransitionStatus(campaignID, model.CampaignSending, model.CampaignDraft, model.CampaignScheduled)
	if err != nil {
		return "", err
	}
	if !moved {
		// Lost the race: someone else moved the campaign first.
		current, err := s.Campaigns.GetByID(campaignID)
		if err != nil {
			return "", err
		}
		if current.Status == model.CampaignSending {
			return DispatchAlreadySending, nil
		}
		return "", appErrors.NewCampaignState(campaignID, current.Status, model.CampaignSending)
	}

	recipients, err := s.Selector.Select(c.TenantID, campaignID)
	if err != nil {
		var empty *appErrors.ErrNoEligibleRecipients
		if errors.As(err, &empty) {
			if s.FailOnEmpty {
				if uerr := s.Campaigns.UpdateStatus(campaignID, model.CampaignFailed); uerr != nil {
					s.Log.Error().Err(uerr).Int("campaign_id", campaignID).Msg("failed to mark campaign failed")
				}
				return "", err
			}
			// The campaign never really started sending; put it back.
			if uerr := s.Campaigns.UpdateStatus(campaignID, c.Status); uerr != nil {
				s.Log.Error().Err(uerr).Int("campaign_id", campaignID).Msg("failed to restore campaign status")
			}
			return DispatchNoRecipients, nil
		}
		return "", err
	}

	enqueued := 0
	for _, r := range recipients {
		if _, err := s.Ledger.RecordQueued(campaignID, c.TenantID, r.Email); err != nil {
			s.Log.Error().Err(err).Int("campaign_id", campaignID).Str("recipient", r.Email).
				Msg("failed to create delivery record")
			continue
		}
		job := model.DispatchJob{
			CampaignID: campaignID,
			TenantID:   c.TenantID,
			Recipient:  r,
			Subject:    c.Subject,
			Body:       c.Body,
		}
		if err := s.Queue.Enqueue(ctx, job); err != nil {
			s.Log.Error().Err(err).Int("campaign_id", campaignID).Str("recipient", r.Email).
				Msg("failed to enqueue job")
			if lerr := s.Ledger.RecordFailed(campaignID, r.Email, "enqueue failed: "+err.Error()); lerr != nil {
				s.Log.Error().Err(lerr).Int("campaign_id", campaignID).Msg("failed to record enqueue failure")
			}
			continue
		}
		enqueued++
	}

	// Only total queue unavailability is campaign-fatal; per-recipient
	// failures never abort the rest of the dispatch.
	if enqueued == 0 {
		if uerr := s.Campaigns.UpdateStatus(campaignID, model.CampaignFailed); uerr != nil {
			s.Log.Error().Err(uerr).Int("campaign_id", campaignID).Msg("failed to mark campaign failed")
		}
		return "", appErrors.NewCampaignState(campaignID, model.CampaignSending, model.CampaignFailed)
	}

	s.Log.Info().Int("campaign_id", campaignID).Int("enqueued", enqueued).Msg("campaign dispatched")
	return DispatchAccepted, nil
}

// Cancel stops a sending campaign cooperatively: still-queued records are
// marked skipped and the campaign's jobs are drained from the queue.
// Already-dequeued jobs run to completion.
func (s *CampaignService) Cancel(campaignID int) error {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	if c.Status != model.CampaignSending {
		return appErrors.NewCampaignState(campaignID, c.Status, model.CampaignCompleted)
	}
	s.Queue.DrainCampaign(campaignID)
	skipped, err := s.Ledger.SkipRemaining(campaignID)
	if err != nil {
		return err
	}
	s.Log.Info().Int("campaign_id", campaignID).Int("skipped", skipped).Msg("campaign cancelled")
	return nil
}

// Delete removes a campaign. A sending campaign is cancelled first so no
// orphaned jobs keep flowing into the ledger (cancel-on-delete policy).
func (s *CampaignService) Delete(campaignID int) error {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	if c.Status == model.CampaignSending {
		if err := s.Cancel(campaignID); err != nil {
			return err
		}
	}
	return s.Campaigns.Delete(campaignID)
}

// ReevaluateCompletion moves a sending campaign to completed once no queued
// records remain. Invoked after every ledger write.
func (s *CampaignService) ReevaluateCompletion(campaignID int) {
	counts, err := s.Ledger.Aggregate(campaignID)
	if err != nil {
		s.Log.Error().Err(err).Int("campaign_id", campaignID).Msg("failed to aggregate campaign")
		return
	}
	if counts["pending"] > 0 {
		return
	}
	moved, err := s.Campaigns.TransitionStatus(campaignID, model.CampaignCompleted, model.CampaignSending)
	if err != nil {
		s.Log.Error().Err(err).Int("campaign_id", campaignID).Msg("failed to complete campaign")
		return
	}
	if moved {
		metrics.IncCampaignsCompleted()
		s.Log.Info().Int("campaign_id", campaignID).Msg("campaign completed")
	}
}

// CampaignStatus is the status-query payload: campaign status plus ledger
// counts.
type CampaignStatus struct {
	CampaignID int            `json:"campaign_id"`
	Status     string         `json:"status"`
	Counts     map[string]int `json:"counts"`
}

func (s *CampaignService) Status(campaignID int) (*CampaignStatus, error) {
	c, err := s.Campaigns.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.Ledger.Aggregate(campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignStatus{CampaignID: campaignID, Status: c.Status, Counts: counts}, nil
}

func (s *CampaignService) DeliveryLog(campaignID int) ([]model.DeliveryRecord, error) {
	if _, err := s.Campaigns.GetByID(campaignID); err != nil {
		return nil, err
	}
	return s.Ledger.DeliveryLog(campaignID)
}

// DeliveryEvents returns the notification history for one record of the
// campaign's delivery log.
func (s *CampaignService) DeliveryEvents(campaignID, recordID int) ([]model.DeliveryEvent, error) {
	if _, err := s.Campaigns.GetByID(campaignID); err != nil {
		return nil, err
	}
	return s.Ledger.EventHistory(campaignID, recordID)
}

// List returns a page of campaigns plus the total count. tenantID and
// status filter when non-zero.
func (s *CampaignService) List(offset, limit, tenantID int, status string) ([]*model.Campaign, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.Campaigns.ListCampaigns(offset, limit, tenantID, status)
}

// RunScheduler dispatches scheduled campaigns whose timestamp has elapsed.
// Blocks until ctx is cancelled.
func (s *CampaignService) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.Campaigns.ListDue(now)
			if err != nil {
				s.Log.Error().Err(err).Msg("failed to list due campaigns")
				continue
			}
			for _, c := range due {
				if _, err := s.Dispatch(ctx, c.ID); err != nil {
					s.Log.Error().Err(err).Int("campaign_id", c.ID).Msg("scheduled dispatch failed")
				}
			}
		}
	}
}
