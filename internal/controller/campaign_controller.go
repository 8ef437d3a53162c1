// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
	"github.com/mailkite/mailkite-backend/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID    int     `json:"tenant_id"`
		Name        string  `json:"name"`
		Subject     string  `json:"subject"`
		Body        string  `json:"body"`
		ScheduledAt *string `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	campaign, err := c.CampaignService.Create(body.TenantID, body.Name, body.Subject, body.Body, body.ScheduledAt)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(campaign)
}

// Dispatch triggers the campaign send. Responds with one of
// accepted / already_sending / no_eligible_recipients.
func (c *CampaignController) Dispatch(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	result, err := c.CampaignService.Dispatch(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusAccepted
	if result != service.DispatchAccepted {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id": id,
		"status":      result,
	})
}

func (c *CampaignController) Schedule(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	var body struct {
		ScheduledAt string `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	at, err := time.Parse(time.RFC3339, body.ScheduledAt)
	if err != nil {
		http.Error(w, "scheduled_at must be RFC3339", http.StatusBadRequest)
		return
	}

	if err := c.CampaignService.Schedule(id, at); err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"campaign_id": id, "status": "scheduled"})
}

func (c *CampaignController) Unschedule(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	if err := c.CampaignService.Unschedule(id); err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"campaign_id": id, "status": "draft"})
}

func (c *CampaignController) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	if err := c.CampaignService.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"campaign_id": id, "cancelled": true})
}

func (c *CampaignController) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	if err := c.CampaignService.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) Status(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	status, err := c.CampaignService.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(status)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	tenantID, _ := strconv.Atoi(q.Get("tenant_id"))

	campaigns, total, err := c.CampaignService.List(offset, limit, tenantID, q.Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaigns": campaigns,
		"total":     total,
	})
}

func (c *CampaignController) DeliveryLog(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	records, err := c.CampaignService.DeliveryLog(id)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id": id,
		"deliveries":  records,
	})
}

// DeliveryEvents serves the notification history behind one row of the
// delivery log.
func (c *CampaignController) DeliveryEvents(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	recordID, err := strconv.Atoi(chi.URLParam(r, "recordID"))
	if err != nil {
		http.Error(w, "invalid record id", http.StatusBadRequest)
		return
	}
	events, err := c.CampaignService.DeliveryEvents(id, recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id": id,
		"record_id":   recordID,
		"events":      events,
	})
}

func campaignID(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "id"))
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var notFound *appErrors.ErrCampaignNotFound
	var validation *appErrors.ErrValidation
	var state *appErrors.ErrCampaignState
	var empty *appErrors.ErrNoEligibleRecipients

	switch {
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &validation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &state):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &empty):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
