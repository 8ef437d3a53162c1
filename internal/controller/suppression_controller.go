// internal/controller/suppression_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mailkite/mailkite-backend/internal/model"
	"github.com/mailkite/mailkite-backend/internal/service"
)

type SuppressionController struct {
	Index *service.SuppressionIndex
}

func (c *SuppressionController) Add(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID int    `json:"tenant_id"`
		Email    string `json:"email"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.TenantID <= 0 || body.Email == "" {
		http.Error(w, "tenant_id and email are required", http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		body.Reason = model.SuppressionReasonManual
	}

	if err := c.Index.Add(body.TenantID, body.Email, body.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tenant_id":  body.TenantID,
		"email":      service.NormalizeAddress(body.Email),
		"suppressed": true,
	})
}

func (c *SuppressionController) Remove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID int    `json:"tenant_id"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := c.Index.Remove(body.TenantID, body.Email); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *SuppressionController) List(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.Atoi(r.URL.Query().Get("tenant_id"))
	if err != nil || tenantID <= 0 {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	entries, err := c.Index.List(tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tenant_id":    tenantID,
		"suppressions": entries,
	})
}
