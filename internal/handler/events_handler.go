// internal/handler/events_handler.go
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
	"github.com/mailkite/mailkite-backend/internal/service"
)

// EventsHandler receives provider notification webhooks. The transport is
// at-least-once, so duplicates are expected and left to the ledger.
type EventsHandler struct {
	Reconciler *service.NotificationReconciler
	Log        zerolog.Logger
}

// HandleNotification ingests one notification payload. Malformed payloads
// get a 400; everything well-formed gets a 200 even when the message id is
// unknown, so the provider never retries what we already absorbed.
func (h *EventsHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	if err := h.Reconciler.Ingest(body); err != nil {
		var validation *appErrors.ErrValidation
		if errors.As(err, &validation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.Log.Error().Err(err).Msg("notification ingestion failed")
		http.Error(w, "ingestion failed", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
