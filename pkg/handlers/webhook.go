package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/services"
)

// maxWebhookBody bounds an inbound event payload.
const maxWebhookBody = 1 << 20

// WebhookHandler receives spreadsheet edit notifications and hands them to
// the processor. Intake is acknowledge-fast: the event is persisted and
// queued, processing happens asynchronously.
type WebhookHandler struct {
	processor *services.WebhookProcessor
	logger    *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(processor *services.WebhookProcessor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{processor: processor, logger: logger}
}

// RegisterRoutes registers the webhook intake route on the given mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/webhook/{configID}", h.Receive)
}

// Receive handles POST /api/webhook/{configID} requests.
// Responds 202 once the event is durably recorded and queued.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	configID, err := uuid.Parse(r.PathValue("configID"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_config_id", "config ID must be a UUID")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "unreadable_body", "failed to read request body")
		return
	}

	event, err := h.processor.Enqueue(r.Context(), configID, payload)
	if err != nil {
		if strings.Contains(err.Error(), "queue full") {
			_ = ErrorResponse(w, http.StatusServiceUnavailable, "queue_full", "event queue is full, retry later")
			return
		}
		h.logger.Error("failed to enqueue webhook event",
			zap.String("config_id", configID.String()), zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "intake_failed", "failed to record event")
		return
	}

	if err := WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":   "queued",
		"event_id": event.ID.String(),
	}); err != nil {
		h.logger.Error("Failed to encode webhook response", zap.Error(err))
	}
}
