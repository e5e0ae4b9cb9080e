package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/repositories"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/services"
)

// AdminHandler exposes operator actions: watermark resets, on-demand pull
// cycles, lookup refreshes and the operational history trail.
type AdminHandler struct {
	watermarks repositories.WatermarkRepository
	history    repositories.SyncHistoryRepository
	scheduler  *services.PullScheduler
	lookups    *services.LookupCache
	logger     *zap.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(
	watermarks repositories.WatermarkRepository,
	history repositories.SyncHistoryRepository,
	scheduler *services.PullScheduler,
	lookups *services.LookupCache,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		watermarks: watermarks,
		history:    history,
		scheduler:  scheduler,
		lookups:    lookups,
		logger:     logger,
	}
}

// RegisterRoutes registers the admin handler's routes on the given mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/admin/watermarks/{entityType}", h.GetWatermark)
	mux.HandleFunc("POST /api/admin/watermarks/{entityType}/reset", h.ResetWatermark)
	mux.HandleFunc("POST /api/admin/sync/{entityType}", h.SyncEntity)
	mux.HandleFunc("POST /api/admin/lookups/{entityType}/refresh", h.RefreshLookups)
	mux.HandleFunc("GET /api/admin/history", h.History)
}

// GetWatermark handles GET /api/admin/watermarks/{entityType} requests.
func (h *AdminHandler) GetWatermark(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")
	state, err := h.watermarks.Get(r.Context(), entityType)
	if err != nil {
		h.serverError(w, "failed to load watermark", err)
		return
	}
	h.respond(w, http.StatusOK, state)
}

// ResetWatermark handles POST /api/admin/watermarks/{entityType}/reset
// requests. The next pull cycle performs a full refetch; fingerprint
// comparison keeps the re-read idempotent.
func (h *AdminHandler) ResetWatermark(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")
	if err := h.watermarks.Reset(r.Context(), entityType); err != nil {
		h.serverError(w, "failed to reset watermark", err)
		return
	}
	h.logger.Info("watermark reset", zap.String("entity_type", entityType))
	h.respond(w, http.StatusOK, map[string]string{"entity_type": entityType, "status": "reset"})
}

// SyncEntity handles POST /api/admin/sync/{entityType} requests.
// Runs one pull cycle synchronously and returns its summary.
func (h *AdminHandler) SyncEntity(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")
	result, err := h.scheduler.SyncEntity(r.Context(), entityType)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrUnknownEntity):
			_ = ErrorResponse(w, http.StatusBadRequest, "unknown_entity", err.Error())
		case errors.Is(err, apperrors.ErrSyncInFlight):
			_ = ErrorResponse(w, http.StatusConflict, "sync_in_flight", "a cycle for this entity type is already running")
		default:
			h.serverError(w, "pull cycle failed", err)
		}
		return
	}
	h.respond(w, http.StatusOK, result)
}

// RefreshLookups handles POST /api/admin/lookups/{entityType}/refresh
// requests.
func (h *AdminHandler) RefreshLookups(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("entityType")
	if err := h.lookups.Refresh(r.Context(), entityType); err != nil {
		if errors.Is(err, apperrors.ErrUnknownEntity) {
			_ = ErrorResponse(w, http.StatusBadRequest, "unknown_entity", err.Error())
			return
		}
		h.serverError(w, "lookup refresh failed", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{
		"entity_type": entityType,
		"values":      h.lookups.Values(entityType),
	})
}

// History handles GET /api/admin/history requests.
// Supports ?kind= and ?limit= filters.
func (h *AdminHandler) History(w http.ResponseWriter, r *http.Request) {
	entries, err := h.history.ListRecent(r.Context(),
		r.URL.Query().Get("kind"), queryLimit(r))
	if err != nil {
		h.serverError(w, "failed to list history", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"history": entries})
}

func (h *AdminHandler) respond(w http.ResponseWriter, status int, data any) {
	if err := WriteJSON(w, status, data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *AdminHandler) serverError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", message)
}
