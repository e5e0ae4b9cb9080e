package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/captainmgc/bitsheetsync24-sub002/pkg/apperrors"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/bitrix"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/models"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/repositories"
	"github.com/captainmgc/bitsheetsync24-sub002/pkg/services"
)

const defaultListLimit = 50

// ConfigsHandler exposes sync configurations, their event/dispatch history
// and their field mappings.
type ConfigsHandler struct {
	configs    repositories.SyncConfigRepository
	events     repositories.WebhookEventRepository
	logs       repositories.ReverseSyncLogRepository
	mappings   services.FieldMappingService
	dispatcher *services.Dispatcher
	logger     *zap.Logger
}

// NewConfigsHandler creates a new ConfigsHandler.
func NewConfigsHandler(
	configs repositories.SyncConfigRepository,
	events repositories.WebhookEventRepository,
	logs repositories.ReverseSyncLogRepository,
	mappings services.FieldMappingService,
	dispatcher *services.Dispatcher,
	logger *zap.Logger,
) *ConfigsHandler {
	return &ConfigsHandler{
		configs:    configs,
		events:     events,
		logs:       logs,
		mappings:   mappings,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// RegisterRoutes registers the configs handler's routes on the given mux.
func (h *ConfigsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/configs", h.List)
	mux.HandleFunc("POST /api/configs", h.Create)
	mux.HandleFunc("GET /api/configs/{configID}", h.Get)
	mux.HandleFunc("POST /api/configs/{configID}/enable", h.Enable)
	mux.HandleFunc("POST /api/configs/{configID}/disable", h.Disable)
	mux.HandleFunc("GET /api/configs/{configID}/events", h.ListEvents)
	mux.HandleFunc("GET /api/configs/{configID}/logs", h.ListLogs)
	mux.HandleFunc("POST /api/configs/{configID}/retry", h.RetryFailed)
	mux.HandleFunc("GET /api/configs/{configID}/mappings", h.ListMappings)
	mux.HandleFunc("POST /api/configs/{configID}/mappings/detect", h.DetectMappings)
	mux.HandleFunc("PUT /api/mappings/{mappingID}", h.CorrectMapping)
}

// CreateConfigRequest is the payload for creating a sync configuration.
type CreateConfigRequest struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	TabID      string `json:"tab_id"`
	EntityType string `json:"entity_type"`
}

// List handles GET /api/configs requests.
func (h *ConfigsHandler) List(w http.ResponseWriter, r *http.Request) {
	configs, err := h.configs.List(r.Context())
	if err != nil {
		h.serverError(w, "failed to list configs", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"configs": configs})
}

// Create handles POST /api/configs requests.
func (h *ConfigsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	if req.UserID == "" || req.DocumentID == "" || req.TabID == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "missing_fields", "user_id, document_id and tab_id are required")
		return
	}
	if _, err := bitrix.ForEntity(req.EntityType); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "unknown_entity", "unsupported entity type "+strconv.Quote(req.EntityType))
		return
	}

	cfg := &models.SyncConfig{
		UserID:     req.UserID,
		DocumentID: req.DocumentID,
		TabID:      req.TabID,
		EntityType: req.EntityType,
		Enabled:    true,
	}
	if err := h.configs.Create(r.Context(), cfg); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			_ = ErrorResponse(w, http.StatusConflict, "config_exists", "a config for this tab and entity type already exists")
			return
		}
		h.serverError(w, "failed to create config", err)
		return
	}
	h.respond(w, http.StatusCreated, cfg)
}

// Get handles GET /api/configs/{configID} requests.
func (h *ConfigsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.configID(w, r)
	if !ok {
		return
	}
	cfg, err := h.configs.GetByID(r.Context(), id)
	if err != nil {
		h.notFoundOrServerError(w, "config", err)
		return
	}
	h.respond(w, http.StatusOK, cfg)
}

// Enable handles POST /api/configs/{configID}/enable requests.
// Re-enabling clears the consecutive-error streak.
func (h *ConfigsHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// Disable handles POST /api/configs/{configID}/disable requests.
func (h *ConfigsHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *ConfigsHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, ok := h.configID(w, r)
	if !ok {
		return
	}
	if err := h.configs.SetEnabled(r.Context(), id, enabled); err != nil {
		h.notFoundOrServerError(w, "config", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

// ListEvents handles GET /api/configs/{configID}/events requests.
// Supports ?status= and ?limit= filters.
func (h *ConfigsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.configID(w, r)
	if !ok {
		return
	}
	events, err := h.events.ListByConfig(r.Context(), id,
		r.URL.Query().Get("status"), queryLimit(r))
	if err != nil {
		h.serverError(w, "failed to list events", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"events": events})
}

// ListLogs handles GET /api/configs/{configID}/logs requests.
// Supports ?status= and ?limit= filters.
func (h *ConfigsHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.configID(w, r)
	if !ok {
		return
	}
	logs, err := h.logs.ListByConfig(r.Context(), id,
		r.URL.Query().Get("status"), queryLimit(r))
	if err != nil {
		h.serverError(w, "failed to list sync logs", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"logs": logs})
}

// RetryFailed handles POST /api/configs/{configID}/retry requests.
// Re-queues every failed outbound update of the config.
func (h *ConfigsHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := h.configID(w, r)
	if !ok {
		return
	}
	if _, err := h.configs.GetByID(r.Context(), id); err != nil {
		h.notFoundOrServerError(w, "config", err)
		return
	}
	n, err := h.dispatcher.RetryFailed(r.Context(), id)
	if err != nil {
		h.serverError(w, "failed to requeue syncs", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"requeued": n})
}

// ListMappings handles GET /api/configs/{configID}/mappings requests.
func (h *ConfigsHandler) ListMappings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.configID(w, r)
	if !ok {
		return
	}
	cfg, err := h.configs.GetByID(r.Context(), id)
	if err != nil {
		h.notFoundOrServerError(w, "config", err)
		return
	}
	mappings, err := h.mappings.List(r.Context(), id)
	if err != nil {
		h.serverError(w, "failed to list mappings", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{
		"mappings":     mappings,
		"enum_options": h.mappings.EnumOptions(cfg.EntityType),
	})
}

// DetectMappingsRequest carries the spreadsheet header row.
type DetectMappingsRequest struct {
	Headers []string `json:"headers"`
}

// DetectMappings handles POST /api/configs/{configID}/mappings/detect
// requests. Runs header detection and returns the resulting mappings.
func (h *ConfigsHandler) DetectMappings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.configID(w, r)
	if !ok {
		return
	}
	var req DetectMappingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	if len(req.Headers) == 0 {
		_ = ErrorResponse(w, http.StatusBadRequest, "missing_headers", "headers must not be empty")
		return
	}

	mappings, err := h.mappings.Detect(r.Context(), id, req.Headers)
	if err != nil {
		h.notFoundOrServerError(w, "config", err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"mappings": mappings})
}

// CorrectMappingRequest is an operator override for one mapping.
type CorrectMappingRequest struct {
	TargetField string `json:"target_field"`
	Updatable   bool   `json:"updatable"`
}

// CorrectMapping handles PUT /api/mappings/{mappingID} requests.
func (h *ConfigsHandler) CorrectMapping(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("mappingID"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_mapping_id", "mapping ID must be a UUID")
		return
	}
	var req CorrectMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	if req.TargetField == "" {
		_ = ErrorResponse(w, http.StatusBadRequest, "missing_target_field", "target_field is required")
		return
	}

	mapping, err := h.mappings.Correct(r.Context(), id, req.TargetField, req.Updatable)
	if err != nil {
		h.notFoundOrServerError(w, "mapping", err)
		return
	}
	h.respond(w, http.StatusOK, mapping)
}

func (h *ConfigsHandler) configID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("configID"))
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_config_id", "config ID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *ConfigsHandler) respond(w http.ResponseWriter, status int, data any) {
	if err := WriteJSON(w, status, data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *ConfigsHandler) notFoundOrServerError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, apperrors.ErrNotFound) {
		_ = ErrorResponse(w, http.StatusNotFound, "not_found", what+" not found")
		return
	}
	h.serverError(w, "failed to load "+what, err)
}

func (h *ConfigsHandler) serverError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", message)
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return defaultListLimit
}
