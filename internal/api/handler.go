package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/campaign"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/redis"
)

// CampaignService is implemented by campaign.Service.
type CampaignService interface {
	Create(ctx context.Context, in campaign.Input) (*db.Campaign, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Campaign, error)
	Update(ctx context.Context, id uuid.UUID, in campaign.Input) (*db.Campaign, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetRecipients(ctx context.Context, id uuid.UUID, contactIDs []uuid.UUID) (int, error)
	Schedule(ctx context.Context, id uuid.UUID, in campaign.ScheduleInput) (*db.Campaign, error)
	Pause(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	Resume(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	Cancel(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ResendFailed(ctx context.Context, id uuid.UUID) (int, error)
	Stats(ctx context.Context, id uuid.UUID) (*campaign.Stats, error)
	Preview(ctx context.Context, id, contactID uuid.UUID) (string, error)
}

// ContactRepository writes to the contacts directory.
type ContactRepository interface {
	CreateContact(ctx context.Context, c *db.Contact) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	campaigns   CampaignService
	contacts    ContactRepository
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, campaigns CampaignService, contacts ContactRepository) *Handler {
	return &Handler{
		logger:    logger,
		campaigns: campaigns,
		contacts:  contacts,
	}
}

// NewHandlerWithIdempotency creates a handler that honours Idempotency-Key
// on campaign creation.
func NewHandlerWithIdempotency(logger *zap.Logger, campaigns CampaignService, contacts ContactRepository, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, campaigns, contacts)
	h.idempotency = idempotency
	return h
}

// Register mounts the campaign routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/contacts", h.CreateContact)

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.CreateCampaign)
		r.Get("/", h.ListCampaigns)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetCampaign)
			r.Put("/", h.UpdateCampaign)
			r.Delete("/", h.DeleteCampaign)
			r.Put("/recipients", h.SetRecipients)
			r.Post("/schedule", h.ScheduleCampaign)
			r.Post("/pause", h.PauseCampaign)
			r.Post("/resume", h.ResumeCampaign)
			r.Post("/cancel", h.CancelCampaign)
			r.Post("/resend-failed", h.ResendFailed)
			r.Post("/preview", h.PreviewCampaign)
			r.Get("/stats", h.CampaignStats)
		})
	})
}

// CreateCampaign handles POST /v1/campaigns
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req campaign.Input
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	tenant := req.TenantID.String()

	reserved := false
	if idempotencyKey != "" && h.idempotency != nil && req.TenantID != uuid.Nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, tenant, idempotencyKey, fingerprint(req))
		switch {
		case errors.Is(err, redis.ErrKeyReused):
			h.writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused",
				"Idempotency key reused",
				"This idempotency key was already used with a different request body")
			return
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			h.replay(w, r, cached)
			return
		default:
			reserved = true
		}
	}

	c, err := h.campaigns.Create(ctx, req)
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(ctx, tenant, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeServiceError(w, err, "create campaign")
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{
			CampaignID:  c.ID.String(),
			StatusCode:  http.StatusCreated,
			Fingerprint: fingerprint(req),
		}
		if err := h.idempotency.Store(ctx, tenant, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	writeJSON(w, http.StatusCreated, c)
}

// fingerprint identifies a create request body for idempotency checks.
func fingerprint(in campaign.Input) string {
	data, _ := json.Marshal(in)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request, cached *redis.IdempotencyResult) {
	metrics.RecordIdempotencyHit()

	id, err := uuid.Parse(cached.CampaignID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Invalid cached idempotency result", "")
		return
	}
	c, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "replay create campaign")
		return
	}
	w.Header().Set("X-Idempotency-Replayed", "true")
	writeJSON(w, cached.StatusCode, c)
}

// ListCampaigns handles GET /v1/campaigns?tenant_id=xxx&limit=20&offset=0
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	tenantIDStr := r.URL.Query().Get("tenant_id")
	if tenantIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id query parameter is required")
		return
	}
	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	limit := 20
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	campaigns, err := h.campaigns.List(r.Context(), tenantID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "list campaigns")
		return
	}
	if campaigns == nil {
		campaigns = []*db.Campaign{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   campaigns,
		"limit":  limit,
		"offset": offset,
		"count":  len(campaigns),
	})
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	c, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "get campaign")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// UpdateCampaign handles PUT /v1/campaigns/{id}
func (h *Handler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	var req campaign.Input
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	c, err := h.campaigns.Update(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, err, "update campaign")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DeleteCampaign handles DELETE /v1/campaigns/{id}
func (h *Handler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	if err := h.campaigns.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "delete campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recipientsRequest struct {
	ContactIDs []uuid.UUID `json:"contact_ids"`
}

// SetRecipients handles PUT /v1/campaigns/{id}/recipients
func (h *Handler) SetRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	var req recipientsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	n, err := h.campaigns.SetRecipients(r.Context(), id, req.ContactIDs)
	if err != nil {
		h.writeServiceError(w, err, "set recipients")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"count":       n,
	})
}

// ScheduleCampaign handles POST /v1/campaigns/{id}/schedule. The body is
// optional; an empty one starts the campaign now with its stored rate.
func (h *Handler) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	var req campaign.ScheduleInput
	if err := decodeJSON(r, &req, true); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	c, err := h.campaigns.Schedule(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, err, "schedule campaign")
		return
	}
	writeJSON(w, http.StatusAccepted, c)
}

// PauseCampaign handles POST /v1/campaigns/{id}/pause
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "pause campaign", h.campaigns.Pause)
}

// ResumeCampaign handles POST /v1/campaigns/{id}/resume
func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resume campaign", h.campaigns.Resume)
}

// CancelCampaign handles POST /v1/campaigns/{id}/cancel
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel campaign", h.campaigns.Cancel)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, uuid.UUID) (*db.Campaign, error)) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	c, err := fn(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, op)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ResendFailed handles POST /v1/campaigns/{id}/resend-failed
func (h *Handler) ResendFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	n, err := h.campaigns.ResendFailed(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "resend failed recipients")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"reset":       n,
	})
}

type previewRequest struct {
	ContactID uuid.UUID `json:"contact_id"`
}

// PreviewCampaign handles POST /v1/campaigns/{id}/preview
func (h *Handler) PreviewCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	var req previewRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.ContactID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing contact_id", "contact_id is required")
		return
	}
	content, err := h.campaigns.Preview(r.Context(), id, req.ContactID)
	if err != nil {
		h.writeServiceError(w, err, "preview campaign")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

// CampaignStats handles GET /v1/campaigns/{id}/stats
func (h *Handler) CampaignStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.campaignID(w, r)
	if !ok {
		return
	}
	st, err := h.campaigns.Stats(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "campaign stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type contactRequest struct {
	TenantID   uuid.UUID         `json:"tenant_id"`
	Name       string            `json:"name"`
	Phone      string            `json:"phone"`
	Email      string            `json:"email"`
	Attributes map[string]string `json:"attributes"`
}

// CreateContact handles POST /v1/contacts
func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.TenantID == uuid.Nil || strings.TrimSpace(req.Name) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id and name are required")
		return
	}
	if req.Phone == "" && req.Email == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing address", "phone or email is required")
		return
	}

	c := &db.Contact{
		ID:         uuid.New(),
		TenantID:   req.TenantID,
		Name:       strings.TrimSpace(req.Name),
		Phone:      req.Phone,
		Email:      req.Email,
		Attributes: req.Attributes,
	}
	if err := h.contacts.CreateContact(r.Context(), c); err != nil {
		h.logger.Error("failed to create contact",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create contact", "")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) campaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps campaign sentinel errors to problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, campaign.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request", err.Error())
	case errors.Is(err, campaign.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", err.Error())
	case errors.Is(err, campaign.ErrInvalidState):
		h.writeError(w, http.StatusConflict, "invalid_state", "Campaign state does not allow this operation", err.Error())
	default:
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to "+op, "")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if allowEmpty && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
