package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pedroitan/bulkemail-sub001/internal/db"
	"github.com/pedroitan/bulkemail-sub001/internal/metrics"
	"github.com/pedroitan/bulkemail-sub001/internal/redis"
)

// CampaignRepository defines the interface for campaign database operations
type CampaignRepository interface {
	CreateCampaign(ctx context.Context, campaign *db.Campaign, emails []string) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListCampaigns(ctx context.Context, limit, offset int) ([]*db.Campaign, error)
	TriggerCampaign(ctx context.Context, id uuid.UUID) error
	GetSegment(ctx context.Context, campaignID uuid.UUID, offset, limit int) ([]*db.Recipient, error)
}

// CampaignRequest represents the incoming request body
type CampaignRequest struct {
	Name       string   `json:"name"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
}

// CampaignResponse is returned after creating a campaign
type CampaignResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	TotalRecipients int    `json:"total_recipients"`
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
	repo        CampaignRepository
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo CampaignRepository) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		idempotency: nil, // Idempotency disabled by default
	}
}

// NewHandlerWithIdempotency creates a handler with idempotency support
func NewHandlerWithIdempotency(logger *zap.Logger, repo CampaignRepository, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		idempotency: idempotency,
	}
}

// maxRecipients caps one campaign's list size; larger lists should be split
// by the caller.
const maxRecipients = 100000

// CreateCampaign handles POST /v1/campaigns
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req CampaignRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Name == "" || req.Subject == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "name, subject, and body are required")
		return
	}

	if len(req.Recipients) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipients", "at least one recipient email is required")
		return
	}

	if len(req.Recipients) > maxRecipients {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Too many recipients",
			"recipient list exceeds "+strconv.Itoa(maxRecipients))
		return
	}

	emails, err := normalizeEmails(req.Recipients)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient email", err.Error())
		return
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			resp := CampaignResponse{ID: cachedResult.CampaignID, Status: db.CampaignPending}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	campaign := &db.Campaign{
		ID:      uuid.New(),
		Name:    req.Name,
		Subject: req.Subject,
		Body:    req.Body,
	}

	if err := h.repo.CreateCampaign(ctx, campaign, emails); err != nil {
		h.logger.Error("failed to create campaign",
			zap.Error(err),
			zap.String("name", req.Name),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create campaign", "")
		return
	}

	h.logger.Info("campaign created",
		zap.String("id", campaign.ID.String()),
		zap.String("name", campaign.Name),
		zap.Int("total_recipients", campaign.TotalRecipients),
	)

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			CampaignID: campaign.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	resp := CampaignResponse{
		ID:              campaign.ID.String(),
		Status:          campaign.Status,
		TotalRecipients: campaign.TotalRecipients,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")

	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	campaign, err := h.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		h.logger.Error("failed to get campaign",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(campaign)
}

// ListCampaigns handles GET /v1/campaigns?limit=20&offset=0
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, offset := pagination(r, 20)

	campaigns, err := h.repo.ListCampaigns(ctx, limit, offset)
	if err != nil {
		h.logger.Error("failed to list campaigns", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list campaigns", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   campaigns,
		"limit":  limit,
		"offset": offset,
		"count":  len(campaigns),
	})
}

// ListRecipients handles GET /v1/campaigns/{id}/recipients?limit=50&offset=0
func (h *Handler) ListRecipients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	limit, offset := pagination(r, 50)

	recipients, err := h.repo.GetSegment(ctx, campaignID, offset, limit)
	if err != nil {
		h.logger.Error("failed to list recipients",
			zap.Error(err),
			zap.String("campaign_id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list recipients", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   recipients,
		"limit":  limit,
		"offset": offset,
		"count":  len(recipients),
	})
}

// RunCampaign handles POST /v1/campaigns/{id}/run
// Clears the segment timer so the scheduler picks the campaign up on its
// next poll instead of waiting out the inter-segment delay.
func (h *Handler) RunCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.TriggerCampaign(ctx, campaignID); err != nil {
		if errors.Is(err, db.ErrNotRunnable) {
			h.writeError(w, http.StatusConflict, "not_runnable", "Campaign is not runnable",
				"campaign is completed, failed, or does not exist")
			return
		}
		h.logger.Error("failed to trigger campaign",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to trigger campaign", "")
		return
	}

	h.logger.Info("campaign triggered", zap.String("id", idStr))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": "triggered",
	})
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

// normalizeEmails lowercases, trims, validates, and deduplicates the
// recipient list while preserving first-seen order.
func normalizeEmails(raw []string) ([]string, error) {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))

	for _, email := range raw {
		email = strings.ToLower(strings.TrimSpace(email))
		if email == "" {
			continue
		}
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, errors.New("invalid email address: " + email)
		}
		if seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, email)
	}

	if len(out) == 0 {
		return nil, errors.New("no valid recipient emails")
	}

	return out, nil
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
