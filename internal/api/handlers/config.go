package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/api/dto"
	"github.com/g-caf/receipt-match-backend/internal/application/matching"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

// ConfigHandler handles matching-configuration HTTP requests.
type ConfigHandler struct {
	*Base
	matcher *matching.Service
}

// NewConfigHandler creates a new config handler.
func NewConfigHandler(matcher *matching.Service) *ConfigHandler {
	return &ConfigHandler{
		Base:    &Base{},
		matcher: matcher,
	}
}

// Get handles GET /api/config.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID := ParseUUIDParam(r, "organization_id")
	if orgID == uuid.Nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("organization_id is required"))
		return
	}
	cfg, err := h.matcher.GetConfig(orgID)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	h.WriteJSON(w, http.StatusOK, toConfigResponse(cfg))
}

// Update handles PUT /api/config - applies a partial update.
func (h *ConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	orgID := ParseUUIDParam(r, "organization_id")
	if orgID == uuid.Nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("organization_id is required"))
		return
	}
	var req dto.UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}

	patch := matching.ConfigPatch{
		AmountTolerancePercent: req.AmountTolerancePercent,
		AmountToleranceFixed:   req.AmountToleranceFixed,
		DateWindowDays:         req.DateWindowDays,
		MerchantSimilarityMin:  req.MerchantSimilarityMin,
		LocationRadiusKM:       req.LocationRadiusKM,
		AutoMatchThreshold:     req.AutoMatchThreshold,
		SuggestThreshold:       req.SuggestThreshold,
		MaxCandidates:          req.MaxCandidates,
		LearningEnabled:        req.LearningEnabled,
	}
	if req.Weights != nil {
		patch.Weights = &model.ConfidenceWeights{
			Amount:   req.Weights.Amount,
			Date:     req.Weights.Date,
			Merchant: req.Weights.Merchant,
			Location: req.Weights.Location,
			User:     req.Weights.User,
			Currency: req.Weights.Currency,
		}
	}

	cfg, err := h.matcher.UpdateConfig(orgID, patch)
	if err != nil {
		if errors.Is(err, model.ErrConfigInvalid) {
			h.WriteError(w, http.StatusBadRequest, dto.ValidationError(err.Error()))
			return
		}
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	h.WriteJSON(w, http.StatusOK, toConfigResponse(cfg))
}

// MetricsHandler handles matching-metrics HTTP requests.
type MetricsHandler struct {
	*Base
	matcher *matching.Service
}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler(matcher *matching.Service) *MetricsHandler {
	return &MetricsHandler{
		Base:    &Base{},
		matcher: matcher,
	}
}

// Get handles GET /api/metrics.
func (h *MetricsHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID := ParseUUIDParam(r, "organization_id")
	if orgID == uuid.Nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("organization_id is required"))
		return
	}
	days := ParseIntParam(r, "days", 30)

	metrics, err := h.matcher.Metrics(orgID, days)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	h.WriteJSON(w, http.StatusOK, toMetricsResponse(metrics))
}
