package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/api/dto"
	"github.com/g-caf/receipt-match-backend/internal/application/matching"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

// MatchesHandler handles match-related HTTP requests.
type MatchesHandler struct {
	*Base
	matcher *matching.Service
	repo    storage.Repository
}

// NewMatchesHandler creates a new matches handler.
func NewMatchesHandler(matcher *matching.Service, repo storage.Repository) *MatchesHandler {
	return &MatchesHandler{
		Base:    &Base{},
		matcher: matcher,
		repo:    repo,
	}
}

// RunAutoMatch handles POST /api/matches/auto - runs an immediate pass.
func (h *MatchesHandler) RunAutoMatch(w http.ResponseWriter, r *http.Request) {
	var req dto.RunAutoMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}
	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("organization_id is required"))
		return
	}

	var txns []*model.Transaction
	for _, raw := range req.TransactionIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid transaction ID: "+raw))
			return
		}
		txn, err := h.repo.GetTransaction(id)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				h.WriteError(w, http.StatusNotFound, dto.NotFoundError("transaction"))
				return
			}
			h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
			return
		}
		txns = append(txns, txn)
	}

	result, err := h.matcher.RunAutoMatch(r.Context(), orgID, txns, req.DaysBack)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusOK, dto.AutoMatchResponse{
		Candidates: toCandidateResponses(result.Candidates),
		Stats:      toStatsResponse(result.Stats),
	})
}

// GetSuggestions handles GET /api/suggestions/{itemType}/{id}.
func (h *MatchesHandler) GetSuggestions(w http.ResponseWriter, r *http.Request) {
	itemType := chi.URLParam(r, "itemType")
	if itemType != "transaction" && itemType != "receipt" {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("item type must be transaction or receipt"))
		return
	}
	itemID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid item ID"))
		return
	}
	orgID := ParseUUIDParam(r, "organization_id")
	if orgID == uuid.Nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("organization_id is required"))
		return
	}

	cands, err := h.matcher.GetSuggestions(r.Context(), orgID, itemID, itemType)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			h.WriteError(w, http.StatusNotFound, dto.NotFoundError(itemType))
			return
		}
		if errors.Is(err, model.ErrValidation) {
			h.WriteError(w, http.StatusBadRequest, dto.ValidationError(err.Error()))
			return
		}
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusOK, dto.SuggestionsResponse{
		ItemID:      itemID.String(),
		ItemType:    itemType,
		Suggestions: toCandidateResponses(cands),
		Count:       len(cands),
	})
}

// ConfirmMatch handles POST /api/matches/{id}/confirm.
func (h *MatchesHandler) ConfirmMatch(w http.ResponseWriter, r *http.Request) {
	matchID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid match ID"))
		return
	}
	var req dto.ConfirmMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("user_id is required"))
		return
	}

	m, err := h.matcher.ConfirmMatch(matchID, userID)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			h.WriteError(w, http.StatusNotFound, dto.NotFoundError("match"))
		case errors.Is(err, model.ErrConcurrencyConflict):
			h.WriteError(w, http.StatusConflict, dto.ConflictError("match state changed, reload and retry"))
		default:
			h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		}
		return
	}

	h.WriteJSON(w, http.StatusOK, toMatchResponse(m))
}

// RejectMatch handles POST /api/matches/{id}/reject.
func (h *MatchesHandler) RejectMatch(w http.ResponseWriter, r *http.Request) {
	matchID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid match ID"))
		return
	}
	var req dto.RejectMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("user_id is required"))
		return
	}

	var correction *model.FeedbackCorrection
	if req.Correction != nil {
		correction, err = parseCorrection(req.Correction)
		if err != nil {
			h.WriteError(w, http.StatusBadRequest, dto.BadRequestError(err.Error()))
			return
		}
	}

	if err := h.matcher.RejectMatch(matchID, userID, req.Reason, correction); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			h.WriteError(w, http.StatusNotFound, dto.NotFoundError("match"))
			return
		}
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListUnmatched handles GET /api/unmatched.
func (h *MatchesHandler) ListUnmatched(w http.ResponseWriter, r *http.Request) {
	orgID := ParseUUIDParam(r, "organization_id")
	if orgID == uuid.Nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("organization_id is required"))
		return
	}
	filters := storage.UnmatchedFilters{
		DaysBack: ParseIntParam(r, "days_back", 0),
		Limit:    ParseIntParam(r, "limit", 50),
		Offset:   ParseIntParam(r, "offset", 0),
	}

	items, err := h.matcher.ListUnmatched(orgID, filters)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	resp := dto.UnmatchedResponse{
		Transactions: make([]dto.TransactionResponse, 0, len(items.Transactions)),
		Receipts:     make([]dto.ReceiptResponse, 0, len(items.Receipts)),
	}
	for _, t := range items.Transactions {
		resp.Transactions = append(resp.Transactions, toTransactionResponse(t))
	}
	for _, rc := range items.Receipts {
		resp.Receipts = append(resp.Receipts, toReceiptResponse(rc))
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

func parseCorrection(req *dto.CorrectionRequest) (*model.FeedbackCorrection, error) {
	txnID, err := uuid.Parse(req.TransactionID)
	if err != nil {
		return nil, errors.New("correction requires a valid transaction_id")
	}
	receiptID, err := uuid.Parse(req.ReceiptID)
	if err != nil {
		return nil, errors.New("correction requires a valid receipt_id")
	}
	return &model.FeedbackCorrection{TransactionID: txnID, ReceiptID: receiptID}, nil
}
