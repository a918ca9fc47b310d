package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/api/dto"
	"github.com/g-caf/receipt-match-backend/internal/application/learning"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
)

// FeedbackHandler handles learning-feedback HTTP requests.
type FeedbackHandler struct {
	*Base
	store *learning.Store
}

// NewFeedbackHandler creates a new feedback handler.
func NewFeedbackHandler(store *learning.Store) *FeedbackHandler {
	return &FeedbackHandler{
		Base:  &Base{},
		store: store,
	}
}

// Submit handles POST /api/feedback.
func (h *FeedbackHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req dto.SubmitFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}
	matchID, err := uuid.Parse(req.MatchID)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("match_id is required"))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("user_id is required"))
		return
	}

	fb := &model.LearningFeedback{
		ID:          uuid.New(),
		MatchID:     matchID,
		WasCorrect:  req.WasCorrect,
		SubmittedBy: userID,
		Notes:       req.Notes,
	}
	if req.Correction != nil {
		correction, err := parseCorrection(req.Correction)
		if err != nil {
			h.WriteError(w, http.StatusBadRequest, dto.BadRequestError(err.Error()))
			return
		}
		fb.Correction = correction
	}

	if err := h.store.SubmitFeedback(fb); err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			h.WriteError(w, http.StatusNotFound, dto.NotFoundError("match"))
		case errors.Is(err, model.ErrValidation):
			h.WriteError(w, http.StatusBadRequest, dto.ValidationError(err.Error()))
		default:
			h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
