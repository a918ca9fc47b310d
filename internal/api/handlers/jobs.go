package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/g-caf/receipt-match-backend/internal/api/dto"
	"github.com/g-caf/receipt-match-backend/internal/application/jobs"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

// JobsHandler handles matching-job HTTP requests.
type JobsHandler struct {
	*Base
	processor *jobs.Processor
	repo      storage.Repository
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(processor *jobs.Processor, repo storage.Repository) *JobsHandler {
	return &JobsHandler{
		Base:      &Base{},
		processor: processor,
		repo:      repo,
	}
}

// Submit handles POST /api/jobs - queues a matching job.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req dto.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid request body"))
		return
	}
	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("organization_id is required"))
		return
	}

	scope := storage.JobScope{
		ItemType: req.ItemType,
		DaysBack: req.DaysBack,
	}
	if req.ItemID != "" {
		itemID, err := uuid.Parse(req.ItemID)
		if err != nil {
			h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid item_id"))
			return
		}
		scope.ItemID = itemID
	}

	job, err := h.processor.Submit(orgID, storage.JobKind(req.Kind), scope)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			h.WriteError(w, http.StatusBadRequest, dto.ValidationError(err.Error()))
			return
		}
		h.WriteError(w, http.StatusServiceUnavailable, dto.NewAPIError("queue_saturated", err.Error()))
		return
	}

	h.WriteJSON(w, http.StatusAccepted, toJobResponse(job))
}

// Get handles GET /api/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid job ID"))
		return
	}
	job, err := h.repo.GetJob(jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			h.WriteError(w, http.StatusNotFound, dto.NotFoundError("job"))
			return
		}
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	h.WriteJSON(w, http.StatusOK, toJobResponse(job))
}

// List handles GET /api/jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID := ParseUUIDParam(r, "organization_id")
	if orgID == uuid.Nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("organization_id is required"))
		return
	}
	limit := ParseIntParam(r, "limit", 50)

	list, err := h.repo.ListJobs(orgID, limit)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	resp := dto.JobListResponse{
		Jobs:  make([]dto.JobResponse, 0, len(list)),
		Count: len(list),
	}
	for _, job := range list {
		resp.Jobs = append(resp.Jobs, toJobResponse(job))
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

// Cancel handles DELETE /api/jobs/{id}.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid job ID"))
		return
	}
	if err := h.processor.Cancel(jobID); err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			h.WriteError(w, http.StatusNotFound, dto.NotFoundError("job"))
		case errors.Is(err, model.ErrValidation):
			h.WriteError(w, http.StatusConflict, dto.ConflictError(err.Error()))
		default:
			h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
