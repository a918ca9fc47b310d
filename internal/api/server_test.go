package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-caf/receipt-match-backend/internal/api"
	"github.com/g-caf/receipt-match-backend/internal/api/dto"
	"github.com/g-caf/receipt-match-backend/internal/application/jobs"
	"github.com/g-caf/receipt-match-backend/internal/application/learning"
	"github.com/g-caf/receipt-match-backend/internal/application/matching"
	"github.com/g-caf/receipt-match-backend/internal/domain/candidates"
	"github.com/g-caf/receipt-match-backend/internal/domain/merchant"
	"github.com/g-caf/receipt-match-backend/internal/domain/model"
	"github.com/g-caf/receipt-match-backend/internal/domain/scoring"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/config"
	"github.com/g-caf/receipt-match-backend/internal/infrastructure/storage"
)

func newTestServer(t *testing.T) (*api.Server, *storage.MockRepository) {
	t.Helper()
	repo := storage.NewMockRepository()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	comparer := merchant.NewComparer(repo)
	engine := scoring.NewEngine(comparer)
	generator := candidates.NewGenerator(repo, engine, logger)
	orchestrator := matching.NewOrchestrator(repo, logger)
	configs := matching.NewConfigCache(repo, config.MatchingDefaults{})
	matcher := matching.NewService(repo, generator, orchestrator, configs, logger)

	learner := merchant.NewLearner(repo)
	feedback := learning.NewStore(repo, learner, comparer, logger)
	processor := jobs.NewProcessor(repo, matcher, 1, 1, logger)

	server := api.NewServer(api.DefaultConfig(), repo, matcher, processor, feedback, logger)
	return server, repo
}

func doJSON(t *testing.T, server *api.Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

// seedPair stores a transaction and receipt that score a confident match:
// same amount, same day, identical merchant and currency.
func seedPair(t *testing.T, repo *storage.MockRepository, orgID uuid.UUID) (*model.Transaction, *model.Receipt) {
	t.Helper()
	day := time.Now().UTC().AddDate(0, 0, -2).Truncate(24 * time.Hour)
	txn := &model.Transaction{
		ID:              uuid.New(),
		OrganizationID:  orgID,
		Amount:          decimal.RequireFromString("-41.70"),
		Currency:        "USD",
		TransactionDate: day,
		MerchantName:    "Blue Bottle Coffee",
		Status:          model.TransactionUnmatched,
	}
	receipt := &model.Receipt{
		ID:             uuid.New(),
		OrganizationID: orgID,
		TotalAmount:    decimal.RequireFromString("41.70"),
		Currency:       "USD",
		ReceiptDate:    day,
		MerchantName:   "Blue Bottle Coffee",
		Status:         model.ReceiptProcessed,
	}
	require.NoError(t, repo.SaveTransaction(txn))
	require.NoError(t, repo.SaveReceipt(receipt))
	return txn, receipt
}

// seedSuggestion stores an inactive suggested match for a seeded pair.
func seedSuggestion(t *testing.T, repo *storage.MockRepository, txn *model.Transaction, receipt *model.Receipt) *model.Match {
	t.Helper()
	m := &model.Match{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		ReceiptID:     receipt.ID,
		Type:          model.MatchSuggested,
		Confidence:    0.75,
	}
	require.NoError(t, repo.CreateSuggestion(m))
	return m
}

func TestServer_Health(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var response dto.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "ok", response.Status)
}

func TestServer_RunAutoMatch(t *testing.T) {
	t.Run("matches the seeded backlog", func(t *testing.T) {
		server, repo := newTestServer(t)
		orgID := uuid.New()
		txn, receipt := seedPair(t, repo, orgID)

		rec := doJSON(t, server, http.MethodPost, "/api/matches/auto", dto.RunAutoMatchRequest{
			OrganizationID: orgID.String(),
			DaysBack:       30,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var response dto.AutoMatchResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.Equal(t, 1, response.Stats.AutoMatched)
		require.NotEmpty(t, response.Candidates)
		assert.Equal(t, txn.ID.String(), response.Candidates[0].TransactionID)
		assert.Equal(t, receipt.ID.String(), response.Candidates[0].ReceiptID)

		active, err := repo.ActiveMatchForTransaction(txn.ID)
		require.NoError(t, err)
		require.NotNil(t, active)
	})

	t.Run("scopes the pass to named transactions", func(t *testing.T) {
		server, repo := newTestServer(t)
		orgID := uuid.New()
		txn, _ := seedPair(t, repo, orgID)

		rec := doJSON(t, server, http.MethodPost, "/api/matches/auto", dto.RunAutoMatchRequest{
			OrganizationID: orgID.String(),
			TransactionIDs: []string{txn.ID.String()},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var response dto.AutoMatchResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.Equal(t, 1, response.Stats.Evaluated)
	})

	t.Run("rejects a missing organization", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/matches/auto", dto.RunAutoMatchRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var apiErr dto.APIError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
		assert.Equal(t, dto.ErrCodeBadRequest, apiErr.Code)
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		server, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/matches/auto", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown transaction ID is a 404", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/matches/auto", dto.RunAutoMatchRequest{
			OrganizationID: uuid.New().String(),
			TransactionIDs: []string{uuid.New().String()},
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_GetSuggestions(t *testing.T) {
	t.Run("ranks candidates for a transaction", func(t *testing.T) {
		server, repo := newTestServer(t)
		orgID := uuid.New()
		txn, receipt := seedPair(t, repo, orgID)

		rec := doJSON(t, server, http.MethodGet,
			"/api/suggestions/transaction/"+txn.ID.String()+"?organization_id="+orgID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var response dto.SuggestionsResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.Equal(t, "transaction", response.ItemType)
		require.Equal(t, 1, response.Count)
		assert.Equal(t, receipt.ID.String(), response.Suggestions[0].ReceiptID)
	})

	t.Run("rejects an unknown item type", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodGet,
			"/api/suggestions/invoice/"+uuid.New().String()+"?organization_id="+uuid.New().String(), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("requires an organization_id", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodGet,
			"/api/suggestions/transaction/"+uuid.New().String(), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown item is a 404", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodGet,
			"/api/suggestions/receipt/"+uuid.New().String()+"?organization_id="+uuid.New().String(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_ConfirmMatch(t *testing.T) {
	t.Run("promotes a suggestion", func(t *testing.T) {
		server, repo := newTestServer(t)
		orgID := uuid.New()
		txn, receipt := seedPair(t, repo, orgID)
		suggestion := seedSuggestion(t, repo, txn, receipt)

		rec := doJSON(t, server, http.MethodPost,
			"/api/matches/"+suggestion.ID.String()+"/confirm",
			dto.ConfirmMatchRequest{UserID: uuid.New().String()})
		require.Equal(t, http.StatusOK, rec.Code)

		var response dto.MatchResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.True(t, response.Active)
		assert.Equal(t, string(model.MatchReviewed), response.Type)
		assert.Equal(t, txn.ID.String(), response.TransactionID)
	})

	t.Run("unknown match is a 404", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodPost,
			"/api/matches/"+uuid.New().String()+"/confirm",
			dto.ConfirmMatchRequest{UserID: uuid.New().String()})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("activation race surfaces as a 409", func(t *testing.T) {
		server, repo := newTestServer(t)
		orgID := uuid.New()
		txn, receipt := seedPair(t, repo, orgID)
		suggestion := seedSuggestion(t, repo, txn, receipt)
		repo.ActivateMatchErr = model.ErrConcurrencyConflict

		rec := doJSON(t, server, http.MethodPost,
			"/api/matches/"+suggestion.ID.String()+"/confirm",
			dto.ConfirmMatchRequest{UserID: uuid.New().String()})
		assert.Equal(t, http.StatusConflict, rec.Code)

		var apiErr dto.APIError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
		assert.Equal(t, dto.ErrCodeConflict, apiErr.Code)
	})

	t.Run("requires a user_id", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodPost,
			"/api/matches/"+uuid.New().String()+"/confirm", dto.ConfirmMatchRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_RejectMatch(t *testing.T) {
	t.Run("records the rejection", func(t *testing.T) {
		server, repo := newTestServer(t)
		orgID := uuid.New()
		txn, receipt := seedPair(t, repo, orgID)
		suggestion := seedSuggestion(t, repo, txn, receipt)

		rec := doJSON(t, server, http.MethodPost,
			"/api/matches/"+suggestion.ID.String()+"/reject",
			dto.RejectMatchRequest{UserID: uuid.New().String(), Reason: "wrong receipt"})
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rejected, err := repo.HasRejection(txn.ID, receipt.ID)
		require.NoError(t, err)
		assert.True(t, rejected)
	})

	t.Run("correction must name valid IDs", func(t *testing.T) {
		server, repo := newTestServer(t)
		orgID := uuid.New()
		txn, receipt := seedPair(t, repo, orgID)
		suggestion := seedSuggestion(t, repo, txn, receipt)

		rec := doJSON(t, server, http.MethodPost,
			"/api/matches/"+suggestion.ID.String()+"/reject",
			dto.RejectMatchRequest{
				UserID:     uuid.New().String(),
				Correction: &dto.CorrectionRequest{TransactionID: "not-a-uuid", ReceiptID: receipt.ID.String()},
			})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_ListUnmatched(t *testing.T) {
	server, repo := newTestServer(t)
	orgID := uuid.New()
	txn, receipt := seedPair(t, repo, orgID)

	rec := doJSON(t, server, http.MethodGet, "/api/unmatched?organization_id="+orgID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var response dto.UnmatchedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	require.Len(t, response.Transactions, 1)
	assert.Equal(t, txn.ID.String(), response.Transactions[0].ID)
	require.Len(t, response.Receipts, 1)
	assert.Equal(t, receipt.ID.String(), response.Receipts[0].ID)

	rec = doJSON(t, server, http.MethodGet, "/api/unmatched", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Config(t *testing.T) {
	t.Run("returns defaults for a new organization", func(t *testing.T) {
		server, _ := newTestServer(t)
		orgID := uuid.New()

		rec := doJSON(t, server, http.MethodGet, "/api/config?organization_id="+orgID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var response dto.ConfigResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.Equal(t, orgID.String(), response.OrganizationID)
		assert.Equal(t, 0.90, response.AutoMatchThreshold)
		assert.Equal(t, 0.60, response.SuggestThreshold)
	})

	t.Run("applies a partial update", func(t *testing.T) {
		server, _ := newTestServer(t)
		orgID := uuid.New()
		days := 10

		rec := doJSON(t, server, http.MethodPut, "/api/config?organization_id="+orgID.String(),
			dto.UpdateConfigRequest{DateWindowDays: &days})
		require.Equal(t, http.StatusOK, rec.Code)

		var response dto.ConfigResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.Equal(t, 10, response.DateWindowDays)
		assert.Equal(t, int64(2), response.Version)
	})

	t.Run("rejects an invalid update", func(t *testing.T) {
		server, _ := newTestServer(t)
		orgID := uuid.New()
		suggest := 0.95 // above the default auto threshold

		rec := doJSON(t, server, http.MethodPut, "/api/config?organization_id="+orgID.String(),
			dto.UpdateConfigRequest{SuggestThreshold: &suggest})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var apiErr dto.APIError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
		assert.Equal(t, dto.ErrCodeValidation, apiErr.Code)
	})

	t.Run("requires an organization_id", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodGet, "/api/config", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_Metrics(t *testing.T) {
	server, repo := newTestServer(t)
	orgID := uuid.New()
	seedPair(t, repo, orgID)

	rec := doJSON(t, server, http.MethodGet, "/api/metrics?organization_id="+orgID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var response dto.MetricsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, 0, response.AutoMatches)
	assert.Equal(t, 1, response.UnmatchedTxns)
	assert.NotEmpty(t, response.PeriodStart)
}

func TestServer_Feedback(t *testing.T) {
	t.Run("accepts a verdict", func(t *testing.T) {
		server, repo := newTestServer(t)
		orgID := uuid.New()
		txn, receipt := seedPair(t, repo, orgID)
		suggestion := seedSuggestion(t, repo, txn, receipt)

		rec := doJSON(t, server, http.MethodPost, "/api/feedback", dto.SubmitFeedbackRequest{
			MatchID:    suggestion.ID.String(),
			WasCorrect: true,
			UserID:     uuid.New().String(),
		})
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.True(t, repo.SaveFeedbackCalled)
	})

	t.Run("unknown match is a 404", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/feedback", dto.SubmitFeedbackRequest{
			MatchID:    uuid.New().String(),
			WasCorrect: false,
			UserID:     uuid.New().String(),
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("requires a match_id", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/feedback", dto.SubmitFeedbackRequest{
			UserID: uuid.New().String(),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_Jobs(t *testing.T) {
	t.Run("queues and reports a job", func(t *testing.T) {
		server, repo := newTestServer(t)
		orgID := uuid.New()

		rec := doJSON(t, server, http.MethodPost, "/api/jobs", dto.SubmitJobRequest{
			OrganizationID: orgID.String(),
			Kind:           "bulk",
			DaysBack:       14,
		})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var created dto.JobResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
		assert.Equal(t, "bulk", created.Kind)
		assert.Equal(t, string(storage.JobPending), created.Status)

		rec = doJSON(t, server, http.MethodGet, "/api/jobs/"+created.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doJSON(t, server, http.MethodGet, "/api/jobs?organization_id="+orgID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var list dto.JobListResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
		assert.Equal(t, 1, list.Count)

		jobID, err := uuid.Parse(created.ID)
		require.NoError(t, err)
		stored, err := repo.GetJob(jobID)
		require.NoError(t, err)
		assert.Equal(t, storage.JobPending, stored.Status)
	})

	t.Run("invalid scope is a 400", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/jobs", dto.SubmitJobRequest{
			OrganizationID: uuid.New().String(),
			Kind:           "single", // missing item_id
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cancels a pending job, refuses a cancelled one", func(t *testing.T) {
		server, _ := newTestServer(t)
		orgID := uuid.New()

		rec := doJSON(t, server, http.MethodPost, "/api/jobs", dto.SubmitJobRequest{
			OrganizationID: orgID.String(),
			Kind:           "reprocess",
			DaysBack:       7,
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
		var created dto.JobResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

		rec = doJSON(t, server, http.MethodDelete, "/api/jobs/"+created.ID, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, server, http.MethodDelete, "/api/jobs/"+created.ID, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("unknown job is a 404", func(t *testing.T) {
		server, _ := newTestServer(t)

		rec := doJSON(t, server, http.MethodGet, "/api/jobs/"+uuid.New().String(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_OptionalRoutes(t *testing.T) {
	repo := storage.NewMockRepository()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	comparer := merchant.NewComparer(repo)
	engine := scoring.NewEngine(comparer)
	generator := candidates.NewGenerator(repo, engine, logger)
	orchestrator := matching.NewOrchestrator(repo, logger)
	configs := matching.NewConfigCache(repo, config.MatchingDefaults{})
	matcher := matching.NewService(repo, generator, orchestrator, configs, logger)

	// No processor, no feedback store.
	server := api.NewServer(api.DefaultConfig(), repo, matcher, nil, nil, logger)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/feedback", bytes.NewBufferString("{}"))
	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
