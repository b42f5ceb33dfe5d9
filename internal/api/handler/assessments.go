// Package handler holds the gateway's HTTP handlers.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/mindscope/internal/api/middleware"
	"github.com/kiranshivaraju/mindscope/internal/api/response"
	"github.com/kiranshivaraju/mindscope/internal/apperr"
	"github.com/kiranshivaraju/mindscope/internal/assessment"
	"github.com/kiranshivaraju/mindscope/internal/store"
	"github.com/kiranshivaraju/mindscope/pkg/models"
)

const maxPayloadBytes = 1 << 20

// Assessments is the service surface the handlers depend on.
type Assessments interface {
	Submit(ctx context.Context, userID string, payload models.AssessmentPayload) (*assessment.Outcome, bool, error)
	UserResult(ctx context.Context, userID, resultID string, refresh bool) (*models.AnalysisResult, error)
	RecentSubmissions(ctx context.Context, userID string) ([]*models.SubmissionRecord, error)
	ListSubmissions(ctx context.Context, filter store.SubmissionFilter) ([]*models.SubmissionRecord, int, error)
	Submission(ctx context.Context, userID, jobID string) (*models.SubmissionRecord, error)
}

type submitResponse struct {
	*assessment.Outcome
	Shared bool `json:"shared"`
}

// NewSubmitHandler returns the handler for POST /api/v1/assessments. It
// answers once the job has resolved.
func NewSubmitHandler(svc Assessments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.FromError(w, apperr.New(apperr.KindAuth, "no user on request"))
			return
		}

		var payload models.AssessmentPayload
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err := dec.Decode(&payload); err != nil {
			response.Error(w, http.StatusBadRequest, apperr.KindValidation.Code(), "Invalid JSON body", nil)
			return
		}

		out, shared, err := svc.Submit(r.Context(), userID, payload)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, submitResponse{Outcome: out, Shared: shared})
	}
}

// NewResultHandler returns the handler for GET /api/v1/results/{resultID}.
// Only results of the caller's own submissions are served. refresh=true drops
// the cached copy first.
func NewResultHandler(svc Assessments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.FromError(w, apperr.New(apperr.KindAuth, "no user on request"))
			return
		}
		refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

		res, err := svc.UserResult(r.Context(), userID, chi.URLParam(r, "resultID"), refresh)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

// NewListSubmissionsHandler returns the handler for GET /api/v1/submissions.
// Without query parameters it serves the cached recent listing; page, limit
// or status switch to a direct ledger query.
func NewListSubmissionsHandler(svc Assessments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.FromError(w, apperr.New(apperr.KindAuth, "no user on request"))
			return
		}

		q := r.URL.Query()
		if !q.Has("page") && !q.Has("limit") && !q.Has("status") {
			recs, err := svc.RecentSubmissions(r.Context(), userID)
			if err != nil {
				response.FromError(w, err)
				return
			}
			response.Collection(w, recs, response.PaginationMeta{
				Page:  1,
				Limit: assessment.RecentLimit,
				Total: len(recs),
			})
			return
		}

		filter, err := parseFilter(userID, q.Get("page"), q.Get("limit"), q.Get("status"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, apperr.KindValidation.Code(), err.Error(), nil)
			return
		}
		recs, total, err := svc.ListSubmissions(r.Context(), filter)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.Collection(w, recs, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// NewGetSubmissionHandler returns the handler for GET /api/v1/submissions/{jobID}.
func NewGetSubmissionHandler(svc Assessments) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.FromError(w, apperr.New(apperr.KindAuth, "no user on request"))
			return
		}

		rec, err := svc.Submission(r.Context(), userID, chi.URLParam(r, "jobID"))
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.JSON(w, rec)
	}
}

func parseFilter(userID, page, limit, status string) (store.SubmissionFilter, error) {
	f := store.SubmissionFilter{UserID: userID, Page: 1, Limit: 20}
	if page != "" {
		n, err := strconv.Atoi(page)
		if err != nil || n < 1 {
			return f, errors.New("page must be a positive integer")
		}
		f.Page = n
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > 100 {
			return f, errors.New("limit must be between 1 and 100")
		}
		f.Limit = n
	}
	if status != "" {
		s := models.ParseJobStatus(status)
		if s == models.JobStatusUnknown {
			return f, errors.New("unknown status " + strconv.Quote(status))
		}
		f.Status = s
	}
	return f, nil
}
