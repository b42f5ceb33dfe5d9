// Package assessment runs the full submit-and-monitor cycle for an assessment
// and serves the results it produces.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/mindscope/internal/apperr"
	"github.com/kiranshivaraju/mindscope/internal/cache"
	"github.com/kiranshivaraju/mindscope/internal/credential"
	"github.com/kiranshivaraju/mindscope/internal/dedup"
	"github.com/kiranshivaraju/mindscope/internal/store"
	"github.com/kiranshivaraju/mindscope/pkg/models"
)

// RecentLimit is how many submissions the cached per-user listing holds.
const RecentLimit = 20

// Upstream is the part of the analysis API the service calls directly.
type Upstream interface {
	Submit(ctx context.Context, payload models.AssessmentPayload) (*models.Job, error)
	Result(ctx context.Context, resultID string) (*models.AnalysisResult, error)
}

// Watcher follows a job to its terminal outcome.
type Watcher interface {
	Watch(ctx context.Context, jobID, token string) (*models.AnalysisResult, error)
}

// Recorder receives one call per Submit.
type Recorder interface {
	RecordSubmission(err error, shared bool)
}

// Outcome is what every caller sharing a submission receives.
type Outcome struct {
	SubmissionKey string                 `json:"submissionKey"`
	Job           *models.Job            `json:"job"`
	Result        *models.AnalysisResult `json:"result"`
}

// Service orchestrates submissions. The ledger and recorder are optional.
type Service struct {
	upstream Upstream
	watcher  Watcher
	creds    credential.Provider
	ledger   store.Ledger
	recorder Recorder
	logger   *slog.Logger

	results     *cache.SWR[*models.AnalysisResult]
	submissions *cache.SWR[[]*models.SubmissionRecord]
	inflight    *dedup.Deduplicator[*Outcome]
}

type Option func(*Service)

func WithLedger(l store.Ledger) Option {
	return func(s *Service) { s.ledger = l }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSubmissionCache caches each user's recent submissions listing.
func WithSubmissionCache(c *cache.SWR[[]*models.SubmissionRecord]) Option {
	return func(s *Service) { s.submissions = c }
}

// NewService creates a Service. results caches fetched analysis results.
func NewService(up Upstream, w Watcher, creds credential.Provider, results *cache.SWR[*models.AnalysisResult], opts ...Option) *Service {
	s := &Service{
		upstream: up,
		watcher:  w,
		creds:    creds,
		results:  results,
		logger:   slog.Default(),
		inflight: dedup.New[*Outcome](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates payload and runs one submit-and-monitor cycle for it.
// Identical submissions from the same user made while a cycle is running join
// that cycle instead of starting another; shared reports whether that
// happened. The call blocks until the job resolves or ctx ends.
func (s *Service) Submit(ctx context.Context, userID string, payload models.AssessmentPayload) (out *Outcome, shared bool, err error) {
	defer func() {
		if s.recorder != nil {
			s.recorder.RecordSubmission(err, shared)
		}
	}()

	if verr := payload.Validate(); verr != nil {
		e := apperr.Wrap(apperr.KindValidation, verr, "rejected before submission")
		e.Message = verr.Error()
		return nil, false, e
	}
	key, err := dedup.Key(userID, payload)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindInternal, err, "fingerprinting submission")
	}

	return s.inflight.Do(ctx, key, func(ctx context.Context) (*Outcome, error) {
		return s.run(ctx, userID, key, payload)
	})
}

func (s *Service) run(ctx context.Context, userID, key string, payload models.AssessmentPayload) (*Outcome, error) {
	log := s.logger.With("user_id", userID, "submission_key", key)

	job, err := s.upstream.Submit(ctx, payload)
	if err != nil {
		log.Warn("submission rejected", "error", err)
		return nil, err
	}
	log = log.With("job_id", job.ID)
	log.Info("assessment submitted", "status", job.Status)

	if s.ledger != nil {
		rec := &models.SubmissionRecord{
			UserID:        userID,
			SubmissionKey: key,
			JobID:         job.ID,
			Status:        job.Status,
		}
		if err := s.ledger.CreateSubmission(ctx, rec); err != nil {
			log.Error("recording submission", "error", err)
		}
		s.invalidateListing(ctx, userID)
	}

	token, err := s.creds.Token(ctx)
	if err != nil {
		// Push needs a token; without one the monitor still polls.
		log.Warn("no credential for push channel", "error", err)
	}

	res, err := s.watcher.Watch(ctx, job.ID, token)
	if err != nil {
		s.settle(ctx, log, userID, job.ID, nil, err)
		return nil, err
	}
	if res.JobID == "" {
		res.JobID = job.ID
	}

	s.results.Set(ctx, cache.ResultKey(res.ID), res)
	s.settle(ctx, log, userID, job.ID, res, nil)

	job.Status = models.JobStatusCompleted
	job.ResultID = &res.ID
	return &Outcome{SubmissionKey: key, Job: job, Result: res}, nil
}

// settle records the terminal outcome in the ledger.
func (s *Service) settle(ctx context.Context, log *slog.Logger, userID, jobID string, res *models.AnalysisResult, err error) {
	if s.ledger == nil {
		return
	}
	defer s.invalidateListing(ctx, userID)

	var uerr error
	if err != nil {
		e := apperr.Normalize(err)
		uerr = s.ledger.UpdateSubmissionStatus(ctx, jobID, models.JobStatusFailed, store.WithError(e.Code(), e.Message))
	} else {
		uerr = s.ledger.UpdateSubmissionStatus(ctx, jobID, models.JobStatusCompleted, store.WithResultID(res.ID))
	}
	if uerr != nil {
		log.Error("recording submission outcome", "error", uerr)
	}
}

func (s *Service) invalidateListing(ctx context.Context, userID string) {
	if s.submissions != nil {
		s.submissions.Invalidate(ctx, cache.UserSubmissionsKey(userID))
	}
}

// Result returns an analysis result, serving it from cache when possible.
func (s *Service) Result(ctx context.Context, resultID string) (*models.AnalysisResult, error) {
	if resultID == "" {
		return nil, apperr.New(apperr.KindValidation, "result id is required")
	}
	return s.results.Get(ctx, cache.ResultKey(resultID), func(ctx context.Context) (*models.AnalysisResult, error) {
		return s.upstream.Result(ctx, resultID)
	})
}

// UserResult returns a result produced by one of userID's submissions.
// Results belonging to other users are reported as not found. refresh drops
// the cached copy first.
func (s *Service) UserResult(ctx context.Context, userID, resultID string, refresh bool) (*models.AnalysisResult, error) {
	if s.ledger == nil {
		return nil, errLedgerDisabled
	}
	if resultID == "" {
		return nil, apperr.New(apperr.KindValidation, "result id is required")
	}
	owned, err := s.ledger.OwnsResult(ctx, userID, resultID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "checking result owner")
	}
	if !owned {
		return nil, apperr.New(apperr.KindNotFound, "result "+resultID+" not owned by "+userID)
	}
	if refresh {
		s.InvalidateResult(ctx, resultID)
	}
	return s.Result(ctx, resultID)
}

// InvalidateResult drops a cached result so the next read refetches it.
func (s *Service) InvalidateResult(ctx context.Context, resultID string) {
	s.results.Invalidate(ctx, cache.ResultKey(resultID))
}

// RecentSubmissions returns the user's latest submissions from the ledger.
func (s *Service) RecentSubmissions(ctx context.Context, userID string) ([]*models.SubmissionRecord, error) {
	if s.ledger == nil {
		return nil, errLedgerDisabled
	}
	fetch := func(ctx context.Context) ([]*models.SubmissionRecord, error) {
		recs, _, err := s.ledger.ListSubmissions(ctx, store.SubmissionFilter{UserID: userID, Limit: RecentLimit})
		if err != nil {
			return nil, fmt.Errorf("listing submissions: %w", err)
		}
		return recs, nil
	}
	if s.submissions == nil {
		return fetch(ctx)
	}
	return s.submissions.Get(ctx, cache.UserSubmissionsKey(userID), fetch)
}

// ListSubmissions pages through the user's ledger without caching.
func (s *Service) ListSubmissions(ctx context.Context, filter store.SubmissionFilter) ([]*models.SubmissionRecord, int, error) {
	if s.ledger == nil {
		return nil, 0, errLedgerDisabled
	}
	return s.ledger.ListSubmissions(ctx, filter)
}

// Submission returns one of the user's submissions by job id.
func (s *Service) Submission(ctx context.Context, userID, jobID string) (*models.SubmissionRecord, error) {
	if s.ledger == nil {
		return nil, errLedgerDisabled
	}
	rec, err := s.ledger.GetSubmission(ctx, userID, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, err, "submission "+jobID)
	}
	return rec, err
}

// InFlight reports how many distinct submissions are currently running.
func (s *Service) InFlight() int {
	return s.inflight.InFlight()
}

var errLedgerDisabled = apperr.New(apperr.KindServiceUnavailable, "submission ledger is not configured")
