// Package poller tracks a job through the status endpoint at an interval that
// adapts to the job's reported state.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kiranshivaraju/mindscope/internal/apperr"
	"github.com/kiranshivaraju/mindscope/internal/backoff"
	"github.com/kiranshivaraju/mindscope/internal/config"
	"github.com/kiranshivaraju/mindscope/pkg/models"
)

// Client is the subset of the upstream API the poller needs.
type Client interface {
	Status(ctx context.Context, jobID string) (*models.StatusReport, error)
	Result(ctx context.Context, resultID string) (*models.AnalysisResult, error)
}

// AttemptFunc observes every status request. err is nil on success, in which
// case status holds the reported state.
type AttemptFunc func(attempt int, status models.JobStatus, err error)

type Poller struct {
	client Client
	cfg    config.PollConfig
	clock  clockwork.Clock
	logger *slog.Logger
}

type Option func(*Poller)

func WithClock(c clockwork.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

func New(client Client, cfg config.PollConfig, opts ...Option) *Poller {
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = cfg.Interval
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 1
	}
	if cfg.ResultFetchRetries <= 0 {
		cfg.ResultFetchRetries = 1
	}
	p := &Poller{
		client: client,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the wait before the next status request given the last
// reported status and the 1-based attempt number.
func (p *Poller) Interval(status models.JobStatus, attempt int) time.Duration {
	base := p.cfg.Interval
	switch status {
	case models.JobStatusQueued:
		return min(2*base, p.cfg.MaxInterval)
	case models.JobStatusProcessing:
		return base
	case models.JobStatusAnalyzing:
		return max(base*7/10, p.cfg.MinInterval)
	default:
		grown := base + base*time.Duration(attempt)/10
		return min(grown, p.cfg.MaxInterval)
	}
}

// Run polls jobID until it completes, fails, or polling gives up. A completed
// job's result is fetched with FetchResult.
func (p *Poller) Run(ctx context.Context, jobID string, onAttempt AttemptFunc) (*models.AnalysisResult, error) {
	errBackoff := backoff.Policy{
		Initial:    p.cfg.Interval,
		Max:        p.cfg.MaxErrorBackoff,
		Multiplier: 2,
	}

	consecutive := 0
	for attempt := 1; ; attempt++ {
		report, err := p.client.Status(ctx, jobID)
		if onAttempt != nil {
			var st models.JobStatus
			if report != nil {
				st = report.Status
			}
			onAttempt(attempt, st, err)
		}

		var wait time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.KindOf(ctx.Err()), ctx.Err(), "status polling stopped")
			}
			if !apperr.Retryable(err) {
				return nil, err
			}
			consecutive++
			if consecutive >= p.cfg.MaxConsecutiveErrors {
				p.logger.Warn("status polling giving up",
					"job_id", jobID,
					"consecutive_errors", consecutive,
					"error", err,
				)
				return nil, apperr.Wrap(apperr.KindOf(err), err,
					fmt.Sprintf("status polling gave up after %d consecutive errors", consecutive))
			}
			wait = errBackoff.Base(consecutive)
			if e, ok := apperr.As(err); ok && e.RetryAfter > wait {
				wait = e.RetryAfter
			}
			p.logger.Debug("status request failed, backing off",
				"job_id", jobID,
				"attempt", attempt,
				"delay", wait,
				"error", err,
			)
		} else {
			consecutive = 0
			switch report.Status {
			case models.JobStatusFailed:
				msg := ""
				if report.Error != nil {
					msg = *report.Error
				}
				return nil, apperr.AssessmentFailed(msg)
			case models.JobStatusCompleted:
				if report.ResultID != nil && *report.ResultID != "" {
					return p.FetchResult(ctx, *report.ResultID)
				}
				p.logger.Debug("job completed without result id yet", "job_id", jobID)
			}
			wait = p.Interval(report.Status, attempt)
		}

		if err := backoff.Sleep(ctx, p.clock, wait); err != nil {
			return nil, apperr.Wrap(apperr.KindOf(err), err, "status polling stopped")
		}
	}
}

// FetchResult loads a result that the status endpoint reported as ready,
// retrying with exponential delays while the result store catches up. It
// never re-polls status. Exhaustion yields KindResultNotAvailableYet.
func (p *Poller) FetchResult(ctx context.Context, resultID string) (*models.AnalysisResult, error) {
	policy := backoff.Policy{
		Initial:    p.cfg.ResultRetryBase,
		Max:        p.cfg.ResultRetryMax,
		Multiplier: 2,
	}

	var lastErr error
	for i := 0; i < p.cfg.ResultFetchRetries; i++ {
		if i > 0 {
			if err := backoff.Sleep(ctx, p.clock, policy.Base(i)); err != nil {
				return nil, apperr.Wrap(apperr.KindOf(err), err, "result fetch stopped")
			}
		}

		res, err := p.client.Result(ctx, resultID)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindOf(ctx.Err()), ctx.Err(), "result fetch stopped")
		}
		if !apperr.Is(err, apperr.KindNotFound) && !apperr.Retryable(err) {
			return nil, err
		}
		lastErr = err
		p.logger.Debug("result not ready", "result_id", resultID, "attempt", i+1, "error", err)
	}

	return nil, apperr.Wrap(apperr.KindResultNotAvailableYet, lastErr,
		fmt.Sprintf("result %s not available after %d attempts", resultID, p.cfg.ResultFetchRetries))
}
