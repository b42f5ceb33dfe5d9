package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kiranshivaraju/mindscope/internal/apperr"
	"github.com/kiranshivaraju/mindscope/internal/backoff"
	"github.com/kiranshivaraju/mindscope/internal/credential"
	"github.com/kiranshivaraju/mindscope/pkg/models"
	"golang.org/x/time/rate"
)

// Sentinel errors for upstream transport failures.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	// ErrDialFailed means no connection was established, so the request
	// never reached the server.
	ErrDialFailed = errors.New("upstream dial failed")
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Client is the interface for the upstream analysis API.
type Client interface {
	Submit(ctx context.Context, payload models.AssessmentPayload) (*models.Job, error)
	Status(ctx context.Context, jobID string) (*models.StatusReport, error)
	Result(ctx context.Context, resultID string) (*models.AnalysisResult, error)
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// HTTPClient implements Client over the upstream JSON API.
type HTTPClient struct {
	baseURL       string
	creds         credential.Provider
	client        *http.Client
	limiter       *rate.Limiter
	submitRetries int
	retry         backoff.Policy
	clock         clockwork.Clock
	logger        *slog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithRateLimit throttles outbound requests to rps with a burst of one.
// A non-positive rps disables throttling.
func WithRateLimit(rps float64) Option {
	return func(c *HTTPClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithSubmitRetries sets how many times a submission that never reached the
// server is retried.
func WithSubmitRetries(n int) Option {
	return func(c *HTTPClient) { c.submitRetries = n }
}

// WithRetryPolicy sets the backoff between submission retries.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(c *HTTPClient) { c.retry = p }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *HTTPClient) { c.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *HTTPClient) { c.logger = l }
}

// NewHTTPClient creates a client for the API rooted at baseURL.
func NewHTTPClient(baseURL string, creds credential.Provider, timeout time.Duration, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		creds:   creds,
		client:  &http.Client{Timeout: timeout},
		retry: backoff.Policy{
			Initial:    500 * time.Millisecond,
			Max:        5 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit posts a new analysis job. Only failures where the server cannot have
// accepted the work are retried, so a retry never creates a second job.
func (c *HTTPClient) Submit(ctx context.Context, payload models.AssessmentPayload) (*models.Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "encoding payload")
	}

	var lastErr error
	for attempt := 0; attempt <= c.submitRetries; attempt++ {
		if attempt > 0 {
			delay := c.retry.Delay(attempt)
			c.logger.Warn("retrying submission",
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			if err := backoff.Sleep(ctx, c.clock, delay); err != nil {
				return nil, classifyError(err)
			}
		}

		var job models.Job
		lastErr = c.do(ctx, http.MethodPost, "/analyze", body, &job)
		if lastErr == nil {
			if job.ID == "" {
				return nil, apperr.New(apperr.KindServer, "submission response has no jobId")
			}
			if job.Status == "" {
				job.Status = models.JobStatusQueued
			}
			job.Status = models.ParseJobStatus(string(job.Status))
			return &job, nil
		}
		if !submitRetryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (c *HTTPClient) Status(ctx context.Context, jobID string) (*models.StatusReport, error) {
	var report models.StatusReport
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(jobID), nil, &report); err != nil {
		return nil, err
	}
	report.Status = models.ParseJobStatus(string(report.Status))
	return &report, nil
}

func (c *HTTPClient) Result(ctx context.Context, resultID string) (*models.AnalysisResult, error) {
	var result models.AnalysisResult
	if err := c.do(ctx, http.MethodGet, "/results/"+url.PathEscape(resultID), nil, &result); err != nil {
		return nil, err
	}
	if result.ID == "" {
		result.ID = resultID
	}
	return &result, nil
}

// do performs one logical request. A 401 invalidates the credential and the
// request is repeated once with a fresh one.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	err := c.doOnce(ctx, method, path, body, out)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
		c.logger.Info("upstream rejected credential, refreshing", "path", path)
		c.creds.Invalidate()
		err = c.doOnce(ctx, method, path, body, out)
	}
	return err
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, body []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return classifyError(err)
		}
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "building request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperr.Wrap(apperr.KindServer, err, "decoding upstream response")
	}
	if !env.Success {
		msg := ""
		if env.Error != nil {
			msg = env.Error.Message
		}
		return apperr.Wrap(apperr.KindServer, &StatusError{StatusCode: resp.StatusCode, Message: msg}, "upstream reported failure")
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return apperr.Wrap(apperr.KindServer, err, "decoding upstream data")
		}
	}
	return nil
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var env envelope
	if json.Unmarshal(raw, &env) == nil && env.Error != nil {
		se.Code = env.Error.Code
		se.Message = env.Error.Message
	}

	var kind apperr.Kind
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = apperr.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = apperr.KindAuth
	case http.StatusNotFound:
		kind = apperr.KindNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = apperr.KindTimeout
	case http.StatusTooManyRequests:
		kind = apperr.KindRateLimited
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		kind = apperr.KindServiceUnavailable
	default:
		if resp.StatusCode >= 500 {
			kind = apperr.KindServer
		} else {
			kind = apperr.KindValidation
		}
	}

	e := apperr.Wrap(kind, se, "upstream "+resp.Request.Method+" "+resp.Request.URL.Path)
	if kind == apperr.KindRateLimited {
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return e
}

// parseRetryAfter reads delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// classifyError maps transport-level errors to the taxonomy.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindCanceled, err, "request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err), "")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.KindTimeout, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err), "")
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return apperr.Wrap(apperr.KindNetwork, fmt.Errorf("%w: %w: %v", ErrUpstreamUnreachable, ErrDialFailed, err), "")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return apperr.Wrap(apperr.KindNetwork, fmt.Errorf("%w: %w: %v", ErrUpstreamUnreachable, ErrDialFailed, err), "")
	}

	return apperr.Wrap(apperr.KindNetwork, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err), "")
}

func submitRetryable(err error) bool {
	if errors.Is(err, ErrDialFailed) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusServiceUnavailable
}

// --- upstream wire types ---

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *upstreamError  `json:"error,omitempty"`
}

type upstreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
