// Package engine assembles the submission and monitoring stack from config.
package engine

import (
	"log/slog"

	"github.com/kiranshivaraju/mindscope/internal/apiclient"
	"github.com/kiranshivaraju/mindscope/internal/assessment"
	"github.com/kiranshivaraju/mindscope/internal/cache"
	"github.com/kiranshivaraju/mindscope/internal/config"
	"github.com/kiranshivaraju/mindscope/internal/credential"
	"github.com/kiranshivaraju/mindscope/internal/metrics"
	"github.com/kiranshivaraju/mindscope/internal/monitor"
	"github.com/kiranshivaraju/mindscope/internal/poller"
	"github.com/kiranshivaraju/mindscope/internal/push"
	"github.com/kiranshivaraju/mindscope/internal/store"
	"github.com/kiranshivaraju/mindscope/pkg/models"
)

// Engine is the wired stack. Push is nil when the push channel is disabled.
type Engine struct {
	Credentials credential.Provider
	Client      *apiclient.HTTPClient
	Push        *push.Manager
	Poller      *poller.Poller
	Monitor     *monitor.Monitor
	Service     *assessment.Service
	Results     *cache.SWR[*models.AnalysisResult]
	Submissions *cache.SWR[[]*models.SubmissionRecord]

	logger *slog.Logger
}

type options struct {
	backend cache.Cache
	ledger  store.Ledger
	metrics *metrics.Metrics
	dialer  push.Dialer
	logger  *slog.Logger
}

type Option func(*options)

// WithBackend shares cached results through Redis.
func WithBackend(c cache.Cache) Option {
	return func(o *options) { o.backend = c }
}

func WithLedger(l store.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// WithMetrics registers the engine's instruments and hooks on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithDialer(d push.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds an Engine from cfg. Nothing connects until the first Watch.
func New(cfg *config.Config, opts ...Option) *Engine {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = push.WebSocketDialer{HandshakeTimeout: cfg.Push.AuthTimeout}
	}

	e := &Engine{Credentials: NewCredentials(cfg.Upstream), logger: o.logger}
	e.Client = apiclient.NewHTTPClient(cfg.Upstream.BaseURL, e.Credentials, cfg.Upstream.Timeout,
		apiclient.WithRateLimit(cfg.Upstream.RateLimitRPS),
		apiclient.WithSubmitRetries(cfg.Upstream.SubmitRetries),
		apiclient.WithLogger(o.logger),
	)

	var pushCh monitor.PushChannel
	if cfg.Push.Enabled {
		pushOpts := []push.Option{push.WithLogger(o.logger)}
		if o.metrics != nil {
			pushOpts = append(pushOpts, push.WithReconnectHook(o.metrics.ObserveReconnect))
		}
		e.Push = push.NewManager(cfg.Push, o.dialer, pushOpts...)
		pushCh = e.Push
	}

	e.Poller = poller.New(e.Client, cfg.Poll, poller.WithLogger(o.logger))

	monOpts := []monitor.Option{monitor.WithLogger(o.logger)}
	if o.metrics != nil {
		monOpts = append(monOpts, monitor.WithResolveHook(o.metrics.ObserveResolution))
	}
	e.Monitor = monitor.New(pushCh, e.Poller, cfg.Monitor, monOpts...)

	policy := cache.Policy{TTL: cfg.Cache.TTL, StaleWindow: cfg.Cache.StaleWindow}
	cacheOpts := func(name string) []cache.Option {
		co := []cache.Option{
			cache.WithName(name),
			cache.WithRefreshTimeout(cfg.Cache.RefreshTimeout),
			cache.WithLogger(o.logger),
		}
		if o.backend != nil {
			co = append(co, cache.WithBackend(o.backend))
		}
		return co
	}
	e.Results = cache.New[*models.AnalysisResult](policy, cacheOpts("results")...)
	e.Submissions = cache.New[[]*models.SubmissionRecord](policy, cacheOpts("submissions")...)

	svcOpts := []assessment.Option{
		assessment.WithLogger(o.logger),
		assessment.WithSubmissionCache(e.Submissions),
	}
	if o.ledger != nil {
		svcOpts = append(svcOpts, assessment.WithLedger(o.ledger))
	}
	if o.metrics != nil {
		svcOpts = append(svcOpts, assessment.WithRecorder(o.metrics))
	}
	e.Service = assessment.NewService(e.Client, e.Monitor, e.Credentials, e.Results, svcOpts...)

	if m := o.metrics; m != nil {
		m.RegisterCache("results", e.Results.Stats)
		m.RegisterCache("submissions", e.Submissions.Stats)
		m.RegisterGauge("monitors_active", "Jobs currently being monitored.", func() float64 {
			return float64(e.Monitor.Active())
		})
		m.RegisterGauge("submissions_in_flight", "Distinct submissions currently running.", func() float64 {
			return float64(e.Service.InFlight())
		})
	}
	return e
}

// Prune drops expired entries from both caches.
func (e *Engine) Prune() int {
	return e.Results.Prune() + e.Submissions.Prune()
}

// Close stops the push channel and lets in-flight cache refreshes finish.
func (e *Engine) Close() {
	if e.Push != nil {
		if err := e.Push.Close(); err != nil {
			e.logger.Warn("closing push channel", "error", err)
		}
	}
	e.Results.Wait()
	e.Submissions.Wait()
}

// NewCredentials picks the upstream credential source: a token file is
// re-read as its JWT nears expiry, a literal token is used as is.
func NewCredentials(cfg config.UpstreamConfig) credential.Provider {
	if cfg.TokenFile != "" {
		return credential.NewRefreshing(credential.FromFile(cfg.TokenFile))
	}
	return credential.Static(cfg.Token)
}
