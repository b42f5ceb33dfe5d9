// Package monitor follows a submitted job to its terminal outcome, preferring
// push notifications and falling back to status polling.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kiranshivaraju/mindscope/internal/apperr"
	"github.com/kiranshivaraju/mindscope/internal/backoff"
	"github.com/kiranshivaraju/mindscope/internal/config"
	"github.com/kiranshivaraju/mindscope/internal/poller"
	"github.com/kiranshivaraju/mindscope/internal/push"
	"github.com/kiranshivaraju/mindscope/pkg/models"
)

// ErrAlreadyMonitoring is returned when Watch is called for a job that already
// has an active monitor.
var ErrAlreadyMonitoring = errors.New("job is already being monitored")

// Phase is where a monitored job currently is.
type Phase string

const (
	PhasePush      Phase = "monitoring_push"
	PhasePoll      Phase = "monitoring_poll"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseTimedOut  Phase = "timed_out"
)

// Path records which mechanism produced the terminal outcome.
type Path string

const (
	PathPush     Path = "push"
	PathPoll     Path = "poll"
	PathTimeout  Path = "timeout"
	PathCanceled Path = "canceled"
)

// PushChannel is the part of push.Manager the monitor uses.
type PushChannel interface {
	Connect(ctx context.Context, token string) error
	Subscribe(jobID string) error
	Unsubscribe(jobID string)
	OnEvent(h push.Handler) (unsubscribe func())
}

// ResultPoller is the part of poller.Poller the monitor uses.
type ResultPoller interface {
	Run(ctx context.Context, jobID string, onAttempt poller.AttemptFunc) (*models.AnalysisResult, error)
	FetchResult(ctx context.Context, resultID string) (*models.AnalysisResult, error)
}

// Snapshot describes an active monitor.
type Snapshot struct {
	JobID      string    `json:"jobId"`
	Phase      Phase     `json:"phase"`
	Attempts   int       `json:"attempts"`
	UsePush    bool      `json:"usePush"`
	PushFailed bool      `json:"pushFailed"`
	StartedAt  time.Time `json:"startedAt"`
}

// Resolution is reported once per watched job.
type Resolution struct {
	JobID    string
	Path     Path
	Err      error
	Elapsed  time.Duration
	Attempts int
}

type state struct {
	jobID     string
	startTime time.Time
	isActive  atomic.Bool
	attempts  atomic.Int32

	mu          sync.Mutex
	phase       Phase
	usePush     bool
	pushFailed  bool
	pollStarted bool
	completing  bool

	done   chan struct{}
	result *models.AnalysisResult
	err    error
	path   Path
}

// resolve settles the state. Only the first call has any effect.
func (s *state) resolve(res *models.AnalysisResult, err error, path Path) bool {
	if !s.isActive.CompareAndSwap(true, false) {
		return false
	}
	s.mu.Lock()
	switch {
	case err == nil:
		s.phase = PhaseCompleted
	case apperr.Is(err, apperr.KindTimeout):
		s.phase = PhaseTimedOut
	default:
		s.phase = PhaseFailed
	}
	s.mu.Unlock()
	s.result, s.err, s.path = res, err, path
	close(s.done)
	return true
}

func (s *state) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		JobID:      s.jobID,
		Phase:      s.phase,
		Attempts:   int(s.attempts.Load()),
		UsePush:    s.usePush,
		PushFailed: s.pushFailed,
		StartedAt:  s.startTime,
	}
}

// Monitor tracks jobs until they reach a terminal state. At most one monitor
// runs per job id.
type Monitor struct {
	push   PushChannel
	poller ResultPoller
	cfg    config.MonitorConfig
	clock  clockwork.Clock
	logger *slog.Logger

	onResolve func(Resolution)

	mu     sync.Mutex
	states map[string]*state
}

type Option func(*Monitor)

func WithClock(c clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithResolveHook is called after each Watch settles.
func WithResolveHook(fn func(Resolution)) Option {
	return func(m *Monitor) { m.onResolve = fn }
}

// New creates a Monitor. A nil pushCh disables push and every job is polled
// from the start.
func New(pushCh PushChannel, p ResultPoller, cfg config.MonitorConfig, opts ...Option) *Monitor {
	m := &Monitor{
		push:   pushCh,
		poller: p,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		states: make(map[string]*state),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch blocks until jobID completes, fails, times out or ctx ends, and
// returns the job's result. token authenticates the push channel.
func (m *Monitor) Watch(ctx context.Context, jobID, token string) (*models.AnalysisResult, error) {
	st := &state{
		jobID:     jobID,
		startTime: m.clock.Now(),
		done:      make(chan struct{}),
	}
	st.isActive.Store(true)

	m.mu.Lock()
	if _, exists := m.states[jobID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMonitoring, jobID)
	}
	m.states[jobID] = st
	m.mu.Unlock()

	log := m.logger.With("job_id", jobID)
	wctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	timeout := m.clock.NewTimer(m.cfg.Timeout)
	fallback := m.clock.NewTimer(m.cfg.PushFallback)

	// Push teardown waits for the connect goroutine so a late Subscribe
	// cannot outlive the watch.
	var detachPush func()
	defer func() {
		cancel()
		timeout.Stop()
		fallback.Stop()
		wg.Wait()
		if detachPush != nil {
			detachPush()
		}
		m.mu.Lock()
		delete(m.states, jobID)
		m.mu.Unlock()
	}()

	startPolling := func(reason string) {
		st.mu.Lock()
		if st.pollStarted || !st.isActive.Load() {
			st.mu.Unlock()
			return
		}
		st.pollStarted = true
		st.phase = PhasePoll
		st.mu.Unlock()

		log.Info("starting status polling", "reason", reason)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.poller.Run(wctx, jobID, func(int, models.JobStatus, error) {
				st.attempts.Add(1)
			})
			if wctx.Err() != nil {
				return
			}
			st.resolve(res, err, PathPoll)
		}()
	}

	completions := make(chan push.AnalysisComplete, 1)
	pushReady := make(chan error, 1)

	if m.push != nil {
		st.mu.Lock()
		st.usePush = true
		st.phase = PhasePush
		st.mu.Unlock()

		// Listener goes in before Connect so nothing sent right after the
		// subscription is missed.
		off := m.push.OnEvent(func(ev push.Event) {
			if push.JobIDOf(ev) != jobID {
				return
			}
			switch ev := ev.(type) {
			case push.AnalysisStarted:
				log.Debug("analysis started")
			case push.AnalysisComplete:
				select {
				case completions <- ev:
				default:
				}
			case push.AnalysisFailed:
				st.resolve(nil, apperr.AssessmentFailed(ev.Error), PathPush)
			}
		})
		detachPush = func() {
			off()
			m.push.Unsubscribe(jobID)
		}

		// Connecting runs beside the timers: a slow handshake must not hold
		// back the fallback window or the monitoring timeout.
		wg.Add(1)
		go func() {
			defer wg.Done()
			pushReady <- m.connectAndSubscribe(wctx, jobID, token)
		}()
	} else {
		startPolling("push disabled")
	}

	for {
		select {
		case <-st.done:
			m.report(st)
			if st.err != nil {
				log.Info("monitoring finished", "path", st.path, "error", st.err)
			} else {
				log.Info("monitoring finished", "path", st.path)
			}
			return st.result, st.err

		case err := <-pushReady:
			if err == nil || wctx.Err() != nil {
				continue
			}
			st.mu.Lock()
			st.pushFailed = true
			st.mu.Unlock()
			log.Warn("push unavailable, polling instead", "error", err)
			startPolling("push unavailable")

		case ev := <-completions:
			if st.completing {
				continue
			}
			st.completing = true
			if ev.ResultID == "" {
				startPolling("completion event without result id")
				continue
			}
			wg.Add(1)
			go func(resultID string) {
				defer wg.Done()
				if err := backoff.Sleep(wctx, m.clock, m.cfg.SettleDelay); err != nil {
					return
				}
				res, err := m.poller.FetchResult(wctx, resultID)
				if wctx.Err() != nil {
					return
				}
				st.resolve(res, err, PathPush)
			}(ev.ResultID)

		case <-fallback.Chan():
			if !st.completing {
				startPolling("push fallback window elapsed")
			}

		case <-timeout.Chan():
			e := apperr.Newf(apperr.KindTimeout, "job %s not finished after %s", jobID, m.cfg.Timeout)
			e.Global = true
			st.resolve(nil, e, PathTimeout)

		case <-ctx.Done():
			st.resolve(nil, apperr.Wrap(apperr.KindOf(ctx.Err()), ctx.Err(), "monitoring stopped"), PathCanceled)
		}
	}
}

func (m *Monitor) connectAndSubscribe(ctx context.Context, jobID, token string) error {
	if err := m.push.Connect(ctx, token); err != nil {
		return err
	}
	return m.push.Subscribe(jobID)
}

func (m *Monitor) report(st *state) {
	if m.onResolve == nil {
		return
	}
	m.onResolve(Resolution{
		JobID:    st.jobID,
		Path:     st.path,
		Err:      st.err,
		Elapsed:  m.clock.Since(st.startTime),
		Attempts: int(st.attempts.Load()),
	})
}

// Snapshot returns the state of an active monitor.
func (m *Monitor) Snapshot(jobID string) (Snapshot, bool) {
	m.mu.Lock()
	st, ok := m.states[jobID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return st.snapshot(), true
}

// Active reports how many jobs are being monitored.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}
