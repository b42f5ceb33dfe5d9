package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kiranshivaraju/mindscope/internal/apperr"
	"github.com/kiranshivaraju/mindscope/internal/config"
	"github.com/kiranshivaraju/mindscope/internal/poller"
	"github.com/kiranshivaraju/mindscope/internal/push"
	"github.com/kiranshivaraju/mindscope/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakePush struct {
	mu           sync.Mutex
	handlers     map[int]push.Handler
	next         int
	connectErr   error
	connectHang  bool
	subscribeErr error
	subscribed   []string
	unsubscribed []string
}

func newFakePush() *fakePush {
	return &fakePush{handlers: make(map[int]push.Handler)}
}

func (f *fakePush) Connect(ctx context.Context, token string) error {
	if f.connectHang {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.connectErr
}

func (f *fakePush) Subscribe(jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, jobID)
	return nil
}

func (f *fakePush) Unsubscribe(jobID string) {
	f.mu.Lock()
	f.unsubscribed = append(f.unsubscribed, jobID)
	f.mu.Unlock()
}

func (f *fakePush) OnEvent(h push.Handler) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.handlers[id] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *fakePush) emit(ev push.Event) {
	f.mu.Lock()
	hs := make([]push.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakePush) isSubscribed(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.subscribed {
		if id == jobID {
			return true
		}
	}
	return false
}

func (f *fakePush) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type fakePoller struct {
	mu         sync.Mutex
	runCalls   int
	fetchCalls int
	fetchIDs   []string

	// runResult/runErr are returned by Run; when both are nil Run blocks
	// until its context ends. runGate, if set, is waited on first.
	runResult *models.AnalysisResult
	runErr    error
	runGate   chan struct{}
	fetchErr  error
}

func (p *fakePoller) Run(ctx context.Context, jobID string, onAttempt poller.AttemptFunc) (*models.AnalysisResult, error) {
	p.mu.Lock()
	p.runCalls++
	p.mu.Unlock()
	onAttempt(1, models.JobStatusProcessing, nil)

	if p.runGate != nil {
		select {
		case <-p.runGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.runResult == nil && p.runErr == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p.runResult, p.runErr
}

func (p *fakePoller) FetchResult(ctx context.Context, resultID string) (*models.AnalysisResult, error) {
	p.mu.Lock()
	p.fetchCalls++
	p.fetchIDs = append(p.fetchIDs, resultID)
	p.mu.Unlock()
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return &models.AnalysisResult{ID: resultID}, nil
}

func (p *fakePoller) counts() (run, fetch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runCalls, p.fetchCalls
}

type watchOutcome struct {
	res *models.AnalysisResult
	err error
}

func watchAsync(m *Monitor, ctx context.Context, jobID string) <-chan watchOutcome {
	out := make(chan watchOutcome, 1)
	go func() {
		res, err := m.Watch(ctx, jobID, "tok")
		out <- watchOutcome{res, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan watchOutcome) watchOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not resolve")
		return watchOutcome{}
	}
}

type resolutions struct {
	mu  sync.Mutex
	all []Resolution
}

func (r *resolutions) hook(res Resolution) {
	r.mu.Lock()
	r.all = append(r.all, res)
	r.mu.Unlock()
}

func (r *resolutions) get() []Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Resolution(nil), r.all...)
}

func testConfig() config.MonitorConfig {
	return config.MonitorConfig{
		PushFallback: time.Second,
		Timeout:      5 * time.Second,
		SettleDelay:  time.Millisecond,
	}
}

// --- push path ---

func TestWatch_PushCompletionNeverStartsPoller(t *testing.T) {
	fp := newFakePush()
	pl := &fakePoller{}
	rec := &resolutions{}
	m := New(fp, pl, testConfig(), WithResolveHook(rec.hook))

	out := watchAsync(m, context.Background(), "j1")
	require.Eventually(t, func() bool { return fp.isSubscribed("j1") }, time.Second, time.Millisecond)

	snap, ok := m.Snapshot("j1")
	require.True(t, ok)
	assert.Equal(t, PhasePush, snap.Phase)
	assert.True(t, snap.UsePush)

	fp.emit(push.AnalysisComplete{JobID: "other", ResultID: "rX"})
	fp.emit(push.AnalysisComplete{JobID: "j1", ResultID: "r1"})

	o := await(t, out)
	require.NoError(t, o.err)
	assert.Equal(t, "r1", o.res.ID)

	run, fetch := pl.counts()
	assert.Equal(t, 0, run, "poller never starts")
	assert.Equal(t, 1, fetch)
	assert.Equal(t, []string{"r1"}, pl.fetchIDs)

	assert.Equal(t, 0, m.Active())
	assert.Equal(t, 0, fp.handlerCount())
	assert.Contains(t, fp.unsubscribed, "j1")

	got := rec.get()
	require.Len(t, got, 1)
	assert.Equal(t, PathPush, got[0].Path)
}

func TestWatch_DuplicateCompletionFetchesOnce(t *testing.T) {
	fp := newFakePush()
	pl := &fakePoller{}
	m := New(fp, pl, testConfig())

	out := watchAsync(m, context.Background(), "j1")
	require.Eventually(t, func() bool { return fp.isSubscribed("j1") }, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		fp.emit(push.AnalysisComplete{JobID: "j1", ResultID: "r1"})
	}
	o := await(t, out)
	require.NoError(t, o.err)

	_, fetch := pl.counts()
	assert.Equal(t, 1, fetch)
}

func TestWatch_PushFailureIsSanitized(t *testing.T) {
	fp := newFakePush()
	pl := &fakePoller{}
	m := New(fp, pl, testConfig())

	out := watchAsync(m, context.Background(), "j1")
	require.Eventually(t, func() bool { return fp.isSubscribed("j1") }, time.Second, time.Millisecond)
	fp.emit(push.AnalysisFailed{JobID: "j1", Error: "Traceback (most recent call last):\n  File \"x.py\", line 3"})

	o := await(t, out)
	e, ok := apperr.As(o.err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindAssessmentFailed, e.Kind)
	assert.NotContains(t, e.Message, "Traceback")

	run, _ := pl.counts()
	assert.Equal(t, 0, run)
}

func TestWatch_ResultFetchFailureAfterCompletion(t *testing.T) {
	fp := newFakePush()
	pl := &fakePoller{fetchErr: apperr.New(apperr.KindResultNotAvailableYet, "r1")}
	m := New(fp, pl, testConfig())

	out := watchAsync(m, context.Background(), "j1")
	require.Eventually(t, func() bool { return fp.isSubscribed("j1") }, time.Second, time.Millisecond)
	fp.emit(push.AnalysisComplete{JobID: "j1", ResultID: "r1"})

	o := await(t, out)
	assert.Equal(t, apperr.KindResultNotAvailableYet, apperr.KindOf(o.err))
}

func TestWatch_CompletionWithoutResultIDReconcilesByPolling(t *testing.T) {
	fp := newFakePush()
	pl := &fakePoller{runResult: &models.AnalysisResult{ID: "r7"}}
	m := New(fp, pl, testConfig())

	out := watchAsync(m, context.Background(), "j1")
	require.Eventually(t, func() bool { return fp.isSubscribed("j1") }, time.Second, time.Millisecond)
	fp.emit(push.AnalysisComplete{JobID: "j1"})

	o := await(t, out)
	require.NoError(t, o.err)
	assert.Equal(t, "r7", o.res.ID)
}

// --- fallback ---

func TestWatch_FallbackPollResolvesAndLatePushIsIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.PushFallback = 20 * time.Millisecond
	fp := newFakePush()
	pl := &fakePoller{runResult: &models.AnalysisResult{ID: "r1"}}
	rec := &resolutions{}
	m := New(fp, pl, cfg, WithResolveHook(rec.hook))

	o := await(t, watchAsync(m, context.Background(), "j1"))
	require.NoError(t, o.err)
	assert.Equal(t, "r1", o.res.ID)

	fp.emit(push.AnalysisFailed{JobID: "j1", Error: "late"})
	fp.emit(push.AnalysisComplete{JobID: "j1", ResultID: "r2"})

	run, fetch := pl.counts()
	assert.Equal(t, 1, run)
	assert.Equal(t, 0, fetch)
	got := rec.get()
	require.Len(t, got, 1)
	assert.Equal(t, PathPoll, got[0].Path)
	assert.Equal(t, 1, got[0].Attempts)
}

func TestWatch_PushAfterFallbackStillWins(t *testing.T) {
	cfg := testConfig()
	cfg.PushFallback = 10 * time.Millisecond
	fp := newFakePush()
	pl := &fakePoller{} // polling never reaches a terminal state
	m := New(fp, pl, cfg)

	out := watchAsync(m, context.Background(), "j1")
	require.Eventually(t, func() bool {
		s, ok := m.Snapshot("j1")
		return ok && s.Phase == PhasePoll
	}, time.Second, time.Millisecond)

	fp.emit(push.AnalysisComplete{JobID: "j1", ResultID: "r1"})
	o := await(t, out)
	require.NoError(t, o.err)
	assert.Equal(t, "r1", o.res.ID)
	assert.Equal(t, 0, m.Active())
}

func TestWatch_ConnectFailurePollsImmediately(t *testing.T) {
	fp := newFakePush()
	fp.connectErr = apperr.New(apperr.KindNetwork, "refused")
	gate := make(chan struct{})
	pl := &fakePoller{runResult: &models.AnalysisResult{ID: "r1"}, runGate: gate}
	m := New(fp, pl, testConfig())

	out := watchAsync(m, context.Background(), "j1")
	require.Eventually(t, func() bool {
		s, ok := m.Snapshot("j1")
		return ok && s.PushFailed && s.Phase == PhasePoll
	}, 500*time.Millisecond, time.Millisecond, "polling starts well before the fallback window")

	close(gate)
	o := await(t, out)
	require.NoError(t, o.err)
	assert.Equal(t, "r1", o.res.ID)
}

func TestWatch_SubscribeFailurePollsImmediately(t *testing.T) {
	fp := newFakePush()
	fp.subscribeErr = errors.New("socket closed")
	pl := &fakePoller{runResult: &models.AnalysisResult{ID: "r1"}}
	m := New(fp, pl, testConfig())

	start := time.Now()
	o := await(t, watchAsync(m, context.Background(), "j1"))
	require.NoError(t, o.err)
	assert.Less(t, time.Since(start), testConfig().PushFallback)
}

func TestWatch_NoPushChannelPolls(t *testing.T) {
	pl := &fakePoller{runErr: apperr.AssessmentFailed("invalid scores")}
	m := New(nil, pl, testConfig())

	o := await(t, watchAsync(m, context.Background(), "j1"))
	assert.Equal(t, apperr.KindAssessmentFailed, apperr.KindOf(o.err))
	run, _ := pl.counts()
	assert.Equal(t, 1, run)
}

// --- lifecycle ---

func TestWatch_AlreadyMonitoring(t *testing.T) {
	fp := newFakePush()
	m := New(fp, &fakePoller{}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := watchAsync(m, ctx, "j1")
	require.Eventually(t, func() bool { return m.Active() == 1 }, time.Second, time.Millisecond)

	_, err := m.Watch(context.Background(), "j1", "tok")
	assert.ErrorIs(t, err, ErrAlreadyMonitoring)

	cancel()
	o := await(t, out)
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(o.err))
	assert.Equal(t, 0, m.Active())
}

func TestWatch_GlobalTimeoutExactlyAtDeadline(t *testing.T) {
	fc := clockwork.NewFakeClock()
	cfg := testConfig()
	fp := newFakePush()
	pl := &fakePoller{}
	rec := &resolutions{}
	m := New(fp, pl, cfg, WithClock(fc), WithResolveHook(rec.hook))

	out := watchAsync(m, context.Background(), "j1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 2)) // fallback + global timeout

	fc.Advance(cfg.Timeout - time.Millisecond)
	select {
	case <-out:
		t.Fatal("resolved before the monitoring timeout")
	case <-time.After(30 * time.Millisecond):
	}
	s, ok := m.Snapshot("j1")
	require.True(t, ok)
	assert.Equal(t, PhasePoll, s.Phase, "fallback fired on the way")

	fc.Advance(time.Millisecond)
	o := await(t, out)
	e, ok := apperr.As(o.err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindTimeout, e.Kind)
	assert.True(t, e.Global)
	assert.False(t, apperr.Retryable(o.err))

	got := rec.get()
	require.Len(t, got, 1)
	assert.Equal(t, PathTimeout, got[0].Path)
	assert.Equal(t, cfg.Timeout, got[0].Elapsed)
	assert.Equal(t, 0, m.Active())
}

func TestWatch_StalledConnectDoesNotDelayTimers(t *testing.T) {
	fc := clockwork.NewFakeClock()
	cfg := testConfig()
	fp := newFakePush()
	fp.connectHang = true
	pl := &fakePoller{}
	m := New(fp, pl, cfg, WithClock(fc))

	out := watchAsync(m, context.Background(), "j1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntilContext(ctx, 2))

	fc.Advance(cfg.PushFallback)
	require.Eventually(t, func() bool {
		run, _ := pl.counts()
		return run == 1
	}, time.Second, time.Millisecond, "fallback starts polling while connect is still pending")

	fc.Advance(cfg.Timeout - cfg.PushFallback)
	o := await(t, out)
	e, ok := apperr.As(o.err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindTimeout, e.Kind)
	assert.True(t, e.Global)
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, 0, fp.handlerCount())
	assert.Contains(t, fp.unsubscribed, "j1")
}

func TestState_ResolvesOnce(t *testing.T) {
	st := &state{done: make(chan struct{})}
	st.isActive.Store(true)

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins <- st.resolve(&models.AnalysisResult{ID: "r"}, nil, PathPoll)
		}(i)
	}
	wg.Wait()
	close(wins)

	n := 0
	for w := range wins {
		if w {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, PhaseCompleted, st.snapshot().Phase)
}
