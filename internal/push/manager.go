// Package push maintains the authenticated WebSocket connection over which the
// analysis service announces job progress.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kiranshivaraju/mindscope/internal/apperr"
	"github.com/kiranshivaraju/mindscope/internal/backoff"
	"github.com/kiranshivaraju/mindscope/internal/config"
)

// Sentinel errors for push connection failures.
var (
	ErrAuthFailed    = errors.New("push authentication failed")
	ErrConnectFailed = errors.New("push connection failed")
	ErrUnavailable   = errors.New("push endpoint unavailable")
	ErrClosed        = errors.New("push manager closed")
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateUnavailable  State = "unavailable"
)

// Status is a snapshot of the manager for diagnostics.
type Status struct {
	State             State     `json:"state"`
	Authenticated     bool      `json:"authenticated"`
	Subscriptions     int       `json:"subscriptions"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	TransportErrors   int       `json:"transportErrors"`
	UnavailableUntil  time.Time `json:"unavailableUntil,omitzero"`
	Balance           *float64  `json:"balance,omitempty"`
}

// Handler receives push events. It runs on the connection's read goroutine
// and must not block.
type Handler func(Event)

// Manager owns one push connection: authentication, the subscription set,
// event fan-out and reconnection. Subscriptions survive reconnects.
type Manager struct {
	cfg    config.PushConfig
	dialer Dialer
	clock  clockwork.Clock
	logger *slog.Logger
	policy backoff.Policy

	onReconnect func(attempt int, delay time.Duration)

	// connectSem serialises Connect; a channel so waiting honours ctx.
	connectSem chan struct{}
	writeMu    sync.Mutex

	mu                sync.Mutex
	state             State
	conn              Conn
	connGen           uint64
	token             string
	subs              map[string]struct{}
	handlers          map[uint64]Handler
	nextHandlerID     uint64
	reconnectAttempts int
	transportErrors   int
	unavailableUntil  time.Time
	balance           *float64
	stopReconnect     context.CancelFunc
	reconnectDone     chan struct{}
	closed            bool

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithReconnectHook is called before every reconnection attempt.
func WithReconnectHook(fn func(attempt int, delay time.Duration)) Option {
	return func(m *Manager) { m.onReconnect = fn }
}

// NewManager creates a disconnected Manager.
func NewManager(cfg config.PushConfig, dialer Dialer, opts ...Option) *Manager {
	if cfg.TransportErrorLimit <= 0 {
		cfg.TransportErrorLimit = 2
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 1
	}
	m := &Manager{
		cfg:        cfg,
		dialer:     dialer,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
		connectSem: make(chan struct{}, 1),
		state:      StateDisconnected,
		subs:       make(map[string]struct{}),
		handlers:   make(map[uint64]Handler),
		policy: backoff.Policy{
			Initial:    cfg.ReconnectBase,
			Max:        cfg.ReconnectMax,
			Multiplier: cfg.ReconnectMultiplier,
			Jitter:     cfg.Jitter,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect ensures an authenticated connection using token. An existing
// connection with the same token is reused; a different token replaces it.
// While a background reconnect for the same token is running, Connect waits
// for its outcome instead of dialling alongside it. Failed attempts count
// towards MaxReconnectAttempts, after which the endpoint cools down.
func (m *Manager) Connect(ctx context.Context, token string) error {
	for {
		wait, err := m.connectOnce(ctx, token)
		if wait == nil {
			return err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindOf(ctx.Err()), ctx.Err(), "waiting for push reconnect")
		}
	}
}

// connectOnce makes one connection attempt. A non-nil wait channel means a
// reconnect loop owns the connection and the caller should retry once it
// closes.
func (m *Manager) connectOnce(ctx context.Context, token string) (wait <-chan struct{}, err error) {
	select {
	case m.connectSem <- struct{}{}:
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindOf(ctx.Err()), ctx.Err(), "waiting for push connect")
	}
	defer func() { <-m.connectSem }()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, ErrClosed, "")
	}
	if m.state == StateConnected && m.token == token {
		m.mu.Unlock()
		return nil, nil
	}
	if until := m.unavailableUntil; !until.IsZero() && m.clock.Now().Before(until) {
		m.mu.Unlock()
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, ErrUnavailable, fmt.Sprintf("cooling down until %s", until.Format(time.RFC3339)))
	}
	if m.state == StateReconnecting && m.token == token && m.reconnectDone != nil {
		done := m.reconnectDone
		m.mu.Unlock()
		return done, nil
	}
	if m.state == StateConnected {
		m.logger.Info("push credential changed, reconnecting")
	}
	m.cancelReconnectLocked()
	m.dropConnLocked()
	m.state = StateConnecting
	m.token = token
	m.mu.Unlock()

	conn, err := m.establish(ctx, token)
	if err != nil {
		m.mu.Lock()
		if ctx.Err() == nil {
			m.reconnectAttempts++
			m.recordFailureLocked(err)
			if m.state != StateUnavailable && m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
				m.markUnavailableLocked("connect attempts exhausted")
			}
		}
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, ErrClosed, "")
	}
	m.installLocked(conn)
	m.mu.Unlock()

	m.replaySubscriptions(conn)
	return nil, nil
}

// Subscribe adds jobID to the subscription set and announces it if a
// connection is up. While reconnecting the subscription is queued for replay.
func (m *Manager) Subscribe(jobID string) error {
	m.mu.Lock()
	m.subs[jobID] = struct{}{}
	state, conn := m.state, m.conn
	m.mu.Unlock()

	switch state {
	case StateConnected:
		if err := m.write(conn, Message{Type: TypeSubscribe, JobID: jobID}); err != nil {
			return apperr.Wrap(apperr.KindNetwork, fmt.Errorf("%w: subscribe: %v", ErrConnectFailed, err), "")
		}
		return nil
	case StateConnecting, StateReconnecting:
		return nil
	default:
		return apperr.Wrap(apperr.KindNetwork, fmt.Errorf("%w: not connected", ErrConnectFailed), "")
	}
}

// Unsubscribe removes jobID from the subscription set.
func (m *Manager) Unsubscribe(jobID string) {
	m.mu.Lock()
	_, had := m.subs[jobID]
	delete(m.subs, jobID)
	state, conn := m.state, m.conn
	m.mu.Unlock()

	if had && state == StateConnected {
		if err := m.write(conn, Message{Type: TypeUnsubscribe, JobID: jobID}); err != nil {
			m.logger.Debug("push unsubscribe not sent", "job_id", jobID, "error", err)
		}
	}
}

// OnEvent registers h for every inbound event. The returned function removes
// it and is safe to call more than once.
func (m *Manager) OnEvent(h Handler) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.handlers[id] = h
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.handlers, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:             m.state,
		Authenticated:     m.state == StateConnected,
		Subscriptions:     len(m.subs),
		ReconnectAttempts: m.reconnectAttempts,
		TransportErrors:   m.transportErrors,
	}
	if m.clock.Now().Before(m.unavailableUntil) {
		s.UnavailableUntil = m.unavailableUntil
	} else if s.State == StateUnavailable {
		s.State = StateDisconnected
	}
	if m.balance != nil {
		b := *m.balance
		s.Balance = &b
	}
	return s
}

// Handlers reports how many event handlers are attached.
func (m *Manager) Handlers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// Close tears the connection down and stops reconnection. The manager cannot
// be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancelReconnectLocked()
	m.dropConnLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// establish dials and authenticates.
func (m *Manager) establish(ctx context.Context, token string) (Conn, error) {
	conn, err := m.dialer.Dial(ctx, m.cfg.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindOf(ctx.Err()), ctx.Err(), "push dial")
		}
		return nil, apperr.Wrap(apperr.KindNetwork, fmt.Errorf("%w: %w", ErrConnectFailed, err), "")
	}
	if err := m.authenticate(ctx, conn, token); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// authenticate sends the credential and waits for the verdict within
// AuthTimeout. Other frames received before the verdict are dropped.
func (m *Manager) authenticate(ctx context.Context, conn Conn, token string) error {
	if err := m.write(conn, Message{Type: TypeAuthenticate, Token: token}); err != nil {
		return apperr.Wrap(apperr.KindNetwork, fmt.Errorf("%w: sending credential: %v", ErrConnectFailed, err), "")
	}

	verdict := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				verdict <- apperr.Wrap(apperr.KindNetwork, fmt.Errorf("%w: awaiting authentication: %v", ErrConnectFailed, err), "")
				return
			}
			switch msg.Type {
			case TypeAuthenticated:
				verdict <- nil
				return
			case TypeAuthError:
				verdict <- apperr.Wrap(apperr.KindAuth, fmt.Errorf("%w: %s", ErrAuthFailed, msg.Error), "")
				return
			}
		}
	}()

	timeout := m.cfg.AuthTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := m.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-verdict:
		return err
	case <-timer.Chan():
		_ = conn.Close() // unblocks the reader
		return apperr.Wrap(apperr.KindTimeout, fmt.Errorf("%w: no authentication reply within %s", ErrConnectFailed, timeout), "")
	case <-ctx.Done():
		_ = conn.Close()
		return apperr.Wrap(apperr.KindOf(ctx.Err()), ctx.Err(), "push authentication")
	}
}

// installLocked makes conn the live connection and starts its reader.
func (m *Manager) installLocked(conn Conn) {
	m.connGen++
	m.conn = conn
	m.state = StateConnected
	m.reconnectAttempts = 0
	m.transportErrors = 0
	m.unavailableUntil = time.Time{}

	gen := m.connGen
	m.wg.Add(1)
	go m.readLoop(gen, conn)
}

func (m *Manager) replaySubscriptions(conn Conn) {
	m.mu.Lock()
	jobs := make([]string, 0, len(m.subs))
	for id := range m.subs {
		jobs = append(jobs, id)
	}
	m.mu.Unlock()

	for _, id := range jobs {
		if err := m.write(conn, Message{Type: TypeSubscribe, JobID: id}); err != nil {
			m.logger.Warn("push resubscribe failed", "job_id", id, "error", err)
			return
		}
	}
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	defer m.wg.Done()
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			m.connectionLost(gen, err)
			return
		}
		ev, ok := decodeEvent(msg)
		if !ok {
			m.logger.Debug("ignoring push frame", "type", msg.Type)
			continue
		}
		m.dispatch(ev)
	}
}

func (m *Manager) dispatch(ev Event) {
	m.mu.Lock()
	if b, ok := ev.(BalanceUpdated); ok {
		bal := b.Balance
		m.balance = &bal
	}
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// connectionLost starts the reconnect loop if gen is still the live
// connection. Deliberate teardown bumps connGen first, so it never gets here.
func (m *Manager) connectionLost(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.connGen || m.state != StateConnected {
		return
	}
	m.logger.Warn("push connection lost", "error", err, "subscriptions", len(m.subs))
	m.conn = nil
	m.state = StateReconnecting

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.stopReconnect = cancel
	m.reconnectDone = done
	m.wg.Add(1)
	go m.reconnectLoop(ctx, m.token, done)
}

func (m *Manager) reconnectLoop(ctx context.Context, token string, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)

	for {
		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		m.reconnectAttempts++
		attempt := m.reconnectAttempts
		m.mu.Unlock()

		delay := m.policy.Delay(attempt)
		if m.onReconnect != nil {
			m.onReconnect(attempt, delay)
		}
		m.logger.Info("push reconnecting", "attempt", attempt, "delay", delay)
		if err := backoff.Sleep(ctx, m.clock, delay); err != nil {
			return
		}

		conn, err := m.establish(ctx, token)

		m.mu.Lock()
		if ctx.Err() != nil || m.closed {
			m.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err == nil {
			m.installLocked(conn)
			m.stopReconnect = nil
			m.mu.Unlock()
			m.logger.Info("push reconnected", "attempt", attempt)
			m.replaySubscriptions(conn)
			return
		}

		m.recordFailureLocked(err)
		switch {
		case m.state == StateUnavailable:
			m.stopReconnect = nil
			m.mu.Unlock()
			return
		case errors.Is(err, ErrAuthFailed):
			m.logger.Warn("push reconnect rejected credential", "error", err)
			m.state = StateDisconnected
			m.stopReconnect = nil
			m.mu.Unlock()
			return
		case attempt >= m.cfg.MaxReconnectAttempts:
			m.markUnavailableLocked("reconnect attempts exhausted")
			m.stopReconnect = nil
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}
}

// recordFailureLocked counts consecutive transport-class failures and marks
// the endpoint unavailable once they reach the limit.
func (m *Manager) recordFailureLocked(err error) {
	var te *TransportError
	if !errors.As(err, &te) {
		m.transportErrors = 0
		return
	}
	m.transportErrors++
	if m.transportErrors >= m.cfg.TransportErrorLimit {
		m.markUnavailableLocked("repeated transport errors")
	}
}

func (m *Manager) markUnavailableLocked(reason string) {
	m.dropConnLocked()
	m.state = StateUnavailable
	m.unavailableUntil = m.clock.Now().Add(m.cfg.UnavailableCooldown)
	m.transportErrors = 0
	m.logger.Warn("push endpoint marked unavailable",
		"reason", reason,
		"until", m.unavailableUntil,
	)
}

func (m *Manager) cancelReconnectLocked() {
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
}

func (m *Manager) dropConnLocked() {
	m.connGen++
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) write(conn Conn, msg Message) error {
	if conn == nil {
		return errors.New("no connection")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(msg)
}
