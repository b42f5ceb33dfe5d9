// Package credential supplies the bearer credential used against the upstream
// analysis API and its push channel.
package credential

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/kiranshivaraju/mindscope/internal/apperr"
)

// Provider yields a bearer credential on demand.
type Provider interface {
	Token(ctx context.Context) (string, error)
	// Invalidate tells the provider the current credential was rejected so
	// the next Token call must obtain a fresh one.
	Invalidate()
}

// Static is a fixed credential.
type Static string

func (s Static) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", apperr.New(apperr.KindAuth, "no credential configured")
	}
	return string(s), nil
}

func (Static) Invalidate() {}

// FetchFunc obtains a fresh raw credential.
type FetchFunc func(ctx context.Context) (string, error)

// FromFile reads the credential from path on every fetch, for mounted
// secrets that are rotated in place.
func FromFile(path string) FetchFunc {
	return func(_ context.Context) (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading credential file: %w", err)
		}
		tok := strings.TrimSpace(string(b))
		if tok == "" {
			return "", fmt.Errorf("credential file %s is empty", path)
		}
		return tok, nil
	}
}

// Refreshing caches a fetched credential and refreshes it shortly before the
// JWT "exp" claim, or after Invalidate. Opaque (non-JWT) credentials are kept
// until invalidated.
type Refreshing struct {
	fetch FetchFunc
	clock clockwork.Clock
	skew  time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Option configures a Refreshing provider.
type Option func(*Refreshing)

// WithClock overrides the clock used for expiry checks.
func WithClock(c clockwork.Clock) Option {
	return func(r *Refreshing) { r.clock = c }
}

// WithSkew sets how long before expiry a credential is considered stale.
func WithSkew(d time.Duration) Option {
	return func(r *Refreshing) { r.skew = d }
}

// NewRefreshing creates a Refreshing provider around fetch.
func NewRefreshing(fetch FetchFunc, opts ...Option) *Refreshing {
	r := &Refreshing{
		fetch: fetch,
		clock: clockwork.NewRealClock(),
		skew:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Token returns the cached credential or fetches a new one. Concurrent callers
// share a single fetch because the lock is held across it.
func (r *Refreshing) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && (r.expiresAt.IsZero() || r.clock.Now().Before(r.expiresAt.Add(-r.skew))) {
		return r.token, nil
	}

	tok, err := r.fetch(ctx)
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuth, err, "refreshing credential")
	}
	r.token = tok
	r.expiresAt = expiry(tok)
	return tok, nil
}

func (r *Refreshing) Invalidate() {
	r.mu.Lock()
	r.token = ""
	r.expiresAt = time.Time{}
	r.mu.Unlock()
}

// ExpiresAt reports the expiry of the cached credential, zero when unknown.
func (r *Refreshing) ExpiresAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expiresAt
}

// expiry reads the "exp" claim without verifying the signature; the upstream
// verifies, this is only a refresh hint.
func expiry(raw string) time.Time {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

var (
	_ Provider = Static("")
	_ Provider = (*Refreshing)(nil)
)
