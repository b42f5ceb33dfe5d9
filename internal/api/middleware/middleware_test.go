package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/mindscope/internal/api/middleware"
	"github.com/kiranshivaraju/mindscope/internal/cache"
	"github.com/kiranshivaraju/mindscope/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- fakes ---

type fakeKeys struct {
	keys []*models.APIKey
	err  error

	mu      sync.Mutex
	touched []uuid.UUID
}

func (f *fakeKeys) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return f.keys, f.err
}

func (f *fakeKeys) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeKeys) touchedIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.touched...)
}

type failingCache struct{ cache.Cache }

func (failingCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

type observation struct {
	method, route string
	status        int
}

type fakeObserver struct{ got []observation }

func (f *fakeObserver) ObserveRequest(method, route string, status int, _ time.Duration) {
	f.got = append(f.got, observation{method, route, status})
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func newRedisCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func withPrefix(req *http.Request, prefix string) *http.Request {
	return req.WithContext(mw.SetKeyPrefix(req.Context(), prefix))
}

// --- auth ---

func TestAuth_RejectsMalformedHeaders(t *testing.T) {
	cases := map[string]string{
		"missing": "",
		"basic":   "Basic abc123",
		"short":   "Bearer short",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			handler := mw.NewAuth(&fakeKeys{}, nil).Authenticate(okHandler())

			req := httptest.NewRequest("GET", "/test", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "AUTH_ERROR", errBody(t, w)["code"])
		})
	}
}

func TestAuth_WrongKey(t *testing.T) {
	rawKey := "ms_test1234567890abcdef"
	keys := &fakeKeys{keys: []*models.APIKey{{
		ID:        uuid.New(),
		UserID:    "user-1",
		KeyHash:   hashKey(t, "different_key_entirely"),
		KeyPrefix: rawKey[:8],
	}}}
	handler := mw.NewAuth(keys, nil).Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, keys.touchedIDs())
}

func TestAuth_StoreError(t *testing.T) {
	handler := mw.NewAuth(&fakeKeys{err: errors.New("db down")}, nil).Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer ms_test1234567890")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "ms_test1234567890abcdef"
	keyID := uuid.New()
	keys := &fakeKeys{keys: []*models.APIKey{{
		ID:        keyID,
		UserID:    "user-42",
		KeyHash:   hashKey(t, rawKey),
		KeyPrefix: rawKey[:8],
	}}}

	var gotUser string
	var gotOK bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotOK = mw.GetUserID(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := mw.NewAuth(keys, nil).Authenticate(inner)

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, "user-42", gotUser)
	assert.Eventually(t, func() bool {
		ids := keys.touchedIDs()
		return len(ids) == 1 && ids[0] == keyID
	}, time.Second, 5*time.Millisecond)
}

// --- rate limit ---

func TestRateLimit_CountsPerKey(t *testing.T) {
	rl := mw.NewRateLimit(newRedisCache(t), 2)
	handler := rl.Limit(okHandler())

	serve := func(prefix string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, withPrefix(httptest.NewRequest("GET", "/test", nil), prefix))
		return w
	}

	first := serve("ms_aaaaa")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, first.Header().Get("X-RateLimit-Reset"))

	assert.Equal(t, http.StatusOK, serve("ms_aaaaa").Code)

	over := serve("ms_aaaaa")
	assert.Equal(t, http.StatusTooManyRequests, over.Code)
	assert.Equal(t, "60", over.Header().Get("Retry-After"))
	assert.Equal(t, "0", over.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMITED", errBody(t, over)["code"])

	assert.Equal(t, http.StatusOK, serve("ms_bbbbb").Code)
}

func TestRateLimit_NoKeyPrefixPassesThrough(t *testing.T) {
	handler := mw.NewRateLimit(newRedisCache(t), 1).Limit(okHandler())

	for range 3 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	handler := mw.NewRateLimit(failingCache{}, 1).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withPrefix(httptest.NewRequest("GET", "/test", nil), "ms_ccccc"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

// --- recovery ---

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := mw.Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("something went wrong")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_NoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Recovery(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

// --- request id ---

func TestRequestID_GeneratesAndEchoes(t *testing.T) {
	var seen string
	handler := mw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = mw.RequestIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(mw.RequestIDHeader))
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(mw.RequestIDHeader, "caller-supplied")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "caller-supplied", seen)
}

// --- logging ---

func TestLogger_RecordsRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	obs := &fakeObserver{}

	r := chi.NewRouter()
	r.Use(mw.RequestID, mw.Logger(logger, obs))
	r.Get("/results/{resultID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/results/abc", nil))

	require.Len(t, obs.got, 1)
	assert.Equal(t, observation{"GET", "/results/{resultID}", http.StatusTeapot}, obs.got[0])

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "/results/abc", line["path"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
	assert.Equal(t, w.Header().Get(mw.RequestIDHeader), line["request_id"])
}
