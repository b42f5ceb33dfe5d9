package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mindscope/internal/api"
	mw "github.com/kiranshivaraju/mindscope/internal/api/middleware"
	"github.com/kiranshivaraju/mindscope/internal/api/response"
	"github.com/kiranshivaraju/mindscope/internal/cache"
	"github.com/kiranshivaraju/mindscope/internal/metrics"
	"github.com/kiranshivaraju/mindscope/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- stubs ---

type stubKeys struct{ keys []*models.APIKey }

func (s *stubKeys) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return s.keys, nil
}
func (s *stubKeys) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

type stubCache struct{}

func (c *stubCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *stubCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *stubCache) Delete(_ context.Context, _ string) error                         { return nil }
func (c *stubCache) Ping(_ context.Context) error                                     { return nil }
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

var _ cache.Cache = (*stubCache)(nil)

// --- router tests ---

func newTestRouter(keys *stubKeys, m *metrics.Metrics, reg *prometheus.Registry) http.Handler {
	if keys == nil {
		keys = &stubKeys{}
	}
	return api.NewRouter(api.Dependencies{
		Auth:           mw.NewAuth(keys, nil),
		RateLimit:      mw.NewRateLimit(&stubCache{}, 60),
		Observer:       m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			response.JSON(w, map[string]string{"status": "ok"})
		},
		StatusHandler: func(w http.ResponseWriter, _ *http.Request) {
			response.JSON(w, map[string]string{"state": "connected"})
		},
	})
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	reg := prometheus.NewRegistry()
	router := newTestRouter(nil, metrics.NewMetrics(reg), reg)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(mw.RequestIDHeader))
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	reg := prometheus.NewRegistry()
	router := newTestRouter(nil, metrics.NewMetrics(reg), reg)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/assessments"},
		{"GET", "/api/v1/submissions"},
		{"GET", "/api/v1/submissions/job-1"},
		{"GET", "/api/v1/results/res-1"},
		{"GET", "/api/v1/status"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(ep.method, ep.path, nil))

			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "AUTH_ERROR", body["error"].(map[string]any)["code"])
		})
	}
}

func TestRouter_AuthenticatedStatusAndUnwiredRoute(t *testing.T) {
	rawKey := "ms_route1234567890"
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	keys := &stubKeys{keys: []*models.APIKey{{ID: uuid.New(), UserID: "u1", KeyHash: string(hash)}}}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	router := newTestRouter(keys, m, reg)

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))

	req = httptest.NewRequest("POST", "/api/v1/assessments", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/v1/status", "200")))
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	router := newTestRouter(nil, metrics.NewMetrics(reg), reg)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/health", nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mindscope_http_requests_total")
}

func TestRouter_NotFound(t *testing.T) {
	reg := prometheus.NewRegistry()
	router := newTestRouter(nil, metrics.NewMetrics(reg), reg)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/nonexistent", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}
