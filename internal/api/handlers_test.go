package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shehryarbajwa/browser-orchestrator/internal/browser"
	"github.com/shehryarbajwa/browser-orchestrator/internal/browser/browsertest"
	"github.com/shehryarbajwa/browser-orchestrator/internal/config"
	"github.com/shehryarbajwa/browser-orchestrator/internal/metrics"
	"github.com/shehryarbajwa/browser-orchestrator/internal/ratelimit"
	"github.com/shehryarbajwa/browser-orchestrator/internal/session"
	"github.com/shehryarbajwa/browser-orchestrator/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testServer struct {
	handler *Handler
	router  http.Handler
	pages   *session.Manager
	backend *browsertest.Backend
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, limiter *ratelimit.ClientLimiter, mutate func(*config.ManagerConfig)) *testServer {
	t.Helper()
	cfg := config.DefaultManager()
	cfg.DomainRateLimitDelay = 0
	cfg.DestroyGracePeriod = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	backend := browsertest.New()
	pages, err := session.NewManager(cfg, session.Options{Backend: backend})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, pages.Shutdown(ctx))
	})

	m := metrics.New()
	h := NewHandler(pages, nil)
	return &testServer{
		handler: h,
		router:  h.SetupRoutes(nil, limiter, m),
		pages:   pages,
		backend: backend,
		metrics: m,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func (s *testServer) createPage(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/pages", models.CreatePageRequest{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp models.CreatePageResponse
	decodeBody(t, rec, &resp)
	require.NotEmpty(t, resp.PageID)
	return resp.PageID
}

func TestPageLifecycle(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodPost, "/v1/pages", models.CreatePageRequest{
		PartitionID: "tenant-a",
		Metadata:    map[string]string{"job": "crawl"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.CreatePageResponse
	decodeBody(t, rec, &created)
	assert.Equal(t, "tenant-a", created.PartitionID)

	rec = s.do(t, http.MethodGet, "/v1/pages/"+created.PageID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page session.Page
	decodeBody(t, rec, &page)
	assert.Equal(t, created.PageID, page.ID)
	assert.Equal(t, session.Idle, page.LoadState)
	assert.Equal(t, "crawl", page.Metadata["job"])

	rec = s.do(t, http.MethodGet, "/v1/pages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []session.Page
	decodeBody(t, rec, &list)
	assert.Len(t, list, 1)

	rec = s.do(t, http.MethodDelete, "/v1/pages/"+created.PageID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/pages/"+created.PageID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var errResp models.ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "not_found", errResp.Code)
}

func TestCreatePageWithoutBody(t *testing.T) {
	s := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/pages", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestPageLimitReturns429(t *testing.T) {
	s := newTestServer(t, nil, func(c *config.ManagerConfig) { c.MaxConcurrentPages = 1 })
	s.createPage(t)

	rec := s.do(t, http.MethodPost, "/v1/pages", models.CreatePageRequest{})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var errResp models.ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "limit_exceeded", errResp.Code)
}

func TestNavigatePage(t *testing.T) {
	s := newTestServer(t, nil, nil)
	id := s.createPage(t)

	rec := s.do(t, http.MethodPost, "/v1/pages/"+id+"/navigate", models.NavigateRequest{URL: "https://example.com/"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.NavigateResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, id, resp.PageID)
	assert.Equal(t, "https://example.com/", resp.FinalURL)
	assert.Equal(t, string(session.Loaded), resp.LoadState)
}

func TestNavigateErrors(t *testing.T) {
	s := newTestServer(t, nil, nil)
	id := s.createPage(t)
	s.backend.Fail("https://down.example.com/", &browser.LoadError{URL: "https://down.example.com/", Code: "ERR_CONNECTION_REFUSED"})

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"bad scheme", "/v1/pages/" + id + "/navigate", models.NavigateRequest{URL: "ftp://example.com/"}, http.StatusBadRequest, "validation"},
		{"bad waitUntil", "/v1/pages/" + id + "/navigate", models.NavigateRequest{URL: "https://example.com/", WaitUntil: "forever"}, http.StatusBadRequest, "validation"},
		{"negative timeout", "/v1/pages/" + id + "/navigate", models.NavigateRequest{URL: "https://example.com/", TimeoutMs: -1}, http.StatusBadRequest, "validation"},
		{"unknown page", "/v1/pages/nope/navigate", models.NavigateRequest{URL: "https://example.com/"}, http.StatusNotFound, "not_found"},
		{"load failure", "/v1/pages/" + id + "/navigate", models.NavigateRequest{URL: "https://down.example.com/"}, http.StatusBadGateway, "navigation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			var errResp models.ErrorResponse
			decodeBody(t, rec, &errResp)
			assert.Equal(t, tt.code, errResp.Code)
		})
	}
}

func TestNavigateTimeoutReturns504(t *testing.T) {
	s := newTestServer(t, nil, nil)
	id := s.createPage(t)
	release := s.backend.Gate("https://slow.example.com/")
	defer release()

	rec := s.do(t, http.MethodPost, "/v1/pages/"+id+"/navigate", models.NavigateRequest{URL: "https://slow.example.com/", TimeoutMs: 50})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t, nil, nil)
	id := s.createPage(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/pages/"+id+"/navigate", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNavigateBatch(t *testing.T) {
	s := newTestServer(t, nil, nil)
	a := s.createPage(t)
	b := s.createPage(t)

	rec := s.do(t, http.MethodPost, "/v1/navigate/batch", models.BatchNavigateRequest{Items: []models.BatchNavigateItem{
		{PageID: a, URL: "https://a.example.com/"},
		{PageID: b, URL: "https://b.example.com/"},
		{PageID: "missing", URL: "https://c.example.com/"},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp session.BatchResult
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, a, resp.Results[0].PageID)
	assert.True(t, resp.Results[0].Success)
	assert.False(t, resp.Results[2].Success)
	assert.Equal(t, "not_found", resp.Results[2].ErrorCode)

	rec = s.do(t, http.MethodPost, "/v1/navigate/batch", models.BatchNavigateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteAndScreenshot(t *testing.T) {
	s := newTestServer(t, nil, nil)
	id := s.createPage(t)

	rec := s.do(t, http.MethodPost, "/v1/pages/"+id+"/execute", models.ExecuteRequest{Script: "() => document.title"})
	require.Equal(t, http.StatusOK, rec.Code)
	var exec struct {
		Result map[string]string `json:"result"`
	}
	decodeBody(t, rec, &exec)
	assert.Equal(t, "() => document.title", exec.Result["script"])

	rec = s.do(t, http.MethodPost, "/v1/pages/"+id+"/execute", models.ExecuteRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/pages/"+id+"/screenshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, browsertest.PNG, rec.Body.Bytes())

	rec = s.do(t, http.MethodGet, "/v1/pages/"+id+"/screenshot?quality=200", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/pages/"+id+"/screenshot?format=gif", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatistics(t *testing.T) {
	s := newTestServer(t, nil, nil)
	id := s.createPage(t)
	rec := s.do(t, http.MethodPost, "/v1/pages/"+id+"/navigate", models.NavigateRequest{URL: "https://example.com/"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats session.Statistics
	decodeBody(t, rec, &stats)
	assert.Equal(t, uint64(1), stats.PagesCreated)
	assert.Equal(t, 1, stats.CurrentPages)
	assert.Equal(t, uint64(1), stats.NavigationsCompleted)
}

func TestUpdateConfig(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodPatch, "/v1/config", map[string]interface{}{
		"maxConcurrentNavigations": 2,
		"domainRateLimitDelay":     1500,
		"domainStateMaxIdle":       "5m",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.ConfigResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.Config.MaxConcurrentNavigations)
	assert.Equal(t, int64(1500), resp.Config.DomainRateLimitDelayMs)
	assert.Equal(t, int64(300000), resp.Config.DomainStateMaxIdleMs)
	assert.Equal(t, 2, s.pages.Config().MaxConcurrentNavigations)

	rec = s.do(t, http.MethodPatch, "/v1/config", map[string]interface{}{"maxConcurrentPages": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, config.DefaultManager().MaxConcurrentPages, s.pages.Config().MaxConcurrentPages)

	rec = s.do(t, http.MethodGet, "/v1/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.Config.MaxConcurrentNavigations)
}

func TestShutdownEndpoint(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.createPage(t)

	rec := s.do(t, http.MethodPost, "/v1/shutdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, s.backend.Live())

	rec = s.do(t, http.MethodPost, "/v1/pages", models.CreatePageRequest{})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var errResp models.ErrorResponse
	decodeBody(t, rec, &errResp)
	assert.Equal(t, "shutting_down", errResp.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health models.HealthResponse
	decodeBody(t, rec, &health)
	assert.True(t, health.Healthy)

	count := testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues("GET", "/healthz", "OK"))
	assert.Equal(t, float64(1), count)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthReportsBrowser(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.createPage(t)

	var down bool
	s.handler.Browser = pingFunc(func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "ping runs under a deadline")
		if down {
			return errors.New("browser container abc is not running")
		}
		return nil
	})

	rec := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health models.HealthResponse
	decodeBody(t, rec, &health)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Healthy)
	assert.Empty(t, health.Browser)

	down = true
	rec = s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	health = models.HealthResponse{}
	decodeBody(t, rec, &health)
	assert.Equal(t, "degraded", health.Status)
	assert.False(t, health.Healthy)
	assert.Equal(t, 1, health.Pages)
	assert.Contains(t, health.Browser, "not running")
}

func TestRouteTemplateLabels(t *testing.T) {
	s := newTestServer(t, nil, nil)
	s.do(t, http.MethodGet, "/v1/pages/abc", nil)
	s.do(t, http.MethodGet, "/v1/pages/def", nil)

	count := testutil.ToFloat64(s.metrics.RequestsTotal.WithLabelValues("GET", "/v1/pages/{id}", "Not Found"))
	assert.Equal(t, float64(2), count)
}

func TestClientRateLimit(t *testing.T) {
	s := newTestServer(t, ratelimit.NewClientLimiter(1, 2), nil)

	list := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/pages", nil)
		req.Header.Set("X-Client-ID", client)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		rec := list("alpha")
		require.Equal(t, http.StatusOK, rec.Code, fmt.Sprintf("request %d", i))
	}
	rec := list("alpha")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, list("beta").Code)

	// Statistics are not throttled.
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v1/statistics", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/config", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{session.ErrValidation, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", session.ErrNotFound), http.StatusNotFound},
		{session.ErrCancelled, http.StatusConflict},
		{session.ErrLimitExceeded, http.StatusTooManyRequests},
		{&session.NavigationError{PageID: "p", URL: "https://x/", Err: errors.New("boom")}, http.StatusBadGateway},
		{session.ErrResourceUnavailable, http.StatusServiceUnavailable},
		{session.ErrShuttingDown, http.StatusServiceUnavailable},
		{session.ErrTimeout, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}
