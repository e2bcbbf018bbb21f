package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browser-orchestrator/internal/events"
)

func TestOnEventCountsByType(t *testing.T) {
	m := New()
	m.OnEvent(events.Event{Type: events.PageCreated})
	m.OnEvent(events.Event{Type: events.PageCreated})
	m.OnEvent(events.Event{Type: events.PageLoaded, Elapsed: 200 * time.Millisecond})
	m.OnEvent(events.Event{Type: events.RateLimitApplied, Wait: time.Second})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues(string(events.PageCreated))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues(string(events.PageLoaded))))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RateLimitWait))
}

func TestGaugesReadOnScrape(t *testing.T) {
	m := New()
	pages := 3
	m.RegisterGauges(func() Gauges { return Gauges{Pages: pages, Healthy: true} })

	pages = 5
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "orchestrator_pages 5")
	assert.Contains(t, body, "orchestrator_healthy 1")
}

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest(http.MethodPost, "/v1/pages", http.StatusCreated, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues(http.MethodPost, "/v1/pages", "Created")))
}
