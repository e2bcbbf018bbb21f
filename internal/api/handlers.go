package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browser-orchestrator/internal/browser"
	"github.com/shehryarbajwa/browser-orchestrator/internal/config"
	"github.com/shehryarbajwa/browser-orchestrator/internal/logging"
	"github.com/shehryarbajwa/browser-orchestrator/internal/session"
	"github.com/shehryarbajwa/browser-orchestrator/pkg/models"
)

const pingTimeout = 2 * time.Second

// Pinger reports whether the browser behind the manager is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	pages *session.Manager
	log   *zap.Logger

	// Browser, when set, is checked by GET /healthz.
	Browser Pinger
	// OnShutdown runs after POST /v1/shutdown has stopped the manager.
	OnShutdown func()
}

// NewHandler creates a new HTTP handler
func NewHandler(pages *session.Manager, log *zap.Logger) *Handler {
	return &Handler{
		pages: pages,
		log:   logging.OrNop(log).Named("api"),
	}
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch session.Kind(err) {
	case session.ErrValidation:
		return http.StatusBadRequest
	case session.ErrNotFound:
		return http.StatusNotFound
	case session.ErrCancelled:
		return http.StatusConflict
	case session.ErrLimitExceeded:
		return http.StatusTooManyRequests
	case session.ErrNavigation:
		return http.StatusBadGateway
	case session.ErrResourceUnavailable, session.ErrShuttingDown:
		return http.StatusServiceUnavailable
	case session.ErrTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, models.ErrorResponse{Error: err.Error(), Code: session.Code(err)})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", session.ErrValidation, err)
	}
	return nil
}

func navigateOptions(timeoutMs int64, waitUntil, referrer string) (session.NavigateOptions, error) {
	opts := session.NavigateOptions{
		Timeout:  time.Duration(timeoutMs) * time.Millisecond,
		Referrer: referrer,
	}
	switch wu := browser.WaitUntil(waitUntil); wu {
	case "", browser.WaitLoad, browser.WaitDOMContentLoaded, browser.WaitNone:
		opts.WaitUntil = wu
	default:
		return opts, fmt.Errorf("%w: unknown waitUntil %q", session.ErrValidation, waitUntil)
	}
	if timeoutMs < 0 {
		return opts, fmt.Errorf("%w: timeoutMs must not be negative", session.ErrValidation)
	}
	return opts, nil
}

// CreatePage handles POST /v1/pages
func (h *Handler) CreatePage(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePageRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	page, err := h.pages.Create(r.Context(), session.CreateOptions{
		PartitionID:    req.PartitionID,
		Metadata:       req.Metadata,
		UserAgent:      req.UserAgent,
		ViewportWidth:  req.ViewportWidth,
		ViewportHeight: req.ViewportHeight,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.CreatePageResponse{
		PageID:      page.ID,
		PartitionID: page.PartitionID,
		CreatedAt:   page.CreatedAt,
	})
}

// ListPages handles GET /v1/pages
func (h *Handler) ListPages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pages.List())
}

// GetPage handles GET /v1/pages/{id}
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	page, err := h.pages.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// DestroyPage handles DELETE /v1/pages/{id}
func (h *Handler) DestroyPage(w http.ResponseWriter, r *http.Request) {
	if err := h.pages.Destroy(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.OKResponse{OK: true})
}

// NavigatePage handles POST /v1/pages/{id}/navigate. It answers once the
// navigation settles; a client that disconnects cancels the navigation.
func (h *Handler) NavigatePage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.NavigateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	opts, err := navigateOptions(req.TimeoutMs, req.WaitUntil, req.Referrer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.pages.Navigate(r.Context(), id, req.URL, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.NavigateResponse{
		PageID:          res.PageID,
		URL:             res.URL,
		FinalURL:        res.FinalURL,
		Title:           res.Title,
		LoadState:       string(res.LoadState),
		QueuedMs:        res.QueuedFor.Milliseconds(),
		RateLimitWaitMs: res.RateLimitWait.Milliseconds(),
	})
}

// NavigateBatch handles POST /v1/navigate/batch
func (h *Handler) NavigateBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchNavigateRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.Items) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: items must not be empty", session.ErrValidation))
		return
	}
	opts, err := navigateOptions(req.TimeoutMs, "", "")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items := make([]session.BatchItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = session.BatchItem{PageID: it.PageID, URL: it.URL}
	}
	writeJSON(w, http.StatusOK, h.pages.NavigateBatch(r.Context(), items, opts))
}

// ExecuteScript handles POST /v1/pages/{id}/execute
func (h *Handler) ExecuteScript(w http.ResponseWriter, r *http.Request) {
	var req models.ExecuteRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.pages.ExecuteScript(r.Context(), mux.Vars(r)["id"], req.Script)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ExecuteResponse{Result: result})
}

// CaptureScreenshot handles GET /v1/pages/{id}/screenshot
func (h *Handler) CaptureScreenshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := browser.ScreenshotOptions{
		FullPage: q.Get("fullPage") == "true",
		Format:   q.Get("format"),
	}
	if s := q.Get("quality"); s != "" {
		quality, err := strconv.Atoi(s)
		if err != nil || quality < 0 || quality > 100 {
			h.writeError(w, r, fmt.Errorf("%w: quality must be 0-100", session.ErrValidation))
			return
		}
		opts.Quality = quality
	}

	data, err := h.pages.CaptureScreenshot(r.Context(), mux.Vars(r)["id"], opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	contentType := "image/png"
	if opts.Format == "jpeg" {
		contentType = "image/jpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(data)
}

// GetStatistics handles GET /v1/statistics
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pages.Statistics())
}

// UpdateConfig handles PATCH /v1/config
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var partial config.Partial
	if err := decode(r, &partial); err != nil {
		h.writeError(w, r, err)
		return
	}

	cfg, err := h.pages.UpdateConfig(partial)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.ConfigResponse{Config: configView(cfg)})
}

// GetConfig handles GET /v1/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.ConfigResponse{Config: configView(h.pages.Config())})
}

func configView(c config.ManagerConfig) models.ManagerConfig {
	return models.ManagerConfig{
		MaxConcurrentPages:           c.MaxConcurrentPages,
		MaxConcurrentNavigations:     c.MaxConcurrentNavigations,
		MinDelayBetweenNavigationsMs: c.MinDelayBetweenNavigations.Milliseconds(),
		DomainRateLimitDelayMs:       c.DomainRateLimitDelay.Milliseconds(),
		DelayPolicy:                  string(c.DelayPolicy),
		ResourceMonitoringEnabled:    c.ResourceMonitoringEnabled,
		MaxMemoryMB:                  c.MaxMemoryMB,
		MaxCPUPercent:                c.MaxCPUPercent,
		DefaultNavigationTimeoutMs:   c.DefaultNavigationTimeout.Milliseconds(),
		BatchConcurrency:             c.BatchConcurrency,
		DestroyGracePeriodMs:         c.DestroyGracePeriod.Milliseconds(),
		DomainStateMaxIdleMs:         c.DomainStateMaxIdle.Milliseconds(),
	}
}

// Shutdown handles POST /v1/shutdown
func (h *Handler) Shutdown(w http.ResponseWriter, r *http.Request) {
	if err := h.pages.Shutdown(r.Context()); err != nil {
		h.log.Warn("shutdown finished with errors", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, models.OKResponse{OK: true})
	if h.OnShutdown != nil {
		go h.OnShutdown()
	}
}

// Health handles GET /healthz. It answers 503 when the browser is gone;
// resource pressure only clears the healthy flag.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.pages.Statistics()
	resp := models.HealthResponse{
		Status:  "ok",
		Healthy: stats.Resources == nil || stats.Resources.Healthy,
		Pages:   stats.CurrentPages,
	}
	status := http.StatusOK
	if h.Browser != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := h.Browser.Ping(ctx)
		cancel()
		if err != nil {
			h.log.Warn("browser health check failed", zap.Error(err))
			resp.Status = "degraded"
			resp.Healthy = false
			resp.Browser = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}
