package models

import "time"

// CreatePageRequest is the payload for POST /v1/pages
type CreatePageRequest struct {
	PartitionID    string            `json:"partitionId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
	ViewportWidth  int               `json:"viewportWidth,omitempty"`
	ViewportHeight int               `json:"viewportHeight,omitempty"`
}

// CreatePageResponse is returned by POST /v1/pages
type CreatePageResponse struct {
	PageID      string    `json:"pageId"`
	PartitionID string    `json:"partitionId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NavigateRequest is the payload for POST /v1/pages/{id}/navigate
type NavigateRequest struct {
	URL string `json:"url"`
	// TimeoutMs overrides the default navigation timeout
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
	WaitUntil string `json:"waitUntil,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
}

// NavigateResponse is returned once a navigation settles
type NavigateResponse struct {
	PageID          string `json:"pageId"`
	URL             string `json:"url"`
	FinalURL        string `json:"finalUrl,omitempty"`
	Title           string `json:"title,omitempty"`
	LoadState       string `json:"loadState"`
	QueuedMs        int64  `json:"queuedMs"`
	RateLimitWaitMs int64  `json:"rateLimitWaitMs"`
}

// BatchNavigateItem is one entry of a batch navigation
type BatchNavigateItem struct {
	PageID string `json:"pageId"`
	URL    string `json:"url"`
}

// BatchNavigateRequest is the payload for POST /v1/navigate/batch
type BatchNavigateRequest struct {
	Items     []BatchNavigateItem `json:"items"`
	TimeoutMs int64               `json:"timeoutMs,omitempty"`
}

// ExecuteRequest is the payload for POST /v1/pages/{id}/execute
type ExecuteRequest struct {
	Script string `json:"script"`
}

// ExecuteResponse carries the script's JSON result
type ExecuteResponse struct {
	Result interface{} `json:"result"`
}

// OKResponse acknowledges commands without a payload
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ManagerConfig is the wire form of the admission config; durations are
// milliseconds.
type ManagerConfig struct {
	MaxConcurrentPages           int     `json:"maxConcurrentPages"`
	MaxConcurrentNavigations     int     `json:"maxConcurrentNavigations"`
	MinDelayBetweenNavigationsMs int64   `json:"minDelayBetweenNavigations"`
	DomainRateLimitDelayMs       int64   `json:"domainRateLimitDelay"`
	DelayPolicy                  string  `json:"delayPolicy"`
	ResourceMonitoringEnabled    bool    `json:"resourceMonitoringEnabled"`
	MaxMemoryMB                  float64 `json:"maxMemoryMB"`
	MaxCPUPercent                float64 `json:"maxCPUPercent"`
	DefaultNavigationTimeoutMs   int64   `json:"defaultNavigationTimeout"`
	BatchConcurrency             int     `json:"batchConcurrency"`
	DestroyGracePeriodMs         int64   `json:"destroyGracePeriod"`
	DomainStateMaxIdleMs         int64   `json:"domainStateMaxIdle"`
}

// ConfigResponse is returned by GET and PATCH /v1/config
type ConfigResponse struct {
	Config ManagerConfig `json:"config"`
}

// HealthResponse is returned by GET /healthz
type HealthResponse struct {
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
	Pages   int    `json:"pages"`
	Browser string `json:"browser,omitempty"`
}
