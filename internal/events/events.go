// Package events carries typed page lifecycle notifications from the page
// manager and the resource monitor to any number of subscribers.
package events

import (
	"time"
)

// Type identifies an event variant.
type Type string

const (
	PageCreated         Type = "page-created"
	PageDestroyed       Type = "page-destroyed"
	NavigationQueued    Type = "navigation-queued"
	NavigationStarted   Type = "navigation-started"
	RateLimitApplied    Type = "rate-limit-applied"
	PageLoaded          Type = "page-loaded"
	PageLoadFailed      Type = "page-load-failed"
	NavigationCancelled Type = "navigation-cancelled"
	ResourceWarning     Type = "resource-warning"
	ResourceRecovered   Type = "resource-recovered"
	ConfigUpdated       Type = "config-updated"
)

// Resources is the payload of resource-warning and resource-recovered.
type Resources struct {
	MemoryMB      float64 `json:"memoryMB"`
	CPUPercent    float64 `json:"cpuPercent"`
	MaxMemoryMB   float64 `json:"maxMemoryMB"`
	MaxCPUPercent float64 `json:"maxCPUPercent"`
}

// Event is a single notification. Which optional fields are set depends on
// Type; PageID is empty for resource and config events.
type Event struct {
	Type       Type          `json:"type"`
	Time       time.Time     `json:"time"`
	PageID     string        `json:"pageId,omitempty"`
	URL        string        `json:"url,omitempty"`
	Domain     string        `json:"domain,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  string        `json:"errorCode,omitempty"`
	Wait       time.Duration `json:"wait,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
	QueueDepth int           `json:"queueDepth,omitempty"`
	Resources  *Resources    `json:"resources,omitempty"`
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(Event)
}

// Subscriber receives events. OnEvent is called synchronously from the
// publishing goroutine and must not block.
type Subscriber interface {
	OnEvent(Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(Event)

// OnEvent calls f(e).
func (f SubscriberFunc) OnEvent(e Event) {
	f(e)
}
