package session

import (
	"errors"

	"github.com/shehryarbajwa/browser-orchestrator/internal/monitor"
)

// Statistics is a point-in-time copy of the manager counters.
type Statistics struct {
	PagesCreated           uint64 `json:"pagesCreated"`
	PagesDestroyed         uint64 `json:"pagesDestroyed"`
	CurrentPages           int    `json:"currentPages"`
	NavigationsCompleted   uint64 `json:"navigationsCompleted"`
	NavigationsFailed      uint64 `json:"navigationsFailed"`
	NavigationsCancelled   uint64 `json:"navigationsCancelled"`
	NavigationsTimedOut    uint64 `json:"navigationsTimedOut"`
	NavigationsQueuedTotal uint64 `json:"navigationsQueuedTotal"`
	ActiveNavigations      int    `json:"activeNavigations"`
	QueuedNavigations      int    `json:"queuedNavigations"`
	RateLimitDelaysApplied uint64 `json:"rateLimitDelaysApplied"`
	ResourceThresholdHits  uint64 `json:"resourceThresholdHits"`
	TrackedDomains         int    `json:"trackedDomains"`

	Resources *monitor.Stats `json:"resources,omitempty"`
}

// count records the outcome of a resolved navigation.
func (s *Statistics) count(err error) {
	switch {
	case err == nil:
		s.NavigationsCompleted++
	case errors.Is(err, ErrTimeout):
		s.NavigationsTimedOut++
		s.NavigationsFailed++
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrShuttingDown):
		s.NavigationsCancelled++
	default:
		s.NavigationsFailed++
	}
}
