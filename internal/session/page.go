package session

import (
	"maps"
	"time"

	"github.com/shehryarbajwa/browser-orchestrator/internal/browser"
)

// LoadState is the navigation state of a page.
type LoadState string

const (
	Idle       LoadState = "idle"
	Navigating LoadState = "navigating"
	Loaded     LoadState = "loaded"
	Failed     LoadState = "failed"
)

// Page is a snapshot of one live browsing session. Snapshots are copies and
// never change after they are returned.
type Page struct {
	ID              string            `json:"pageId"`
	PartitionID     string            `json:"partitionId"`
	URL             string            `json:"url,omitempty"`
	LoadState       LoadState         `json:"loadState"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastNavigatedAt *time.Time        `json:"lastNavigatedAt,omitempty"`
	LastError       string            `json:"lastError,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// CreateOptions configure a new page.
type CreateOptions struct {
	// PartitionID keys cookie, storage and proxy isolation. Empty means the
	// page gets a partition of its own.
	PartitionID    string
	Metadata       map[string]string
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
}

// page is the registry record. All fields are guarded by Manager.mu.
type page struct {
	id              string
	partitionID     string
	handle          browser.Handle
	url             string
	loadState       LoadState
	createdAt       time.Time
	lastNavigatedAt time.Time
	lastError       string
	metadata        map[string]string

	// requests holds every navigation for this page that is queued or
	// dispatched and not yet resolved.
	requests map[*request]struct{}
	// dispatched counts manager navigations currently inside the backend.
	dispatched int
	// busy counts backend calls holding the handle. It only grows while the
	// page is registered; idle, once set by release, is closed when busy
	// drops to zero.
	busy int
	idle chan struct{}
}

func (p *page) snapshot() Page {
	s := Page{
		ID:          p.id,
		PartitionID: p.partitionID,
		URL:         p.url,
		LoadState:   p.loadState,
		CreatedAt:   p.createdAt,
		LastError:   p.lastError,
		Metadata:    maps.Clone(p.metadata),
	}
	if !p.lastNavigatedAt.IsZero() {
		t := p.lastNavigatedAt
		s.LastNavigatedAt = &t
	}
	return s
}
