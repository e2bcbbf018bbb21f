package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter manages token-bucket limits for API callers, keyed by client ID.
type ClientLimiter struct {
	clients map[string]*client
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
}

// NewClientLimiter creates a limiter allowing requestsPerMinute per client
// with the given burst.
func NewClientLimiter(requestsPerMinute int, burst int) *ClientLimiter {
	return &ClientLimiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
	}
}

// GetLimiter returns the rate limiter for a client, creating it on first use.
func (l *ClientLimiter) GetLimiter(clientID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, exists := l.clients[clientID]
	if !exists {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[clientID] = c
	}
	c.lastSeen = time.Now()

	return c.limiter
}

// Allow checks if a request is allowed for the given client.
func (l *ClientLimiter) Allow(clientID string) bool {
	return l.GetLimiter(clientID).Allow()
}

// Tokens returns the current number of available tokens for a client.
func (l *ClientLimiter) Tokens(clientID string) float64 {
	return l.GetLimiter(clientID).Tokens()
}

// Evict drops clients not seen for longer than idle. An evicted client
// starts again with a full bucket.
func (l *ClientLimiter) Evict(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	removed := 0
	for id, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, id)
			removed++
		}
	}
	return removed
}
