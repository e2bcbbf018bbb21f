package ratelimit

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/shehryarbajwa/browser-orchestrator/internal/config"
)

// Reservation is a navigation start slot handed out by DomainLimiter.
type Reservation struct {
	Domain     string
	Start      time.Time
	Wait       time.Duration
	DomainWait time.Duration
	GlobalWait time.Duration

	seq        uint64
	prevDomain slot
	prevGlobal slot
	hadDomain  bool
}

type slot struct {
	start time.Time
	seq   uint64
}

// DomainLimiter spaces navigation starts to the same domain by the domain
// delay, and starts to any domain by the global delay. Every reservation
// records its future start time, so concurrent callers for one domain queue
// up behind each other instead of all measuring from the same stale start.
type DomainLimiter struct {
	mu          sync.Mutex
	seq         uint64
	last        map[string]slot
	lastGlobal  slot
	// dispatched records when navigations actually began, which can trail
	// their reserved start.
	dispatched     map[string]time.Time
	lastDispatched time.Time
	domainDelay time.Duration
	globalDelay time.Duration
	policy      config.DelayPolicy
	now         func() time.Time
}

// NewDomainLimiter creates a limiter with the given spacing.
func NewDomainLimiter(domainDelay, globalDelay time.Duration, policy config.DelayPolicy) *DomainLimiter {
	if policy == "" {
		policy = config.DelayPolicyMax
	}
	return &DomainLimiter{
		last:        make(map[string]slot),
		dispatched:  make(map[string]time.Time),
		domainDelay: domainDelay,
		globalDelay: globalDelay,
		policy:      policy,
		now:         time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (l *DomainLimiter) WithClock(now func() time.Time) *DomainLimiter {
	l.now = now
	return l
}

// SetDelays changes the spacing for reservations made after the call.
// Reservations already handed out keep their start times.
func (l *DomainLimiter) SetDelays(domainDelay, globalDelay time.Duration, policy config.DelayPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.domainDelay = domainDelay
	l.globalDelay = globalDelay
	if policy != "" {
		l.policy = policy
	}
}

// Reserve books the earliest start time for a navigation to domain and
// returns how long the caller must wait before starting.
func (l *DomainLimiter) Reserve(domain string) Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.seq++
	res := Reservation{Domain: domain, seq: l.seq, prevGlobal: l.lastGlobal}

	if last, ok := l.last[domain]; ok {
		res.prevDomain = last
		res.hadDomain = true
		res.DomainWait = waitFor(now, latest(last.start, l.dispatched[domain]), l.domainDelay)
	} else if d, ok := l.dispatched[domain]; ok {
		res.DomainWait = waitFor(now, d, l.domainDelay)
	}
	if l.lastGlobal.seq != 0 || !l.lastDispatched.IsZero() {
		res.GlobalWait = waitFor(now, latest(l.lastGlobal.start, l.lastDispatched), l.globalDelay)
	}

	switch l.policy {
	case config.DelayPolicySum:
		res.Wait = res.DomainWait + res.GlobalWait
	default:
		res.Wait = max(res.DomainWait, res.GlobalWait)
	}

	res.Start = now.Add(res.Wait)
	booked := slot{start: res.Start, seq: res.seq}
	l.last[domain] = booked
	if l.lastGlobal.seq == 0 || !res.Start.Before(l.lastGlobal.start) {
		l.lastGlobal = booked
	}
	return res
}

// Cancel gives back a reservation that was never used. It only rolls state
// back when no later reservation has been stacked on top of it.
func (l *DomainLimiter) Cancel(res Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.last[res.Domain]; ok && last.seq == res.seq {
		if res.hadDomain {
			l.last[res.Domain] = res.prevDomain
		} else {
			delete(l.last, res.Domain)
		}
	}
	if l.lastGlobal.seq == res.seq {
		l.lastGlobal = res.prevGlobal
	}
}

// Dispatch is called when a reserved navigation is about to reach the
// browser. It returns how much longer the caller must wait so that the gap
// to the previous actual dispatch, for the domain and globally, is never
// shorter than the configured delay; a late dispatch only widens gaps. On a
// zero return the dispatch is recorded and later reservations are measured
// from it.
func (l *DomainLimiter) Dispatch(res Reservation) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var wait time.Duration
	if d, ok := l.dispatched[res.Domain]; ok {
		wait = waitFor(now, d, l.domainDelay)
	}
	if !l.lastDispatched.IsZero() {
		wait = max(wait, waitFor(now, l.lastDispatched, l.globalDelay))
	}
	if wait > 0 {
		return wait
	}

	l.dispatched[res.Domain] = now
	if now.After(l.lastDispatched) {
		l.lastDispatched = now
	}
	return 0
}

// Prune forgets domains whose last reserved start is older than maxIdle (or
// the domain delay, whichever is larger). A forgotten domain is
// indistinguishable from one never seen, so pruning never shortens spacing.
func (l *DomainLimiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	idle := max(maxIdle, l.domainDelay)
	cutoff := l.now().Add(-idle)
	removed := 0
	for domain, last := range l.last {
		if last.start.Before(cutoff) && !l.dispatched[domain].After(cutoff) {
			delete(l.last, domain)
			delete(l.dispatched, domain)
			removed++
		}
	}
	for domain, at := range l.dispatched {
		if _, ok := l.last[domain]; !ok && at.Before(cutoff) {
			delete(l.dispatched, domain)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked domains.
func (l *DomainLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.last)
	for domain := range l.dispatched {
		if _, ok := l.last[domain]; !ok {
			n++
		}
	}
	return n
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func waitFor(now, last time.Time, delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	elapsed := now.Sub(last)
	if elapsed >= delay {
		return 0
	}
	return delay - elapsed
}

// ErrInvalidURL is returned by DomainOf for URLs without a host.
var ErrInvalidURL = errors.New("invalid url")

// DomainOf returns the rate-limit key for rawURL: the registrable domain
// (eTLD+1) for DNS names, or the bare host for IPs and single-label hosts.
func DomainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidURL, rawURL)
	}
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host, nil
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host, nil
	}
	return registrable, nil
}
