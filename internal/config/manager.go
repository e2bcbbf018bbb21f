package config

import (
	"errors"
	"fmt"
	"time"
)

// DelayPolicy decides how the global and per-domain navigation spacing combine.
type DelayPolicy string

const (
	// DelayPolicyMax waits for the larger of the two required delays.
	DelayPolicyMax DelayPolicy = "max"
	// DelayPolicySum waits out both delays back to back.
	DelayPolicySum DelayPolicy = "sum"
)

// ManagerConfig holds the admission-control tunables of the page manager.
type ManagerConfig struct {
	MaxConcurrentPages         int           `envconfig:"MAX_CONCURRENT_PAGES" default:"10" json:"maxConcurrentPages"`
	MaxConcurrentNavigations   int           `envconfig:"MAX_CONCURRENT_NAVIGATIONS" default:"5" json:"maxConcurrentNavigations"`
	MinDelayBetweenNavigations time.Duration `envconfig:"MIN_DELAY_BETWEEN_NAVIGATIONS" default:"0s" json:"minDelayBetweenNavigations"`
	DomainRateLimitDelay       time.Duration `envconfig:"DOMAIN_RATE_LIMIT_DELAY" default:"1s" json:"domainRateLimitDelay"`
	DelayPolicy                DelayPolicy   `envconfig:"DELAY_POLICY" default:"max" json:"delayPolicy"`
	ResourceMonitoringEnabled  bool          `envconfig:"RESOURCE_MONITORING_ENABLED" default:"true" json:"resourceMonitoringEnabled"`
	MaxMemoryMB                float64       `envconfig:"MAX_MEMORY_MB" default:"2048" json:"maxMemoryMB"`
	MaxCPUPercent              float64       `envconfig:"MAX_CPU_PERCENT" default:"90" json:"maxCPUPercent"`
	DefaultNavigationTimeout   time.Duration `envconfig:"DEFAULT_NAVIGATION_TIMEOUT" default:"60s" json:"defaultNavigationTimeout"`
	BatchConcurrency           int           `envconfig:"BATCH_CONCURRENCY" default:"4" json:"batchConcurrency"`
	DestroyGracePeriod         time.Duration `envconfig:"DESTROY_GRACE_PERIOD" default:"5s" json:"destroyGracePeriod"`
	DomainStateMaxIdle         time.Duration `envconfig:"DOMAIN_STATE_MAX_IDLE" default:"10m" json:"domainStateMaxIdle"`
}

// DefaultManager returns the default manager configuration.
func DefaultManager() ManagerConfig {
	return ManagerConfig{
		MaxConcurrentPages:        10,
		MaxConcurrentNavigations:  5,
		DomainRateLimitDelay:      time.Second,
		DelayPolicy:               DelayPolicyMax,
		ResourceMonitoringEnabled: true,
		MaxMemoryMB:               2048,
		MaxCPUPercent:             90,
		DefaultNavigationTimeout:  60 * time.Second,
		BatchConcurrency:          4,
		DestroyGracePeriod:        5 * time.Second,
		DomainStateMaxIdle:        10 * time.Minute,
	}
}

// Validate reports the first invalid field.
func (c ManagerConfig) Validate() error {
	switch {
	case c.MaxConcurrentPages <= 0:
		return errors.New("maxConcurrentPages must be positive")
	case c.MaxConcurrentNavigations <= 0:
		return errors.New("maxConcurrentNavigations must be positive")
	case c.MinDelayBetweenNavigations < 0:
		return errors.New("minDelayBetweenNavigations must not be negative")
	case c.DomainRateLimitDelay < 0:
		return errors.New("domainRateLimitDelay must not be negative")
	case c.MaxMemoryMB <= 0:
		return errors.New("maxMemoryMB must be positive")
	case c.MaxCPUPercent <= 0:
		return errors.New("maxCPUPercent must be positive")
	case c.DefaultNavigationTimeout < 0:
		return errors.New("defaultNavigationTimeout must not be negative")
	case c.BatchConcurrency <= 0:
		return errors.New("batchConcurrency must be positive")
	case c.DestroyGracePeriod < 0:
		return errors.New("destroyGracePeriod must not be negative")
	case c.DomainStateMaxIdle < 0:
		return errors.New("domainStateMaxIdle must not be negative")
	}
	switch c.DelayPolicy {
	case DelayPolicyMax, DelayPolicySum:
	default:
		return fmt.Errorf("unknown delayPolicy %q", c.DelayPolicy)
	}
	return nil
}

// Partial is a runtime config update. Nil fields keep their current value.
type Partial struct {
	MaxConcurrentPages         *int         `json:"maxConcurrentPages,omitempty"`
	MaxConcurrentNavigations   *int         `json:"maxConcurrentNavigations,omitempty"`
	MinDelayBetweenNavigations *Duration    `json:"minDelayBetweenNavigations,omitempty"`
	DomainRateLimitDelay       *Duration    `json:"domainRateLimitDelay,omitempty"`
	DelayPolicy                *DelayPolicy `json:"delayPolicy,omitempty"`
	ResourceMonitoringEnabled  *bool        `json:"resourceMonitoringEnabled,omitempty"`
	MaxMemoryMB                *float64     `json:"maxMemoryMB,omitempty"`
	MaxCPUPercent              *float64     `json:"maxCPUPercent,omitempty"`
	DefaultNavigationTimeout   *Duration    `json:"defaultNavigationTimeout,omitempty"`
	BatchConcurrency           *int         `json:"batchConcurrency,omitempty"`
	DestroyGracePeriod         *Duration    `json:"destroyGracePeriod,omitempty"`
	DomainStateMaxIdle         *Duration    `json:"domainStateMaxIdle,omitempty"`
}

// Apply merges p into a copy of c and validates the result. The receiver is
// never modified.
func (c ManagerConfig) Apply(p Partial) (ManagerConfig, error) {
	next := c
	if p.MaxConcurrentPages != nil {
		next.MaxConcurrentPages = *p.MaxConcurrentPages
	}
	if p.MaxConcurrentNavigations != nil {
		next.MaxConcurrentNavigations = *p.MaxConcurrentNavigations
	}
	if p.MinDelayBetweenNavigations != nil {
		next.MinDelayBetweenNavigations = p.MinDelayBetweenNavigations.Duration
	}
	if p.DomainRateLimitDelay != nil {
		next.DomainRateLimitDelay = p.DomainRateLimitDelay.Duration
	}
	if p.DelayPolicy != nil {
		next.DelayPolicy = *p.DelayPolicy
	}
	if p.ResourceMonitoringEnabled != nil {
		next.ResourceMonitoringEnabled = *p.ResourceMonitoringEnabled
	}
	if p.MaxMemoryMB != nil {
		next.MaxMemoryMB = *p.MaxMemoryMB
	}
	if p.MaxCPUPercent != nil {
		next.MaxCPUPercent = *p.MaxCPUPercent
	}
	if p.DefaultNavigationTimeout != nil {
		next.DefaultNavigationTimeout = p.DefaultNavigationTimeout.Duration
	}
	if p.BatchConcurrency != nil {
		next.BatchConcurrency = *p.BatchConcurrency
	}
	if p.DestroyGracePeriod != nil {
		next.DestroyGracePeriod = p.DestroyGracePeriod.Duration
	}
	if p.DomainStateMaxIdle != nil {
		next.DomainStateMaxIdle = p.DomainStateMaxIdle.Duration
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}
