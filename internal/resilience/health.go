// Package resilience provides provider health bookkeeping and failover
// selection for the upstream speech providers.
//
// The central type is [HealthTracker], a process-wide ledger of consecutive
// connect/runtime failures per provider. [Selector] reads it to decide which
// provider a new or failing-over session should use.
//
// All types are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Role distinguishes the configured primary provider from the alternate. Each
// role has its own failure ceiling.
type Role int

const (
	// RolePrimary is the preferred provider.
	RolePrimary Role = iota

	// RoleAlternate is the provider used when the primary is unhealthy.
	RoleAlternate
)

// String returns the human-readable name of the role.
func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleAlternate:
		return "alternate"
	default:
		return "unknown"
	}
}

// TrackerConfig holds the failure ceilings for a [HealthTracker].
type TrackerConfig struct {
	// PrimaryMaxFailures is the number of consecutive failures after which the
	// primary provider is reported unhealthy. Default: 3.
	PrimaryMaxFailures int

	// AlternateMaxFailures is the ceiling for the alternate provider. Default: 2.
	AlternateMaxFailures int
}

// ProviderStatus is a point-in-time view of one provider's health.
type ProviderStatus struct {
	Name                  string
	Role                  Role
	Healthy               bool
	CredentialsConfigured bool
	ConsecutiveFailures   int
	LastError             string
	LastConnectLatency    time.Duration
	LastSuccess           time.Time
	LastFailure           time.Time
}

type providerHealth struct {
	role            Role
	credentials     bool
	consecutiveFail int
	lastErr         string
	latency         time.Duration
	lastSuccess     time.Time
	lastFailure     time.Time
}

// HealthTracker records connect outcomes per provider. It is the only mutable
// state shared between concurrently running sessions.
type HealthTracker struct {
	primaryMax   int
	alternateMax int

	mu        sync.RWMutex
	providers map[string]*providerHealth
}

// NewHealthTracker creates a [HealthTracker]. Zero-value config fields are
// replaced with defaults.
func NewHealthTracker(cfg TrackerConfig) *HealthTracker {
	if cfg.PrimaryMaxFailures <= 0 {
		cfg.PrimaryMaxFailures = 3
	}
	if cfg.AlternateMaxFailures <= 0 {
		cfg.AlternateMaxFailures = 2
	}
	return &HealthTracker{
		primaryMax:   cfg.PrimaryMaxFailures,
		alternateMax: cfg.AlternateMaxFailures,
		providers:    make(map[string]*providerHealth),
	}
}

// Register declares a provider and its role. credentialsConfigured should be
// false when the provider has no API key; such a provider is never healthy.
// Registering an existing name updates its role and credentials but keeps its
// failure history.
func (t *HealthTracker) Register(name string, role Role, credentialsConfigured bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ph, ok := t.providers[name]; ok {
		ph.role = role
		ph.credentials = credentialsConfigured
		return
	}
	t.providers[name] = &providerHealth{role: role, credentials: credentialsConfigured}
}

// RecordSuccess resets the consecutive failure count after a successful
// connect and stores the connect latency.
func (t *HealthTracker) RecordSuccess(name string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ph := t.get(name)
	if ph.consecutiveFail >= t.ceiling(ph.role) {
		slog.Info("provider recovered", "provider", name, "latency_ms", latency.Milliseconds())
	}
	ph.consecutiveFail = 0
	ph.latency = latency
	ph.lastSuccess = time.Now()
}

// RecordFailure increments the consecutive failure count.
func (t *HealthTracker) RecordFailure(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ph := t.get(name)
	ph.consecutiveFail++
	ph.lastFailure = time.Now()
	if err != nil {
		ph.lastErr = err.Error()
	}
	if ph.consecutiveFail == t.ceiling(ph.role) {
		slog.Warn("provider marked unhealthy",
			"provider", name,
			"role", ph.role.String(),
			"consecutive_failures", ph.consecutiveFail,
			"last_error", ph.lastErr)
	}
}

// IsHealthy reports whether the provider has credentials and is below its
// role's failure ceiling. Unknown providers are unhealthy.
func (t *HealthTracker) IsHealthy(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ph, ok := t.providers[name]
	if !ok {
		return false
	}
	return t.healthy(ph)
}

// Status returns a snapshot of one provider's health.
func (t *HealthTracker) Status(name string) ProviderStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ph, ok := t.providers[name]
	if !ok {
		return ProviderStatus{Name: name}
	}
	return t.status(name, ph)
}

// Snapshot returns the status of every registered provider.
func (t *HealthTracker) Snapshot() []ProviderStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ProviderStatus, 0, len(t.providers))
	for name, ph := range t.providers {
		out = append(out, t.status(name, ph))
	}
	return out
}

// get returns the entry for name, creating an alternate-role entry with
// credentials when none exists. Must be called with t.mu held for writing.
func (t *HealthTracker) get(name string) *providerHealth {
	ph, ok := t.providers[name]
	if !ok {
		ph = &providerHealth{role: RoleAlternate, credentials: true}
		t.providers[name] = ph
	}
	return ph
}

func (t *HealthTracker) ceiling(r Role) int {
	if r == RolePrimary {
		return t.primaryMax
	}
	return t.alternateMax
}

func (t *HealthTracker) healthy(ph *providerHealth) bool {
	return ph.credentials && ph.consecutiveFail < t.ceiling(ph.role)
}

func (t *HealthTracker) status(name string, ph *providerHealth) ProviderStatus {
	return ProviderStatus{
		Name:                  name,
		Role:                  ph.role,
		Healthy:               t.healthy(ph),
		CredentialsConfigured: ph.credentials,
		ConsecutiveFailures:   ph.consecutiveFail,
		LastError:             ph.lastErr,
		LastConnectLatency:    ph.latency,
		LastSuccess:           ph.lastSuccess,
		LastFailure:           ph.lastFailure,
	}
}
