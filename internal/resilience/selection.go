package resilience

import "log/slog"

// Selector picks the upstream provider for a session from a fixed primary and
// alternate pair, using the shared [HealthTracker].
type Selector struct {
	tracker   *HealthTracker
	primary   string
	alternate string
}

// NewSelector creates a [Selector]. alternate may be empty when only one
// provider is configured.
func NewSelector(tracker *HealthTracker, primary, alternate string) *Selector {
	return &Selector{tracker: tracker, primary: primary, alternate: alternate}
}

// Primary returns the configured primary provider name.
func (s *Selector) Primary() string { return s.primary }

// Select returns the provider a new session should start on. A healthy
// primary always wins, even if the alternate is also healthy. If the primary
// is unhealthy and the alternate is healthy, the alternate is returned.
// Otherwise the primary is returned and its own retry logic decides.
func (s *Selector) Select() string {
	if s.tracker.IsHealthy(s.primary) {
		return s.primary
	}
	if s.alternate != "" && s.tracker.IsHealthy(s.alternate) {
		slog.Debug("primary provider unhealthy, selecting alternate",
			"primary", s.primary, "alternate", s.alternate)
		return s.alternate
	}
	return s.primary
}

// SelectHealthy returns [Selector.Select]'s choice and whether that provider
// is currently healthy.
func (s *Selector) SelectHealthy() (name string, ok bool) {
	name = s.Select()
	return name, s.tracker.IsHealthy(name)
}

// Alternate returns the provider to fail over to from current, and whether it
// is currently healthy. ok is false when no other provider is configured or
// the other provider is unhealthy.
func (s *Selector) Alternate(current string) (name string, ok bool) {
	switch current {
	case s.primary:
		name = s.alternate
	case s.alternate:
		name = s.primary
	default:
		name = s.primary
	}
	if name == "" || name == current {
		return name, false
	}
	return name, s.tracker.IsHealthy(name)
}
