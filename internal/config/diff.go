package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SettingsChanged is true when any hot-reloadable session setting
	// changed. New sessions pick the new values up; running sessions keep
	// theirs.
	SettingsChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.Settings() != new.Session.Settings() {
		d.SettingsChanged = true
	}

	// Everything that shapes long-lived objects built at startup.
	oldRest, newRest := restartShape(old), restartShape(new)
	for _, section := range []string{"server", "providers", "session", "auth", "redis", "postgres", "observe"} {
		if !reflect.DeepEqual(oldRest[section], newRest[section]) {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	return d
}

// HasChanges reports whether anything at all changed.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.SettingsChanged || len(d.RestartRequired) > 0
}

// restartShape returns, per section, the values that are not hot-reloadable.
func restartShape(c *Config) map[string]any {
	srv := c.Server
	srv.LogLevel = ""

	sess := c.Session
	sess.JitterCapacity = 0
	sess.Greeting = false
	sess.CorrectionDefault = false
	sess.RateLimitTokensPerMinute = 0
	sess.BytesPerToken = 0
	sess.DefaultMode = ""
	sess.TeardownTimeout = 0

	return map[string]any{
		"server":    srv,
		"providers": c.Providers,
		"session":   sess,
		"auth":      c.Auth,
		"redis":     c.Redis,
		"postgres":  c.Postgres,
		"observe":   c.Observe,
	}
}
