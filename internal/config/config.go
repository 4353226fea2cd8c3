// Package config provides the configuration schema, loader, environment
// overrides, provider registry and hot-reload watcher for voicegate.
package config

import (
	"time"

	"github.com/zenc-ai/voicegate/internal/orchestrator"
	"github.com/zenc-ai/voicegate/internal/session"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Observe   ObserveConfig   `yaml:"observe"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. Default: ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists browser origins allowed to open the voice
	// websocket. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares the primary and alternate speech providers.
type ProvidersConfig struct {
	Primary   ProviderEntry `yaml:"primary"`
	Alternate ProviderEntry `yaml:"alternate"`

	// PrimaryMaxFailures is the consecutive-failure ceiling of the primary.
	// Default: 3.
	PrimaryMaxFailures int `yaml:"primary_max_failures"`

	// AlternateMaxFailures is the ceiling of the alternate. Default: 2.
	AlternateMaxFailures int `yaml:"alternate_max_failures"`
}

// ProviderEntry configures one speech provider. Name selects the constructor
// in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider ("openai-realtime", "gemini-live",
	// "mock").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. A provider without a key
	// is never selected.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model.
	Model string `yaml:"model"`

	// Voice is the voice requested on every connect.
	Voice string `yaml:"voice"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// IsZero reports whether no provider is configured.
func (p ProviderEntry) IsZero() bool { return p.Name == "" }

// SessionConfig holds the per-session tunables.
type SessionConfig struct {
	// JitterCapacity is the number of client chunks coalesced per upstream
	// send. Default: 3.
	JitterCapacity int `yaml:"jitter_capacity"`

	// RetryBaseInterval is the linear reconnect step. Default: 1s.
	RetryBaseInterval time.Duration `yaml:"retry_base_interval"`

	// MaxRetries is the reconnect budget per provider session. Default: 2.
	MaxRetries int `yaml:"max_retries"`

	// SendQueueSize bounds outbound audio per provider session. Default: 32.
	SendQueueSize int `yaml:"send_queue_size"`

	// Greeting asks the tutor to open every conversation.
	Greeting bool `yaml:"greeting"`

	// CorrectionDefault is the initial real-time correction toggle.
	CorrectionDefault bool `yaml:"correction_default"`

	// CorrectionAttempts and CorrectionInitialDelay shape correction
	// polling. Defaults: 5 and 100ms.
	CorrectionAttempts     int           `yaml:"correction_attempts"`
	CorrectionInitialDelay time.Duration `yaml:"correction_initial_delay"`

	// RateLimitTokensPerMinute is the soft per-user threshold. Zero
	// disables notices.
	RateLimitTokensPerMinute int64 `yaml:"rate_limit_tokens_per_minute"`

	// BytesPerToken is the audio-to-token heuristic. Default: 3200.
	BytesPerToken int `yaml:"bytes_per_token"`

	// DefaultMode is used when the client does not pick one. Default:
	// FREE_TALK.
	DefaultMode string `yaml:"default_mode"`

	// TeardownTimeout bounds session teardown. Default: 10s.
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`

	// MaxProviderSwitches caps failovers and degraded-mode recoveries per
	// session. Default: 2, one round trip between the providers.
	MaxProviderSwitches int `yaml:"max_provider_switches"`
}

// Settings converts the hot-reloadable part of s to orchestrator settings.
func (s SessionConfig) Settings() orchestrator.Settings {
	mode, err := session.ParseMode(s.DefaultMode)
	if err != nil {
		mode = session.ModeFreeTalk
	}
	return orchestrator.Settings{
		JitterCapacity:           s.JitterCapacity,
		Greeting:                 s.Greeting,
		CorrectionDefault:        s.CorrectionDefault,
		RateLimitTokensPerMinute: s.RateLimitTokensPerMinute,
		BytesPerToken:            s.BytesPerToken,
		DefaultMode:              mode,
		TeardownTimeout:          s.TeardownTimeout,
		MaxProviderSwitches:      s.MaxProviderSwitches,
	}
}

// AuthConfig configures client token validation.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	Leeway    time.Duration `yaml:"leeway"`
}

// RedisConfig configures the redis-backed stores. An empty Addr selects the
// in-memory stores.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	KeyPrefix  string        `yaml:"key_prefix"`
	ProfileTTL time.Duration `yaml:"profile_ttl"`
}

// PostgresConfig configures the postgres-backed stores. An empty DSN selects
// the in-memory stores.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// ObserveConfig configures telemetry.
type ObserveConfig struct {
	// ServiceName is reported as the OTel service.name. Default: voicegate.
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where the Prometheus exposition is served. Default:
	// /metrics.
	MetricsPath string `yaml:"metrics_path"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Providers.PrimaryMaxFailures == 0 {
		cfg.Providers.PrimaryMaxFailures = 3
	}
	if cfg.Providers.AlternateMaxFailures == 0 {
		cfg.Providers.AlternateMaxFailures = 2
	}

	s := &cfg.Session
	if s.JitterCapacity == 0 {
		s.JitterCapacity = session.DefaultJitterCapacity
	}
	if s.RetryBaseInterval == 0 {
		s.RetryBaseInterval = time.Second
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 2
	}
	if s.SendQueueSize == 0 {
		s.SendQueueSize = 32
	}
	if s.CorrectionAttempts == 0 {
		s.CorrectionAttempts = 5
	}
	if s.CorrectionInitialDelay == 0 {
		s.CorrectionInitialDelay = 100 * time.Millisecond
	}
	if s.BytesPerToken == 0 {
		s.BytesPerToken = session.DefaultBytesPerToken
	}
	if s.DefaultMode == "" {
		s.DefaultMode = string(session.ModeFreeTalk)
	}
	if s.TeardownTimeout == 0 {
		s.TeardownTimeout = 10 * time.Second
	}

	if cfg.Redis.ProfileTTL == 0 {
		cfg.Redis.ProfileTTL = time.Hour
	}
	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = "voicegate"
	}
	if cfg.Observe.MetricsPath == "" {
		cfg.Observe.MetricsPath = "/metrics"
	}
}
