package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/zenc-ai/voicegate/internal/session"
)

// ValidProviderNames lists the built-in speech providers. [Validate] warns
// about other names, which may belong to providers registered elsewhere.
var ValidProviderNames = []string{"openai-realtime", "gemini-live", "mock"}

// Env holds the environment overrides. Each set variable replaces the
// corresponding file value.
type Env struct {
	ListenAddr   string `env:"VOICEGATE_LISTEN_ADDR"`
	LogLevel     string `env:"VOICEGATE_LOG_LEVEL"`
	RedisAddr    string `env:"VOICEGATE_REDIS_ADDR"`
	PostgresDSN  string `env:"VOICEGATE_POSTGRES_DSN"`
	JWTSecret    string `env:"VOICEGATE_JWT_SECRET"`
	OpenAIAPIKey string `env:"VOICEGATE_OPENAI_API_KEY"`
	GeminiAPIKey string `env:"VOICEGATE_GEMINI_API_KEY"`
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := parse(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyEnv overrides cfg with the VOICEGATE_* environment variables.
func ApplyEnv(cfg *Config) error {
	var env Env
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("config: decode environment: %w", err)
	}
	env.Apply(cfg)
	return nil
}

// Apply copies every non-empty override into cfg. Provider API keys go to
// whichever entry uses the matching provider.
func (e Env) Apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.ListenAddr, e.ListenAddr)
	if e.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(e.LogLevel)
	}
	set(&cfg.Redis.Addr, e.RedisAddr)
	set(&cfg.Postgres.DSN, e.PostgresDSN)
	set(&cfg.Auth.JWTSecret, e.JWTSecret)
	for _, p := range []*ProviderEntry{&cfg.Providers.Primary, &cfg.Providers.Alternate} {
		switch p.Name {
		case "openai-realtime":
			set(&p.APIKey, e.OpenAIAPIKey)
		case "gemini-live":
			set(&p.APIKey, e.GeminiAPIKey)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	// Providers
	p := cfg.Providers
	if p.Primary.IsZero() {
		errs = append(errs, errors.New("providers.primary.name is required"))
	}
	validateProviderName("providers.primary", p.Primary.Name)
	validateProviderName("providers.alternate", p.Alternate.Name)
	if !p.Alternate.IsZero() && p.Alternate.Name == p.Primary.Name {
		errs = append(errs, fmt.Errorf("providers.alternate must differ from providers.primary (both %q)", p.Primary.Name))
	}
	if p.Alternate.IsZero() {
		slog.Warn("providers.alternate is not configured; sessions cannot fail over")
	}
	if p.PrimaryMaxFailures < 0 || p.AlternateMaxFailures < 0 {
		errs = append(errs, errors.New("providers max_failures must be positive"))
	}

	// Session
	s := cfg.Session
	for name, v := range map[string]int{
		"session.jitter_capacity":     s.JitterCapacity,
		"session.send_queue_size":     s.SendQueueSize,
		"session.bytes_per_token":     s.BytesPerToken,
		"session.correction_attempts": s.CorrectionAttempts,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if s.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("session.max_retries must not be negative, got %d", s.MaxRetries))
	}
	for name, v := range map[string]int64{
		"session.retry_base_interval":      int64(s.RetryBaseInterval),
		"session.correction_initial_delay": int64(s.CorrectionInitialDelay),
		"session.teardown_timeout":         int64(s.TeardownTimeout),
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if s.RateLimitTokensPerMinute < 0 {
		errs = append(errs, errors.New("session.rate_limit_tokens_per_minute must not be negative"))
	}
	if _, err := session.ParseMode(s.DefaultMode); err != nil {
		errs = append(errs, fmt.Errorf("session.default_mode: %w", err))
	}

	// Auth
	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required (or set VOICEGATE_JWT_SECRET)"))
	}

	// Storage
	if cfg.Redis.Addr == "" {
		slog.Warn("redis.addr is empty; using in-process cache, registry and event bus")
	}
	if cfg.Postgres.DSN == "" {
		slog.Warn("postgres.dsn is empty; session records and token balances are kept in memory")
	}
	if cfg.Redis.ProfileTTL < 0 {
		errs = append(errs, errors.New("redis.profile_ttl must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
