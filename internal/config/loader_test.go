package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zenc-ai/voicegate/internal/config"
	"github.com/zenc-ai/voicegate/internal/session"
)

const minimalYAML = `
providers:
  primary:
    name: openai-realtime
    api_key: sk-test
  alternate:
    name: gemini-live
    api_key: gm-test
auth:
  jwt_secret: s3cret
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Providers.PrimaryMaxFailures != 3 || cfg.Providers.AlternateMaxFailures != 2 {
		t.Errorf("max failures = %d/%d, want 3/2", cfg.Providers.PrimaryMaxFailures, cfg.Providers.AlternateMaxFailures)
	}
	s := cfg.Session
	if s.JitterCapacity != 3 || s.MaxRetries != 2 || s.BytesPerToken != 3200 {
		t.Errorf("session defaults = %+v", s)
	}
	if s.RetryBaseInterval != time.Second {
		t.Errorf("RetryBaseInterval = %v, want 1s", s.RetryBaseInterval)
	}
	if s.DefaultMode != string(session.ModeFreeTalk) {
		t.Errorf("DefaultMode = %q, want FREE_TALK", s.DefaultMode)
	}
	if cfg.Observe.ServiceName != "voicegate" || cfg.Observe.MetricsPath != "/metrics" {
		t.Errorf("observe = %+v", cfg.Observe)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
  allowed_origins: ["https://app.example.com"]
providers:
  primary:
    name: gemini-live
    api_key: gm
    model: gemini-2.0-flash-live
    voice: Puck
  alternate:
    name: openai-realtime
    api_key: sk
session:
  jitter_capacity: 5
  greeting: true
  rate_limit_tokens_per_minute: 500
  default_mode: role-play
  max_provider_switches: 4
auth:
  jwt_secret: s3cret
  issuer: zenc
redis:
  addr: localhost:6379
  profile_ttl: 30m
postgres:
  dsn: postgres://localhost/voicegate
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.Primary.Voice != "Puck" {
		t.Errorf("Voice = %q, want Puck", cfg.Providers.Primary.Voice)
	}
	if cfg.Redis.ProfileTTL != 30*time.Minute {
		t.Errorf("ProfileTTL = %v, want 30m", cfg.Redis.ProfileTTL)
	}

	st := cfg.Session.Settings()
	if st.JitterCapacity != 5 || !st.Greeting || st.RateLimitTokensPerMinute != 500 {
		t.Errorf("Settings = %+v", st)
	}
	if st.DefaultMode != session.ModeRolePlay {
		t.Errorf("DefaultMode = %q, want ROLE_PLAY", st.DefaultMode)
	}
	if st.MaxProviderSwitches != 4 {
		t.Errorf("MaxProviderSwitches = %d, want 4", st.MaxProviderSwitches)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "bogus: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing primary",
			yaml:    "auth:\n  jwt_secret: x\n",
			wantErr: "providers.primary.name is required",
		},
		{
			name: "same primary and alternate",
			yaml: `
providers:
  primary: {name: mock}
  alternate: {name: mock}
auth: {jwt_secret: x}
`,
			wantErr: "must differ",
		},
		{
			name:    "missing jwt secret",
			yaml:    "providers:\n  primary: {name: mock}\n",
			wantErr: "auth.jwt_secret is required",
		},
		{
			name: "bad log level",
			yaml: `
server: {log_level: loud}
providers: {primary: {name: mock}}
auth: {jwt_secret: x}
`,
			wantErr: "server.log_level",
		},
		{
			name: "bad default mode",
			yaml: `
providers: {primary: {name: mock}}
session: {default_mode: karaoke}
auth: {jwt_secret: x}
`,
			wantErr: "session.default_mode",
		},
		{
			name: "negative jitter capacity",
			yaml: `
providers: {primary: {name: mock}}
session: {jitter_capacity: -1}
auth: {jwt_secret: x}
`,
			wantErr: "session.jitter_capacity must be positive",
		},
		{
			name: "half tls",
			yaml: `
server: {tls: {cert_file: a.pem}}
providers: {primary: {name: mock}}
auth: {jwt_secret: x}
`,
			wantErr: "server.tls",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server: {log_level: loud}\n"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "providers.primary.name", "auth.jwt_secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	// t.Setenv forbids t.Parallel.
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
providers:
  primary: {name: openai-realtime}
  alternate: {name: gemini-live}
`)
	t.Setenv("VOICEGATE_JWT_SECRET", "from-env")
	t.Setenv("VOICEGATE_REDIS_ADDR", "redis:6379")
	t.Setenv("VOICEGATE_OPENAI_API_KEY", "sk-env")
	t.Setenv("VOICEGATE_GEMINI_API_KEY", "gm-env")
	t.Setenv("VOICEGATE_LOG_LEVEL", "warn")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q, want from-env", cfg.Auth.JWTSecret)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Providers.Primary.APIKey != "sk-env" || cfg.Providers.Alternate.APIKey != "gm-env" {
		t.Errorf("api keys = %q/%q", cfg.Providers.Primary.APIKey, cfg.Providers.Alternate.APIKey)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("LogLevel = %q, want warn", cfg.Server.LogLevel)
	}
}

func TestEnvApply_KeepsFileValuesWhenUnset(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "file"
	cfg.Providers.Primary.Name = "mock"
	cfg.Providers.Primary.APIKey = "k"

	config.Env{OpenAIAPIKey: "ignored"}.Apply(cfg)

	if cfg.Auth.JWTSecret != "file" {
		t.Errorf("JWTSecret = %q, want file", cfg.Auth.JWTSecret)
	}
	if cfg.Providers.Primary.APIKey != "k" {
		t.Errorf("APIKey = %q, want k", cfg.Providers.Primary.APIKey)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}
