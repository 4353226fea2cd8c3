// Command voicegate is the entry point for the voicegate session server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/zenc-ai/voicegate/internal/auth"
	"github.com/zenc-ai/voicegate/internal/config"
	"github.com/zenc-ai/voicegate/internal/engine"
	engines2s "github.com/zenc-ai/voicegate/internal/engine/s2s"
	"github.com/zenc-ai/voicegate/internal/gateway"
	"github.com/zenc-ai/voicegate/internal/health"
	"github.com/zenc-ai/voicegate/internal/observe"
	"github.com/zenc-ai/voicegate/internal/orchestrator"
	"github.com/zenc-ai/voicegate/internal/resilience"
	"github.com/zenc-ai/voicegate/internal/session"
	"github.com/zenc-ai/voicegate/pkg/provider/s2s"
	geminilive "github.com/zenc-ai/voicegate/pkg/provider/s2s/gemini"
	s2smock "github.com/zenc-ai/voicegate/pkg/provider/s2s/mock"
	oais2s "github.com/zenc-ai/voicegate/pkg/provider/s2s/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicegate: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicegate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voicegate starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"primary", cfg.Providers.Primary.Name,
		"alternate", cfg.Providers.Alternate.Name,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup(observe.TelemetryConfig{ServiceName: cfg.Observe.ServiceName})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	telemetry.Install()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := telemetry.Metrics

	// ── Storage ───────────────────────────────────────────────────────────────
	st, err := openStores(ctx, cfg)
	if err != nil {
		slog.Error("failed to open stores", "err", err)
		return 1
	}
	defer st.Close()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	tracker := resilience.NewHealthTracker(resilience.TrackerConfig{
		PrimaryMaxFailures:   cfg.Providers.PrimaryMaxFailures,
		AlternateMaxFailures: cfg.Providers.AlternateMaxFailures,
	})
	adapters, err := buildAdapters(cfg, reg, tracker, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	selector := resilience.NewSelector(tracker, cfg.Providers.Primary.Name, cfg.Providers.Alternate.Name)

	// ── Orchestrator ──────────────────────────────────────────────────────────
	authn, err := auth.NewHMAC(auth.Config{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		slog.Error("failed to configure authentication", "err", err)
		return 1
	}

	mgr, err := orchestrator.New(orchestrator.Config{
		Auth:     authn,
		Adapters: adapters,
		Selector: selector,
		Cache:    st.Cache,
		Profiles: st.Profiles,
		Sessions: st.Sessions,
		Registry: st.Registry,
		Bus:      st.Bus,
		Ledger:   st.Ledger,
		Counters: st.Counters,
		Corrections: session.NewCorrectionChecker(st.Bus, st.Results,
			session.WithCorrectionPolling(cfg.Session.CorrectionAttempts, cfg.Session.CorrectionInitialDelay)),
		Settings: cfg.Session.Settings(),
		Metrics:  metrics,
	})
	if err != nil {
		slog.Error("failed to initialise orchestrator", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.SettingsChanged {
			mgr.SetSettings(new.Session.Settings())
			slog.Info("session settings reloaded")
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes require a restart", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP ──────────────────────────────────────────────────────────────────
	hub := gateway.NewHub()
	gw := gateway.New(mgr, hub, gateway.Config{AllowedOrigins: cfg.Server.AllowedOrigins})

	checkers := append(st.checkers,
		health.ProvidersChecker(tracker, cfg.Providers.Primary.Name, cfg.Providers.Alternate.Name))

	r := chi.NewRouter()
	r.Use(observe.Middleware(metrics))
	health.New(checkers...).Routes(r)
	r.Handle(cfg.Observe.MetricsPath, telemetry.Handler())
	gw.Routes(r)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready, press Ctrl+C to shut down", "addr", srv.Addr)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		err := hub.Run(gctx, st.Subscriber)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// ── Graceful shutdown ─────────────────────────────────────────────────
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		// Hijacked websocket connections are not tracked by Shutdown; their
		// sessions end with the base context and tear down here.
		if err := gw.Wait(shutdownCtx); err != nil {
			slog.Warn("sessions still tearing down at shutdown deadline", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in speech providers into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, oais2s.WithTranscriptionModel(m))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.Register("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	// mock accepts every connection and never answers. It lets the gateway be
	// exercised locally without provider credentials.
	reg.Register("mock", func(config.ProviderEntry) (s2s.Provider, error) {
		return &s2smock.Provider{}, nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}

// buildAdapters instantiates the configured providers and wraps each in a
// reconnecting session adapter registered with tracker.
func buildAdapters(cfg *config.Config, reg *config.Registry, tracker *resilience.HealthTracker, metrics *observe.Metrics) (map[string]engine.Adapter, error) {
	adapters := make(map[string]engine.Adapter, 2)
	for _, e := range []struct {
		entry config.ProviderEntry
		role  resilience.Role
	}{
		{cfg.Providers.Primary, resilience.RolePrimary},
		{cfg.Providers.Alternate, resilience.RoleAlternate},
	} {
		if e.entry.IsZero() {
			continue
		}
		p, err := reg.Create(e.entry)
		if err != nil {
			return nil, fmt.Errorf("create %s provider %q: %w", e.role, e.entry.Name, err)
		}

		// The mock provider needs no credentials.
		creds := e.entry.APIKey != "" || e.entry.Name == "mock"
		if !creds {
			slog.Warn("provider has no api key and will never be selected", "provider", e.entry.Name, "role", e.role.String())
		}
		tracker.Register(e.entry.Name, e.role, creds)

		opts := []engines2s.Option{
			engines2s.WithMaxRetries(cfg.Session.MaxRetries),
			engines2s.WithRetryBase(cfg.Session.RetryBaseInterval),
			engines2s.WithSendQueue(cfg.Session.SendQueueSize),
			engines2s.WithMetrics(metrics),
		}
		if e.entry.Voice != "" {
			opts = append(opts, engines2s.WithVoice(e.entry.Voice))
		}
		adapters[e.entry.Name] = engines2s.New(e.entry.Name, p, tracker, opts...)
		slog.Info("provider created", "name", e.entry.Name, "role", e.role.String())
	}
	return adapters, nil
}

// optString extracts a string value from an options map, returning "" if the
// key is absent or not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
