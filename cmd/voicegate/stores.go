package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zenc-ai/voicegate/internal/config"
	"github.com/zenc-ai/voicegate/internal/health"
	"github.com/zenc-ai/voicegate/internal/store"
	"github.com/zenc-ai/voicegate/internal/store/memory"
	"github.com/zenc-ai/voicegate/internal/store/postgres"
	"github.com/zenc-ai/voicegate/internal/store/redis"
)

// stores is the set of collaborators handed to the orchestrator. Redis backs
// the cache, registry, bus and counters; postgres backs profiles, session
// records and the ledger. Either falls back to the in-memory implementation
// when it is not configured.
type stores struct {
	Cache      store.ProfileCache
	Profiles   store.ProfileStore
	Sessions   store.SessionStore
	Registry   store.ActiveSessionRegistry
	Bus        store.EventBus
	Subscriber store.Subscriber
	Ledger     store.TokenLedger
	Counters   store.CounterStore
	Results    store.ResultStore

	checkers []health.Checker
	closers  []func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	mem := memory.New()
	st := &stores{
		Cache:      mem.Cache,
		Profiles:   mem.Profiles,
		Sessions:   mem.Sessions,
		Registry:   mem.Registry,
		Bus:        mem.Bus,
		Subscriber: mem.Bus,
		Ledger:     mem.Ledger,
		Counters:   mem.Counters,
		Results:    mem.Results,
	}

	if cfg.Redis.Addr != "" {
		rs, err := redis.New(ctx, redis.Config{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			KeyPrefix:  cfg.Redis.KeyPrefix,
			ProfileTTL: cfg.Redis.ProfileTTL,
		})
		if err != nil {
			return nil, err
		}
		st.Cache = rs.Profiles()
		st.Registry = rs.Registry()
		st.Bus = rs.Bus()
		st.Subscriber = rs.Bus()
		st.Counters = rs.Counters()
		st.Results = rs.Results()
		st.checkers = append(st.checkers, health.PingChecker("redis", rs))
		st.closers = append(st.closers, func() {
			if err := rs.Close(); err != nil {
				slog.Warn("redis close error", "err", err)
			}
		})
		slog.Info("redis stores connected", "addr", cfg.Redis.Addr)
	}

	if cfg.Postgres.DSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		st.Profiles = pg.Profiles()
		st.Sessions = pg.Sessions()
		st.Ledger = pg.Ledger()
		st.checkers = append(st.checkers, health.PingChecker("postgres", pg))
		st.closers = append(st.closers, pg.Close)
		slog.Info("postgres stores connected")
	}

	return st, nil
}

// Close releases every backing connection in reverse order of opening.
func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
