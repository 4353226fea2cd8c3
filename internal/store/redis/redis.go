// Package redis implements the shared, cross-process collaborators on top of
// Redis: the profile cache, the active-session registry, the event bus, the
// sliding-window counter store and the correction result lookup.
//
// The collaborators share one [goredis.Client] but are exposed as separate
// types because [store.ProfileCache] and [store.ActiveSessionRegistry] both
// define Get with different signatures:
//
//	s, err := redis.New(ctx, redis.Config{Addr: "localhost:6379"})
//	if err != nil { … }
//	defer s.Close()
//
//	cache := s.Profiles()
//	reg := s.Registry()
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zenc-ai/voicegate/internal/store"
)

// Compile-time interface checks.
var (
	_ store.ProfileCache          = (*ProfileCache)(nil)
	_ store.ActiveSessionRegistry = (*Registry)(nil)
	_ store.EventBus              = (*Bus)(nil)
	_ store.Subscriber            = (*Bus)(nil)
	_ store.CounterStore          = (*Counters)(nil)
	_ store.ResultStore           = (*Results)(nil)
)

const (
	defaultProfileTTL  = time.Hour
	defaultRegistryTTL = 24 * time.Hour

	profileKey  = "profile:"
	registryKey = "active_session:"
)

// Config configures a [Store].
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix is prepended to every key this package owns. Correction
	// result keys are written by an external worker and are never prefixed.
	KeyPrefix string

	// ProfileTTL is the cache lifetime of a profile. Default: 1h.
	ProfileTTL time.Duration

	// RegistryTTL bounds how long a registry entry survives a process that
	// died without removing it. Default: 24h.
	RegistryTTL time.Duration
}

// Store owns the Redis client shared by every collaborator in this package.
// All operations are safe for concurrent use.
type Store struct {
	client *goredis.Client
	cfg    Config

	profiles *ProfileCache
	registry *Registry
	bus      *Bus
	counters *Counters
	results  *Results
}

// New connects to the Redis server described by cfg and verifies the
// connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return NewFromClient(client, cfg), nil
}

// NewFromClient wraps an existing client. Addr, Password and DB in cfg are
// ignored.
func NewFromClient(client *goredis.Client, cfg Config) *Store {
	if cfg.ProfileTTL <= 0 {
		cfg.ProfileTTL = defaultProfileTTL
	}
	if cfg.RegistryTTL <= 0 {
		cfg.RegistryTTL = defaultRegistryTTL
	}
	s := &Store{client: client, cfg: cfg}
	s.profiles = &ProfileCache{s: s}
	s.registry = &Registry{s: s}
	s.bus = &Bus{s: s}
	s.counters = &Counters{s: s}
	s.results = &Results{s: s}
	return s
}

// Profiles returns the profile cache.
func (s *Store) Profiles() *ProfileCache { return s.profiles }

// Registry returns the active-session registry.
func (s *Store) Registry() *Registry { return s.registry }

// Bus returns the event bus.
func (s *Store) Bus() *Bus { return s.bus }

// Counters returns the counter store.
func (s *Store) Counters() *Counters { return s.counters }

// Results returns the correction result lookup.
func (s *Store) Results() *Results { return s.results }

// Ping checks connectivity. It is used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(parts ...string) string {
	k := s.cfg.KeyPrefix
	for _, p := range parts {
		k += p
	}
	return k
}

// ─────────────────────────────────────────────────────────────────────────────
// Profile cache
// ─────────────────────────────────────────────────────────────────────────────

// ProfileCache stores profiles as JSON strings with a TTL.
type ProfileCache struct{ s *Store }

// Get returns the cached profile or [store.ErrNotFound].
func (c *ProfileCache) Get(ctx context.Context, userID string) (store.Profile, error) {
	raw, err := c.s.client.Get(ctx, c.s.key(profileKey, userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return store.Profile{}, store.ErrNotFound
	}
	if err != nil {
		return store.Profile{}, fmt.Errorf("redis: get profile %s: %w", userID, err)
	}
	var p store.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return store.Profile{}, fmt.Errorf("redis: decode profile %s: %w", userID, err)
	}
	return p, nil
}

// Set caches p under its UserID for the configured TTL.
func (c *ProfileCache) Set(ctx context.Context, p store.Profile) error {
	if p.UserID == "" {
		return errors.New("redis: set profile: empty user id")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: encode profile %s: %w", p.UserID, err)
	}
	if err := c.s.client.Set(ctx, c.s.key(profileKey, p.UserID), raw, c.s.cfg.ProfileTTL).Err(); err != nil {
		return fmt.Errorf("redis: set profile %s: %w", p.UserID, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Active-session registry
// ─────────────────────────────────────────────────────────────────────────────

// removeAttempts bounds the optimistic retries of [Registry.Remove].
const removeAttempts = 3

// Registry maps a user id to the socket holding their session.
type Registry struct{ s *Store }

// Get returns the registered socket id or "".
func (r *Registry) Get(ctx context.Context, userID string) (string, error) {
	v, err := r.s.client.Get(ctx, r.s.key(registryKey, userID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis: registry get %s: %w", userID, err)
	}
	return v, nil
}

// Swap registers socketID with SET ... GET and returns the previous holder.
func (r *Registry) Swap(ctx context.Context, userID, socketID string) (string, error) {
	prev, err := r.s.client.SetArgs(ctx, r.s.key(registryKey, userID), socketID, goredis.SetArgs{
		Get: true,
		TTL: r.s.cfg.RegistryTTL,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis: registry swap %s: %w", userID, err)
	}
	return prev, nil
}

// Remove deletes the entry if it still names socketID. It uses WATCH/MULTI/EXEC
// so a concurrent Swap by a newer session is never undone.
func (r *Registry) Remove(ctx context.Context, userID, socketID string) error {
	key := r.s.key(registryKey, userID)
	remove := func(tx *goredis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) || (err == nil && cur != socketID) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	var err error
	for range removeAttempts {
		err = r.s.client.Watch(ctx, remove, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("redis: registry remove %s: %w", userID, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Event bus
// ─────────────────────────────────────────────────────────────────────────────

// Bus publishes JSON payloads with PUBLISH and delivers them with SUBSCRIBE.
type Bus struct{ s *Store }

// Publish encodes payload as JSON and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("redis: encode %s payload: %w", channel, err)
	}
	if err := b.s.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe calls handle for every message on channel until ctx is
// cancelled. It returns nil on cancellation and an error only when the
// subscription could not be established.
func (b *Bus) Subscribe(ctx context.Context, channel string, handle func(payload []byte)) error {
	ps := b.s.client.Subscribe(ctx, channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}
	slog.Debug("redis: subscribed", "channel", channel)

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			handle([]byte(msg.Payload))
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Counters
// ─────────────────────────────────────────────────────────────────────────────

// incrScript adds ARGV[1] to KEYS[1] and sets a PEXPIRE of ARGV[2] ms when
// the increment created the key.
var incrScript = goredis.NewScript(`
local total = redis.call("INCRBY", KEYS[1], ARGV[1])
if total == tonumber(ARGV[1]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return total
`)

// Counters implements the sliding-window counter store.
type Counters struct{ s *Store }

// IncrementWithExpiry adds amount to key and returns the new total. The
// expiry is set only when the key is created, so the window is fixed from
// its first increment.
func (c *Counters) IncrementWithExpiry(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	total, err := incrScript.Run(ctx, c.s.client, []string{c.s.key(key)}, amount, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis: increment %s: %w", key, err)
	}
	return total, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Results
// ─────────────────────────────────────────────────────────────────────────────

// Results reads keys written by background workers.
type Results struct{ s *Store }

// Fetch returns the raw value at key or [store.ErrNotFound].
func (r *Results) Fetch(ctx context.Context, key string) ([]byte, error) {
	raw, err := r.s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: fetch %s: %w", key, err)
	}
	return raw, nil
}
