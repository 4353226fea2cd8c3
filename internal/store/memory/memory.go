// Package memory provides in-process implementations of every [store]
// collaborator interface.
//
// They back the "memory" storage driver used for local development and are
// the test doubles of choice for the orchestrator and gateway: each type
// records what it was asked to do and exposes exported *Err fields that force
// failures. All types are safe for concurrent use via an internal
// [sync.Mutex].
//
// Typical usage:
//
//	bus := memory.NewBus()
//	ledger := memory.NewLedger(map[string]int64{"u1": 500})
//
//	// inject into the system under test …
//
//	if got := len(bus.Published(store.ChannelSessionEnded)); got != 1 {
//	    t.Errorf("expected 1 session_ended event, got %d", got)
//	}
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenc-ai/voicegate/internal/store"
)

// Compile-time interface assertions.
var (
	_ store.ProfileCache          = (*ProfileCache)(nil)
	_ store.ProfileStore          = (*Profiles)(nil)
	_ store.SessionStore          = (*Sessions)(nil)
	_ store.ActiveSessionRegistry = (*Registry)(nil)
	_ store.EventBus              = (*Bus)(nil)
	_ store.Subscriber            = (*Bus)(nil)
	_ store.TokenLedger           = (*Ledger)(nil)
	_ store.CounterStore          = (*Counters)(nil)
	_ store.ResultStore           = (*Results)(nil)
)

// ─────────────────────────────────────────────────────────────────────────────
// Profiles
// ─────────────────────────────────────────────────────────────────────────────

// ProfileCache is an in-memory [store.ProfileCache].
type ProfileCache struct {
	mu       sync.Mutex
	profiles map[string]store.Profile

	// GetErr, when non-nil, is returned by Get instead of a lookup.
	GetErr error
	// SetErr, when non-nil, is returned by Set.
	SetErr error

	gets, sets int
}

// NewProfileCache returns an empty cache.
func NewProfileCache() *ProfileCache {
	return &ProfileCache{profiles: make(map[string]store.Profile)}
}

// Get implements [store.ProfileCache].
func (c *ProfileCache) Get(_ context.Context, userID string) (store.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.GetErr != nil {
		return store.Profile{}, c.GetErr
	}
	p, ok := c.profiles[userID]
	if !ok {
		return store.Profile{}, store.ErrNotFound
	}
	return p, nil
}

// Set implements [store.ProfileCache].
func (c *ProfileCache) Set(_ context.Context, p store.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.SetErr != nil {
		return c.SetErr
	}
	c.profiles[p.UserID] = p
	return nil
}

// Counts returns the number of Get and Set calls.
func (c *ProfileCache) Counts() (gets, sets int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets, c.sets
}

// Profiles is an in-memory [store.ProfileStore].
type Profiles struct {
	mu       sync.Mutex
	profiles map[string]store.Profile

	// LoadErr, when non-nil, is returned by LoadProfile.
	LoadErr error
}

// NewProfiles returns a store seeded with profiles.
func NewProfiles(profiles ...store.Profile) *Profiles {
	m := make(map[string]store.Profile, len(profiles))
	for _, p := range profiles {
		m[p.UserID] = p
	}
	return &Profiles{profiles: m}
}

// Put inserts or replaces p.
func (s *Profiles) Put(p store.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

// LoadProfile implements [store.ProfileStore].
func (s *Profiles) LoadProfile(_ context.Context, userID string) (store.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return store.Profile{}, s.LoadErr
	}
	p, ok := s.profiles[userID]
	if !ok {
		return store.Profile{}, fmt.Errorf("memory: load profile %q: %w", userID, store.ErrNotFound)
	}
	return p, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Session records
// ─────────────────────────────────────────────────────────────────────────────

// Sessions is an in-memory [store.SessionStore].
type Sessions struct {
	mu      sync.Mutex
	records map[string]store.SessionRecord
	updates int

	// CreateErr, when non-nil, is returned by Create.
	CreateErr error
	// UpdateErr, when non-nil, is returned by Update.
	UpdateErr error
}

// NewSessions returns an empty record store.
func NewSessions() *Sessions {
	return &Sessions{records: make(map[string]store.SessionRecord)}
}

// Create implements [store.SessionStore].
func (s *Sessions) Create(_ context.Context, rec store.SessionRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return "", s.CreateErr
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.records[rec.ID] = rec
	return rec.ID, nil
}

// Update implements [store.SessionStore].
func (s *Sessions) Update(_ context.Context, id string, upd store.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("memory: update session %q: %w", id, store.ErrNotFound)
	}
	rec.EndedAt = upd.EndedAt
	rec.TotalTokens = upd.TotalTokens
	if upd.Provider != "" {
		rec.Provider = upd.Provider
	}
	if upd.Mode != "" {
		rec.Mode = upd.Mode
	}
	rec.Transcript = append([]store.TranscriptEntry(nil), upd.Transcript...)
	s.records[id] = rec
	return nil
}

// Record returns the stored record with id.
func (s *Sessions) Record(id string) (store.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Records returns every stored record in no particular order.
func (s *Sessions) Records() []store.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.SessionRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// UpdateCount returns the number of Update calls.
func (s *Sessions) UpdateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// ─────────────────────────────────────────────────────────────────────────────
// Active-session registry
// ─────────────────────────────────────────────────────────────────────────────

// Registry is an in-memory [store.ActiveSessionRegistry]. The mutex makes Swap
// and Remove atomic within one process.
type Registry struct {
	mu      sync.Mutex
	entries map[string]string

	// SwapErr, when non-nil, is returned by Swap.
	SwapErr error
	// RemoveErr, when non-nil, is returned by Remove.
	RemoveErr error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]string)}
}

// Get implements [store.ActiveSessionRegistry].
func (r *Registry) Get(_ context.Context, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[userID], nil
}

// Swap implements [store.ActiveSessionRegistry].
func (r *Registry) Swap(_ context.Context, userID, socketID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SwapErr != nil {
		return "", r.SwapErr
	}
	prev := r.entries[userID]
	r.entries[userID] = socketID
	return prev, nil
}

// Remove implements [store.ActiveSessionRegistry].
func (r *Registry) Remove(_ context.Context, userID, socketID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.RemoveErr != nil {
		return r.RemoveErr
	}
	if r.entries[userID] == socketID {
		delete(r.entries, userID)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Event bus
// ─────────────────────────────────────────────────────────────────────────────

// Message is one payload published on a [Bus].
type Message struct {
	Channel string
	Payload []byte
}

// Bus is an in-memory [store.EventBus] and [store.Subscriber]. Published
// payloads are JSON-encoded, recorded and fanned out synchronously to current
// subscribers.
type Bus struct {
	mu       sync.Mutex
	messages []Message
	subs     map[string]map[int]func([]byte)
	nextSub  int

	// PublishErr, when non-nil, is returned by Publish.
	PublishErr error

	// OnPublish, when set, is called after every successful Publish. Tests
	// use it to play the part of a background worker.
	OnPublish func(channel string, payload []byte)
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]func([]byte))}
}

// Publish implements [store.EventBus].
func (b *Bus) Publish(_ context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("memory: encode %s payload: %w", channel, err)
	}
	b.mu.Lock()
	if b.PublishErr != nil {
		b.mu.Unlock()
		return b.PublishErr
	}
	b.messages = append(b.messages, Message{Channel: channel, Payload: data})
	handlers := make([]func([]byte), 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	hook := b.OnPublish
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	if hook != nil {
		hook(channel, data)
	}
	return nil
}

// Subscribe implements [store.Subscriber]. It blocks until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string, handle func([]byte)) error {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]func([]byte))
	}
	b.subs[channel][id] = handle
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.subs[channel], id)
	b.mu.Unlock()
	return nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// Published returns the payloads published on channel, in order.
func (b *Bus) Published(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.messages {
		if m.Channel == channel {
			out = append(out, m.Payload)
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Token ledger and counters
// ─────────────────────────────────────────────────────────────────────────────

// Ledger is an in-memory [store.TokenLedger].
type Ledger struct {
	mu       sync.Mutex
	balances map[string]int64
	deducts  int

	// DeductErr, when non-nil, is returned by Deduct.
	DeductErr error
}

// NewLedger returns a ledger seeded with balances.
func NewLedger(balances map[string]int64) *Ledger {
	m := make(map[string]int64, len(balances))
	for k, v := range balances {
		m[k] = v
	}
	return &Ledger{balances: m}
}

// Deduct implements [store.TokenLedger].
func (l *Ledger) Deduct(_ context.Context, userID string, amount int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deducts++
	if l.DeductErr != nil {
		return 0, l.DeductErr
	}
	if amount < 0 {
		amount = 0
	}
	bal := max(l.balances[userID]-amount, 0)
	l.balances[userID] = bal
	return bal, nil
}

// Balance returns the user's current balance.
func (l *Ledger) Balance(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// DeductCount returns the number of Deduct calls.
func (l *Ledger) DeductCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deducts
}

type counter struct {
	value   int64
	expires time.Time
}

// Counters is an in-memory [store.CounterStore]. Expiry is evaluated lazily
// against the wall clock.
type Counters struct {
	mu     sync.Mutex
	values map[string]counter
	now    func() time.Time

	// IncrErr, when non-nil, is returned by IncrementWithExpiry.
	IncrErr error
}

// NewCounters returns an empty counter store.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]counter), now: time.Now}
}

// IncrementWithExpiry implements [store.CounterStore]. The TTL is set when the
// key is created and not extended by later increments.
func (c *Counters) IncrementWithExpiry(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.IncrErr != nil {
		return 0, c.IncrErr
	}
	now := c.now()
	cur, ok := c.values[key]
	if !ok || (!cur.expires.IsZero() && !now.Before(cur.expires)) {
		cur = counter{expires: now.Add(ttl)}
	}
	cur.value += amount
	c.values[key] = cur
	return cur.value, nil
}

// Value returns the current value of key, ignoring expiry.
func (c *Counters) Value(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key].value
}

// ─────────────────────────────────────────────────────────────────────────────
// Results
// ─────────────────────────────────────────────────────────────────────────────

// Results is an in-memory [store.ResultStore].
type Results struct {
	mu      sync.Mutex
	values  map[string][]byte
	fetches map[string]int
}

// NewResults returns an empty result store.
func NewResults() *Results {
	return &Results{values: make(map[string][]byte), fetches: make(map[string]int)}
}

// Put stores value under key.
func (r *Results) Put(key string, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
}

// PutJSON encodes v and stores it under key.
func (r *Results) PutJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("memory: encode result %s: %w", key, err)
	}
	r.Put(key, data)
	return nil
}

// Fetch implements [store.ResultStore].
func (r *Results) Fetch(_ context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches[key]++
	v, ok := r.values[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

// FetchCount returns how many times key was fetched.
func (r *Results) FetchCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[key]
}

// Stores bundles one instance of every in-memory collaborator.
type Stores struct {
	Cache    *ProfileCache
	Profiles *Profiles
	Sessions *Sessions
	Registry *Registry
	Bus      *Bus
	Ledger   *Ledger
	Counters *Counters
	Results  *Results
}

// New returns a fresh set of in-memory stores.
func New() *Stores {
	return &Stores{
		Cache:    NewProfileCache(),
		Profiles: NewProfiles(),
		Sessions: NewSessions(),
		Registry: NewRegistry(),
		Bus:      NewBus(),
		Ledger:   NewLedger(nil),
		Counters: NewCounters(),
		Results:  NewResults(),
	}
}

