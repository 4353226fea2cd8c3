package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zenc-ai/voicegate/internal/store"
)

func TestProfileCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewProfileCache()

	if _, err := c.Get(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get miss: err = %v", err)
	}
	if err := c.Set(ctx, store.Profile{UserID: "u1", CEFRLevel: "A2"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	p, err := c.Get(ctx, "u1")
	if err != nil || p.CEFRLevel != "A2" {
		t.Fatalf("Get = %+v, %v", p, err)
	}
	if gets, sets := c.Counts(); gets != 2 || sets != 1 {
		t.Errorf("Counts = %d, %d; want 2, 1", gets, sets)
	}

	c.GetErr = errors.New("down")
	if _, err := c.Get(ctx, "u1"); err == nil || errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get with GetErr: err = %v", err)
	}
}

func TestProfiles_LoadProfile(t *testing.T) {
	t.Parallel()
	s := NewProfiles(store.Profile{UserID: "u1", DisplayName: "Lan"})

	p, err := s.LoadProfile(context.Background(), "u1")
	if err != nil || p.DisplayName != "Lan" {
		t.Fatalf("LoadProfile = %+v, %v", p, err)
	}
	if _, err := s.LoadProfile(context.Background(), "u2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LoadProfile unknown: err = %v, want ErrNotFound", err)
	}
}

func TestSessions_CreateUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSessions()

	id, err := s.Create(ctx, store.SessionRecord{UserID: "u1", Mode: "FREE_TALK", Provider: "a"})
	if err != nil || id == "" {
		t.Fatalf("Create = %q, %v", id, err)
	}

	end := time.Now()
	err = s.Update(ctx, id, store.SessionUpdate{
		EndedAt:     end,
		TotalTokens: 90,
		Provider:    "b",
		Transcript:  []store.TranscriptEntry{{Speaker: store.SpeakerUser, Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec, ok := s.Record(id)
	if !ok {
		t.Fatal("record missing")
	}
	if rec.TotalTokens != 90 || rec.Provider != "b" || rec.Mode != "FREE_TALK" || len(rec.Transcript) != 1 {
		t.Errorf("record = %+v", rec)
	}

	if err := s.Update(ctx, "missing", store.SessionUpdate{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update missing: err = %v, want ErrNotFound", err)
	}
	if got := s.UpdateCount(); got != 2 {
		t.Errorf("UpdateCount = %d, want 2", got)
	}
}

func TestRegistry_CompareAndRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewRegistry()

	if prev, _ := r.Swap(ctx, "u1", "a"); prev != "" {
		t.Fatalf("first Swap prev = %q", prev)
	}
	if prev, _ := r.Swap(ctx, "u1", "b"); prev != "a" {
		t.Fatalf("second Swap prev = %q, want a", prev)
	}
	_ = r.Remove(ctx, "u1", "a")
	if got, _ := r.Get(ctx, "u1"); got != "b" {
		t.Fatalf("stale Remove deleted successor: Get = %q", got)
	}
	_ = r.Remove(ctx, "u1", "b")
	if got, _ := r.Get(ctx, "u1"); got != "" {
		t.Errorf("Get after Remove = %q", got)
	}
}

func TestBus_FanOut(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan []byte, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Subscribe(ctx, store.ChannelSessionKick, func(p []byte) { got <- p })
	}()

	deadline := time.Now().Add(time.Second)
	for b.Subscribers(store.ChannelSessionKick) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(time.Millisecond)
	}

	if err := b.Publish(ctx, store.ChannelSessionKick, store.KickEvent{UserID: "u1", SocketID: "s1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	var ev store.KickEvent
	if err := json.Unmarshal(<-got, &ev); err != nil || ev.SocketID != "s1" {
		t.Fatalf("delivered = %+v, %v", ev, err)
	}
	if n := len(b.Published(store.ChannelSessionKick)); n != 1 {
		t.Errorf("Published = %d, want 1", n)
	}

	cancel()
	<-done
	if n := b.Subscribers(store.ChannelSessionKick); n != 0 {
		t.Errorf("Subscribers after cancel = %d", n)
	}
}

func TestLedger_Clamps(t *testing.T) {
	t.Parallel()
	l := NewLedger(map[string]int64{"u1": 50})
	ctx := context.Background()

	tests := []struct {
		amount, want int64
	}{
		{20, 30},
		{-5, 30},
		{100, 0},
	}
	for _, tc := range tests {
		got, err := l.Deduct(ctx, "u1", tc.amount)
		if err != nil || got != tc.want {
			t.Errorf("Deduct(%d) = %d, %v; want %d", tc.amount, got, err, tc.want)
		}
	}
	if l.DeductCount() != 3 {
		t.Errorf("DeductCount = %d", l.DeductCount())
	}
}

func TestCounters_WindowExpiry(t *testing.T) {
	t.Parallel()
	c := NewCounters()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if v, _ := c.IncrementWithExpiry(ctx, "k", 10, time.Minute); v != 10 {
		t.Fatalf("first = %d", v)
	}
	now = now.Add(50 * time.Second)
	if v, _ := c.IncrementWithExpiry(ctx, "k", 5, time.Minute); v != 15 {
		t.Fatalf("second = %d, want 15", v)
	}
	// The window is fixed from the first increment.
	now = now.Add(11 * time.Second)
	if v, _ := c.IncrementWithExpiry(ctx, "k", 5, time.Minute); v != 5 {
		t.Fatalf("after expiry = %d, want 5", v)
	}
}

func TestResults(t *testing.T) {
	t.Parallel()
	r := NewResults()
	ctx := context.Background()

	if _, err := r.Fetch(ctx, "k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Fetch missing: err = %v", err)
	}
	if err := r.PutJSON("k", store.CorrectionResult{HasMistake: true}); err != nil {
		t.Fatal(err)
	}
	raw, err := r.Fetch(ctx, "k")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	var res store.CorrectionResult
	if err := json.Unmarshal(raw, &res); err != nil || !res.HasMistake {
		t.Errorf("result = %+v, %v", res, err)
	}
	if r.FetchCount("k") != 2 {
		t.Errorf("FetchCount = %d, want 2", r.FetchCount("k"))
	}
}
