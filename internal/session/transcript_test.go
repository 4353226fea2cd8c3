package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zenc-ai/voicegate/internal/store"
	"github.com/zenc-ai/voicegate/internal/store/memory"
)

func TestTranscript_MergesPartialsUntilSeal(t *testing.T) {
	t.Parallel()

	tr := NewTranscript()
	tr.Append(store.SpeakerUser, "I goes")
	tr.Append(store.SpeakerUser, "to school")
	tr.Append(store.SpeakerAI, "You ")
	tr.Append(store.SpeakerAI, "mean ")
	tr.Append(store.SpeakerAI, "I go?")
	sealed, ok := tr.Seal()
	if !ok || sealed.Text != "You mean I go?" {
		t.Fatalf("Seal() = %+v, %v", sealed, ok)
	}
	tr.Append(store.SpeakerAI, "Next turn.")
	tr.Append(store.SpeakerAI, "")

	entries := tr.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	want := []struct {
		speaker store.Speaker
		text    string
	}{
		{store.SpeakerUser, "I goes to school"},
		{store.SpeakerAI, "You mean I go?"},
		{store.SpeakerAI, "Next turn."},
	}
	for i, w := range want {
		if entries[i].Speaker != w.speaker || entries[i].Text != w.text {
			t.Errorf("entry %d = %+v, want %s %q", i, entries[i], w.speaker, w.text)
		}
	}
	if got := tr.LastUserUtterance(); got != "I goes to school" {
		t.Errorf("LastUserUtterance() = %q", got)
	}
	if got := tr.Text(); got != "User: I goes to school\nAI: You mean I go?\nAI: Next turn." {
		t.Errorf("Text() = %q", got)
	}
}

func TestTranscript_SealEmpty(t *testing.T) {
	t.Parallel()

	tr := NewTranscript()
	if _, ok := tr.Seal(); ok {
		t.Error("Seal on empty transcript should report false")
	}
	if tr.LastUserUtterance() != "" {
		t.Error("LastUserUtterance on empty transcript should be empty")
	}
}

func TestTranscript_NonTrivial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		entries []store.Speaker
		want    bool
	}{
		{"empty", nil, false},
		{"ai only", []store.Speaker{store.SpeakerAI, store.SpeakerAI}, false},
		{"user only", []store.Speaker{store.SpeakerUser}, false},
		{"exchange", []store.Speaker{store.SpeakerAI, store.SpeakerUser}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := NewTranscript()
			for _, sp := range tt.entries {
				tr.Append(sp, "x")
				tr.Seal()
			}
			if got := tr.NonTrivial(); got != tt.want {
				t.Errorf("NonTrivial() = %v, want %v", got, tt.want)
			}
		})
	}
}

// coach answers grammar_realtime requests by writing result into results.
func coach(t *testing.T, bus *memory.Bus, results *memory.Results, result store.CorrectionResult) {
	t.Helper()
	bus.OnPublish = func(channel string, payload []byte) {
		if channel != store.ChannelGrammarRealtime {
			return
		}
		var req store.CorrectionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if err := results.PutJSON(req.CorrectionID, result); err != nil {
			t.Errorf("PutJSON: %v", err)
		}
	}
}

func TestCorrectionChecker_ReturnsMistake(t *testing.T) {
	t.Parallel()

	bus := memory.NewBus()
	results := memory.NewResults()
	coach(t, bus, results, store.CorrectionResult{
		HasMistake: true,
		Original:   "I goes",
		Corrected:  "I go",
		Rule:       "subject-verb agreement",
	})
	c := NewCorrectionChecker(bus, results, WithCorrectionPolling(5, time.Millisecond))

	res, ok := c.CheckCorrection(context.Background(), "u1", "I goes to school")
	if !ok {
		t.Fatal("expected a correction")
	}
	if res.Corrected != "I go" || res.Rule != "subject-verb agreement" {
		t.Errorf("result = %+v", res)
	}

	msgs := bus.Published(store.ChannelGrammarRealtime)
	if len(msgs) != 1 {
		t.Fatalf("published %d requests, want 1", len(msgs))
	}
	var req store.CorrectionRequest
	if err := json.Unmarshal(msgs[0], &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.UserID != "u1" || req.Text != "I goes to school" || req.CorrectionID == "" {
		t.Errorf("request = %+v", req)
	}
}

func TestCorrectionChecker_NoMistake(t *testing.T) {
	t.Parallel()

	bus := memory.NewBus()
	results := memory.NewResults()
	coach(t, bus, results, store.CorrectionResult{HasMistake: false})
	c := NewCorrectionChecker(bus, results, WithCorrectionPolling(5, time.Millisecond))

	if _, ok := c.CheckCorrection(context.Background(), "u1", "I go to school"); ok {
		t.Error("expected no correction for a clean sentence")
	}
}

func TestCorrectionChecker_GivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	bus := memory.NewBus()
	results := memory.NewResults()
	var key string
	bus.OnPublish = func(_ string, payload []byte) {
		var req store.CorrectionRequest
		_ = json.Unmarshal(payload, &req)
		key = req.CorrectionID
	}
	c := NewCorrectionChecker(bus, results, WithCorrectionPolling(5, time.Millisecond))

	if _, ok := c.CheckCorrection(context.Background(), "u1", "hello"); ok {
		t.Fatal("expected no correction")
	}
	if got := results.FetchCount(key); got != 5 {
		t.Errorf("polls = %d, want 5", got)
	}
}

func TestCorrectionChecker_Cancelled(t *testing.T) {
	t.Parallel()

	bus := memory.NewBus()
	results := memory.NewResults()
	c := NewCorrectionChecker(bus, results, WithCorrectionPolling(5, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := c.CheckCorrection(ctx, "u1", "hello")
		done <- ok
	}()
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("cancelled check should report false")
		}
	case <-time.After(time.Second):
		t.Fatal("CheckCorrection did not stop on cancel")
	}
}

func TestCorrectionChecker_PublishFailure(t *testing.T) {
	t.Parallel()

	bus := memory.NewBus()
	bus.PublishErr = errors.New("redis down")
	c := NewCorrectionChecker(bus, memory.NewResults(), WithCorrectionPolling(1, time.Millisecond))
	if _, ok := c.CheckCorrection(context.Background(), "u1", "hello"); ok {
		t.Error("expected false when publish fails")
	}
	if _, ok := c.CheckCorrection(context.Background(), "u1", "   "); ok {
		t.Error("expected false for blank text")
	}
}
