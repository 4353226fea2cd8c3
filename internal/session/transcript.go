package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zenc-ai/voicegate/internal/store"
)

// Transcript is the append-only, speaker-tagged record of one session.
//
// Streaming partials from the same speaker are merged into one entry until
// [Transcript.Seal] is called at the end of a turn. AI partials are deltas and
// are concatenated verbatim; user fragments are joined with a space.
type Transcript struct {
	entries []store.TranscriptEntry
	open    bool
	now     func() time.Time
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{now: time.Now}
}

// Append adds text for speaker. Empty text is ignored.
func (t *Transcript) Append(speaker store.Speaker, text string) {
	if text == "" {
		return
	}
	if n := len(t.entries); t.open && n > 0 && t.entries[n-1].Speaker == speaker {
		last := &t.entries[n-1]
		if speaker == store.SpeakerUser {
			last.Text = strings.TrimSpace(last.Text + " " + text)
		} else {
			last.Text += text
		}
		return
	}
	t.entries = append(t.entries, store.TranscriptEntry{
		Speaker: speaker,
		Text:    strings.TrimLeft(text, " "),
		At:      t.now(),
	})
	t.open = true
}

// Seal ends the current utterance so the next Append starts a new entry.
// It returns the sealed entry, if any.
func (t *Transcript) Seal() (store.TranscriptEntry, bool) {
	if !t.open || len(t.entries) == 0 {
		return store.TranscriptEntry{}, false
	}
	t.open = false
	last := t.entries[len(t.entries)-1]
	last.Text = strings.TrimSpace(last.Text)
	t.entries[len(t.entries)-1] = last
	return last, true
}

// Entries returns a copy of every entry.
func (t *Transcript) Entries() []store.TranscriptEntry {
	out := make([]store.TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Transcript) Len() int { return len(t.entries) }

// Text renders the transcript as "User: ..." / "AI: ..." lines.
func (t *Transcript) Text() string { return store.FormatTranscript(t.entries) }

// LastUserUtterance returns the most recent user entry's text, or "".
func (t *Transcript) LastUserUtterance() string {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Speaker == store.SpeakerUser {
			return strings.TrimSpace(t.entries[i].Text)
		}
	}
	return ""
}

// NonTrivial reports whether the transcript holds at least one user and one
// AI utterance.
func (t *Transcript) NonTrivial() bool {
	var user, ai bool
	for _, e := range t.entries {
		switch e.Speaker {
		case store.SpeakerUser:
			user = true
		case store.SpeakerAI:
			ai = true
		}
	}
	return user && ai
}

// ─────────────────────────────────────────────────────────────────────────────
// Correction checks
// ─────────────────────────────────────────────────────────────────────────────

const (
	defaultCorrectionAttempts = 5
	defaultCorrectionDelay    = 100 * time.Millisecond
)

// CorrectionOption configures a [CorrectionChecker].
type CorrectionOption func(*CorrectionChecker)

// WithCorrectionPolling overrides the number of polls and the first delay.
// Each subsequent delay doubles.
func WithCorrectionPolling(attempts int, initial time.Duration) CorrectionOption {
	return func(c *CorrectionChecker) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if initial > 0 {
			c.initialDelay = initial
		}
	}
}

// CorrectionChecker runs the best-effort grammar check for one utterance: it
// publishes the text on [store.ChannelGrammarRealtime], then polls the result
// key with exponential backoff. It is safe for concurrent use.
type CorrectionChecker struct {
	bus          store.EventBus
	results      store.ResultStore
	attempts     int
	initialDelay time.Duration
}

// NewCorrectionChecker returns a checker polling 5 times from 100ms.
func NewCorrectionChecker(bus store.EventBus, results store.ResultStore, opts ...CorrectionOption) *CorrectionChecker {
	c := &CorrectionChecker{
		bus:          bus,
		results:      results,
		attempts:     defaultCorrectionAttempts,
		initialDelay: defaultCorrectionDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckCorrection asks for a correction of text and waits for the answer.
// It returns the result and true only when a mistake was found. Every failure
// is logged and reported as false; cancelling ctx stops polling immediately.
func (c *CorrectionChecker) CheckCorrection(ctx context.Context, userID, text string) (store.CorrectionResult, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.CorrectionResult{}, false
	}
	req := store.CorrectionRequest{
		CorrectionID: "correction:" + uuid.NewString(),
		UserID:       userID,
		Text:         text,
	}
	if err := c.bus.Publish(ctx, store.ChannelGrammarRealtime, req); err != nil {
		slog.Warn("session: publish correction request failed", "user_id", userID, "err", err)
		return store.CorrectionResult{}, false
	}

	delay := c.initialDelay
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for attempt := 1; attempt <= c.attempts; attempt++ {
		select {
		case <-ctx.Done():
			return store.CorrectionResult{}, false
		case <-timer.C:
		}

		res, err := c.fetch(ctx, req.CorrectionID)
		switch {
		case err == nil:
			return res, res.HasMistake
		case errors.Is(err, store.ErrNotFound):
		default:
			slog.Debug("session: correction poll failed", "attempt", attempt, "err", err)
		}

		delay *= 2
		timer.Reset(delay)
	}
	slog.Debug("session: no correction result", "correction_id", req.CorrectionID)
	return store.CorrectionResult{}, false
}

func (c *CorrectionChecker) fetch(ctx context.Context, key string) (store.CorrectionResult, error) {
	raw, err := c.results.Fetch(ctx, key)
	if err != nil {
		return store.CorrectionResult{}, err
	}
	var res store.CorrectionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return store.CorrectionResult{}, fmt.Errorf("session: decode correction %s: %w", key, err)
	}
	return res, nil
}
