// Package store defines the external collaborators the session orchestrator
// consumes: the profile cache and its persistent fallback, the session-record
// store, the active-session registry, the publish-only event bus, the token
// ledger and the rate-limit counter store.
//
// Concrete backends live in sub-packages: redis (cache, registry, bus,
// counters, correction results), postgres (records, ledger, profiles) and
// memory (in-process doubles of everything, used in dev mode and tests).
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested key, record or profile does not
// exist.
var ErrNotFound = errors.New("store: not found")

// Event bus channels.
const (
	// ChannelSessionEnded carries [SessionEndedEvent] payloads for post-session
	// grammar analysis.
	ChannelSessionEnded = "session_ended"

	// ChannelConversationEvaluate carries [ConversationEvaluateEvent] payloads
	// for post-session scoring.
	ChannelConversationEvaluate = "conversation_evaluate"

	// ChannelGrammarRealtime carries [CorrectionRequest] payloads for the
	// real-time grammar coach.
	ChannelGrammarRealtime = "grammar_realtime"

	// ChannelSessionKick carries [KickEvent] payloads to every gateway process.
	ChannelSessionKick = "session_kick"
)

// ─────────────────────────────────────────────────────────────────────────────
// Records
// ─────────────────────────────────────────────────────────────────────────────

// Speaker identifies who produced a transcript utterance.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// TranscriptEntry is one (speaker, text) pair in a session transcript.
type TranscriptEntry struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// FormatTranscript renders entries as "User: ..." / "AI: ..." lines, the shape
// downstream analysis consumes.
func FormatTranscript(entries []TranscriptEntry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		if e.Speaker == SpeakerUser {
			b.WriteString("User: ")
		} else {
			b.WriteString("AI: ")
		}
		b.WriteString(e.Text)
	}
	return b.String()
}

// Profile is the learner profile the prompt builder adapts to.
type Profile struct {
	UserID          string   `json:"userId"`
	DisplayName     string   `json:"displayName"`
	NativeLanguage  string   `json:"nativeLanguage"`
	TargetLanguage  string   `json:"targetLanguage"`
	CEFRLevel       string   `json:"cefrLevel"`
	ConfidenceScore float64  `json:"confidenceScore"`
	Interests       []string `json:"interests,omitempty"`
	TokenBalance    int64    `json:"tokenBalance"`
}

// WithDefaults returns a copy of p with empty fields filled in: Vietnamese
// native language, English target language and CEFR B1. ConfidenceScore is
// left alone: 0 is a real score, and the 0.5 default for new learners is
// applied by the profile store's column default.
func (p Profile) WithDefaults() Profile {
	if p.NativeLanguage == "" {
		p.NativeLanguage = "vi"
	}
	if p.TargetLanguage == "" {
		p.TargetLanguage = "en"
	}
	if p.CEFRLevel == "" {
		p.CEFRLevel = "B1"
	}
	return p
}

// SessionRecord is the persisted shape of one conversation session.
type SessionRecord struct {
	ID                string
	UserID            string
	ProviderSessionID string
	Provider          string
	Mode              string
	ScenarioID        string
	TopicID           string
	StartedAt         time.Time
	EndedAt           time.Time
	TotalTokens       int64
	Transcript        []TranscriptEntry
}

// SessionUpdate carries the fields written at teardown.
type SessionUpdate struct {
	EndedAt     time.Time
	TotalTokens int64
	Provider    string
	Mode        string
	Transcript  []TranscriptEntry
}

// ─────────────────────────────────────────────────────────────────────────────
// Event payloads
// ─────────────────────────────────────────────────────────────────────────────

// SessionEndedEvent is published on [ChannelSessionEnded].
type SessionEndedEvent struct {
	SessionID       string  `json:"sessionId"`
	RecordID        string  `json:"recordId"`
	UserID          string  `json:"userId"`
	Transcript      string  `json:"transcript"`
	Mode            string  `json:"mode"`
	Provider        string  `json:"provider"`
	DurationMinutes float64 `json:"durationMinutes"`
	TokensUsed      int64   `json:"tokensUsed"`
}

// ConversationEvaluateEvent is published on [ChannelConversationEvaluate].
type ConversationEvaluateEvent struct {
	UserID          string  `json:"userId"`
	SessionID       string  `json:"sessionId"`
	Transcript      string  `json:"transcript"`
	Mode            string  `json:"mode"`
	DurationMinutes float64 `json:"durationMinutes"`
}

// CorrectionRequest is published on [ChannelGrammarRealtime]. The grammar
// coach writes a [CorrectionResult] under CorrectionID.
type CorrectionRequest struct {
	CorrectionID string `json:"correctionId"`
	UserID       string `json:"userId"`
	Text         string `json:"text"`
}

// CorrectionResult is the JSON document the grammar coach stores.
type CorrectionResult struct {
	HasMistake    bool    `json:"hasMistake"`
	Original      string  `json:"original,omitempty"`
	Corrected     string  `json:"corrected,omitempty"`
	Rule          string  `json:"rule,omitempty"`
	Explanation   string  `json:"explanation,omitempty"`
	ExplanationVi string  `json:"explanationVi,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	LatencyMs     int64   `json:"latencyMs,omitempty"`
}

// KickEvent is published on [ChannelSessionKick] when a newer login replaces
// SocketID.
type KickEvent struct {
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
	Reason   string `json:"reason"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator interfaces
// ─────────────────────────────────────────────────────────────────────────────

// ProfileCache is the fast profile lookup. Get returns [ErrNotFound] on a miss.
type ProfileCache interface {
	Get(ctx context.Context, userID string) (Profile, error)
	Set(ctx context.Context, p Profile) error
}

// ProfileStore is the persistent profile source consulted on a cache miss.
// LoadProfile returns [ErrNotFound] for unknown users.
type ProfileStore interface {
	LoadProfile(ctx context.Context, userID string) (Profile, error)
}

// SessionStore persists session records.
type SessionStore interface {
	// Create inserts rec and returns the record id.
	Create(ctx context.Context, rec SessionRecord) (string, error)

	// Update writes the teardown fields of record id.
	Update(ctx context.Context, id string, upd SessionUpdate) error
}

// ActiveSessionRegistry maps a user to the socket currently holding their
// session. Implementations must be atomic across processes.
type ActiveSessionRegistry interface {
	// Get returns the registered socket id, or "" when none is registered.
	Get(ctx context.Context, userID string) (string, error)

	// Swap registers socketID and returns the previously registered id ("" if
	// none) in one atomic step.
	Swap(ctx context.Context, userID, socketID string) (string, error)

	// Remove deletes the entry only if it still names socketID, so a replaced
	// session cannot unregister its successor.
	Remove(ctx context.Context, userID, socketID string) error
}

// EventBus is the publish-only side of the message bus. Payloads are encoded
// as JSON.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// Subscriber delivers raw payloads published on channel to handle until ctx
// is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handle func(payload []byte)) error
}

// TokenLedger holds user token balances.
type TokenLedger interface {
	// Deduct subtracts amount from the user's balance, clamped at zero, and
	// returns the remaining balance.
	Deduct(ctx context.Context, userID string, amount int64) (int64, error)
}

// CounterStore is a generic atomic counter with expiry, used for sliding
// rate-limit windows.
type CounterStore interface {
	IncrementWithExpiry(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)
}

// ResultStore reads short-lived results written by background workers.
// Fetch returns [ErrNotFound] when the key is absent.
type ResultStore interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}
