// Package session holds the per-connection conversation state and the small
// components the orchestrator composes around it: the [JitterBuffer] that
// coalesces client audio, the [Transcript] accumulator with its
// [CorrectionChecker], and the [TokenMeter] usage governor.
//
// A [Session] is owned by exactly one orchestrator goroutine and is never
// shared; none of the types here lock unless their doc says otherwise.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zenc-ai/voicegate/internal/store"
)

// ErrInvalidMode is returned by [ParseMode] for values outside the closed
// mode enumeration.
var ErrInvalidMode = errors.New("session: invalid mode")

// Mode is a conversation mode. The string value is the wire form.
type Mode string

const (
	ModeFreeTalk        Mode = "FREE_TALK"
	ModeRolePlay        Mode = "ROLE_PLAY"
	ModeShadowing       Mode = "SHADOWING"
	ModeDebate          Mode = "DEBATE"
	ModeInterview       Mode = "INTERVIEW"
	ModeTopicDiscussion Mode = "TOPIC_DISCUSSION"
)

// Modes lists every mode in display order.
var Modes = []Mode{
	ModeFreeTalk,
	ModeRolePlay,
	ModeShadowing,
	ModeDebate,
	ModeInterview,
	ModeTopicDiscussion,
}

// ParseMode accepts the wire form case-insensitively, with '-' or ' ' in
// place of '_'.
func ParseMode(s string) (Mode, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	m := Mode(norm)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return m, nil
}

// Valid reports whether m is one of [Modes].
func (m Mode) Valid() bool {
	for _, v := range Modes {
		if m == v {
			return true
		}
	}
	return false
}

// Label returns a human-readable name such as "Role Play".
func (m Mode) Label() string {
	parts := strings.Split(strings.ToLower(string(m)), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}

// Scenario is the optional role-play or topic context selected by the client.
type Scenario struct {
	ID         string
	Category   string
	Difficulty string
	TopicID    string
}

// IsZero reports whether no scenario or topic is selected.
func (s Scenario) IsZero() bool { return s == Scenario{} }

// Session is the state of one admitted client connection.
type Session struct {
	// SessionID identifies the current provider-session generation. It
	// changes on failover.
	SessionID string

	// RecordID is the persisted session-record id.
	RecordID string

	UserID   string
	SocketID string

	// Provider is the name of the adapter currently serving the session.
	Provider string

	Mode     Mode
	Scenario Scenario
	Profile  store.Profile

	CorrectionEnabled bool

	// Degraded is set while the session has no provider stream after a
	// failed failover. Audio is dropped until a healthy provider is
	// reattached.
	Degraded bool

	StartedAt time.Time

	Jitter     *JitterBuffer
	Transcript *Transcript
}

// New creates a Session for an admitted connection.
func New(userID, socketID string, profile store.Profile, mode Mode, jitterCapacity int) *Session {
	return &Session{
		UserID:     userID,
		SocketID:   socketID,
		Profile:    profile,
		Mode:       mode,
		StartedAt:  time.Now(),
		Jitter:     NewJitterBuffer(jitterCapacity),
		Transcript: NewTranscript(),
	}
}

// Duration returns the time elapsed since the session started.
func (s *Session) Duration() time.Duration { return time.Since(s.StartedAt) }

// Clear drops the buffered audio and transcript so nothing outlives teardown.
func (s *Session) Clear() {
	if s.Jitter != nil {
		s.Jitter.Reset()
	}
	s.Transcript = NewTranscript()
	s.Profile = store.Profile{}
}
