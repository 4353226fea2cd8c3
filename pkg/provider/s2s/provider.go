// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time conversational voice service that accepts
// raw audio input and returns synthesised audio output in a single, stateful
// session. Examples include the OpenAI Realtime API and Gemini Live.
//
// The central abstraction is SessionHandle: a bidirectional session whose
// output is a single ordered channel of [Event] values. Each implementation
// translates its provider's native message shapes into that event set, so
// callers never see wire-level differences between providers.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
)

// EventKind discriminates the payload carried by an [Event].
type EventKind int

const (
	// EventAudio carries a chunk of synthesised PCM16 audio in Event.Audio.
	EventAudio EventKind = iota

	// EventText carries a partial transcript of the model's spoken response in
	// Event.Text. Partials arrive in order and concatenate to the full utterance.
	EventText

	// EventUserTranscript carries the model's recognition of a complete user
	// utterance in Event.Text.
	EventUserTranscript

	// EventTurnComplete signals that the model finished producing output for
	// the current conversational turn.
	EventTurnComplete

	// EventError carries a non-fatal, mid-stream provider error in Event.Err.
	// The session stays open after an EventError.
	EventError
)

// String returns a short lower-case name for the kind, used in logs.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventText:
		return "text"
	case EventUserTranscript:
		return "user_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single output item from an S2S session.
type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
	Err   error
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Instructions is the system-level prompt that steers the model for the
	// lifetime of the session.
	Instructions string

	// Voice is the provider-specific voice identifier. Empty selects the
	// provider default.
	Voice string
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the PCM16 sample rate the provider expects from the
	// client, in Hz.
	InputSampleRate int

	// OutputSampleRate is the PCM16 sample rate of audio emitted in EventAudio.
	OutputSampleRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the voice identifiers available for this provider.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Every method must return quickly. Callers must call Close when the session is
// no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw PCM16 audio chunk to the provider.
	// Returns an error if the session is closed or the write fails.
	SendAudio(chunk []byte) error

	// SendText injects a user-role text message and asks the model to respond
	// to it. Used for greetings, context updates, and text-only exchanges.
	SendText(text string) error

	// Events returns the ordered output channel. The channel is closed when the
	// upstream connection ends for any reason; call [SessionHandle.Err] afterwards
	// to learn whether it ended cleanly.
	Events() <-chan Event

	// Err returns the error that closed the Events channel, or nil if the
	// session was closed locally or by a clean peer close.
	Err() error

	// Close terminates the session and closes the Events channel.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new S2S session. The returned SessionHandle is
	// ready to accept audio immediately. The caller owns the handle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's model.
	Capabilities() Capabilities
}
