// Package engine defines the Adapter interface: the uniform, provider-neutral
// contract the session orchestrator uses to talk to an upstream speech
// provider.
//
// An [Adapter] opens one [Stream] per provider session. The stream returns
// immediately, connects in the background, retries a bounded number of times
// when the upstream connection drops, and reports everything that happens
// through a single ordered [Event] channel. When retries are exhausted it emits
// [EventFallbackToText] followed by [EventClose] and stops.
//
// Implementations are provided by sub-packages. The interface is intentionally
// narrow so that the orchestrator remains provider-agnostic.
package engine

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by [Stream.SendAudio] when the stream has no live
// upstream connection. Callers treat it as a dropped chunk, not a failure.
var ErrNotConnected = errors.New("engine: no live upstream connection")

// ErrQueueFull is returned by [Stream.SendAudio] when the bounded send queue
// is full. The chunk is dropped.
var ErrQueueFull = errors.New("engine: send queue full")

// EventKind discriminates the [Event] variants.
type EventKind int

const (
	// EventAudioResponse carries synthesised audio in Event.Audio.
	EventAudioResponse EventKind = iota

	// EventTextResponse carries a partial transcript of the AI's reply in
	// Event.Text.
	EventTextResponse

	// EventUserTranscript carries the provider's recognition of the user's
	// utterance in Event.Text.
	EventUserTranscript

	// EventTurnComplete signals the provider finished the current turn.
	EventTurnComplete

	// EventError carries a non-fatal runtime error in Event.Err.
	EventError

	// EventFallbackToText signals that voice retries are exhausted. It is
	// always followed by EventClose.
	EventFallbackToText

	// EventClose is the final event on a stream. The channel is closed right
	// after it.
	EventClose
)

// String returns the wire-style name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventAudioResponse:
		return "audioResponse"
	case EventTextResponse:
		return "textResponse"
	case EventUserTranscript:
		return "userTranscript"
	case EventTurnComplete:
		return "turnComplete"
	case EventError:
		return "error"
	case EventFallbackToText:
		return "fallbackToText"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one item on a [Stream]'s event channel.
type Event struct {
	Kind  EventKind
	Audio []byte
	Text  string
	Err   error
}

// Status is the health snapshot reported by [Adapter.Status].
type Status struct {
	Healthy   bool
	LatencyMs int64
	LastError string
}

// Stream is one provider session opened by [Adapter.Open].
//
// All methods are safe for concurrent use and never block on network I/O.
type Stream interface {
	// ID returns the session id the stream was opened with.
	ID() string

	// Events returns the ordered event channel. It is closed after
	// EventClose has been delivered.
	Events() <-chan Event

	// SendAudio queues a PCM16 chunk for the live upstream connection. It
	// returns [ErrNotConnected] when no connection is live and [ErrQueueFull]
	// when the bounded queue is full; in both cases the chunk is dropped.
	SendAudio(chunk []byte) error

	// SendText queues a text prompt. Prompts sent before the connection is
	// open are delivered once it opens.
	SendText(text string) error

	// Close releases all upstream resources and cancels pending retries.
	// Safe to call multiple times. After Close the event channel is closed
	// without a trailing EventFallbackToText.
	Close() error
}

// Adapter is the uniform contract over one upstream speech provider.
type Adapter interface {
	// Name returns the provider identifier, e.g. "gemini-live".
	Name() string

	// Open starts a provider session for sessionID with the given system
	// prompt. It returns immediately; the upstream connection is established
	// asynchronously. Cancelling ctx is equivalent to calling Close.
	Open(ctx context.Context, sessionID, systemPrompt string) Stream

	// IsHealthy reports whether the provider is currently usable.
	IsHealthy() bool

	// Status returns the provider's health snapshot.
	Status() Status
}

// LatencyMs converts a duration to whole milliseconds for [Status].
func LatencyMs(d time.Duration) int64 { return d.Milliseconds() }
