// Package mock provides an in-memory mock implementation of [engine.Adapter]
// for use in unit tests.
//
// The mock records every Open call and hands out scripted [Stream] values whose
// events are driven by the test. It is safe for concurrent use.
//
// Example:
//
//	a := mock.NewAdapter("gemini-live")
//	st := a.Open(ctx, "sess-1", "prompt").(*mock.Stream)
//	st.Emit(engine.Event{Kind: engine.EventTextResponse, Text: "Hello!"})
//	st.FallBack() // fallbackToText + close
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/zenc-ai/voicegate/internal/engine"
)

// Compile-time interface assertions.
var (
	_ engine.Adapter = (*Adapter)(nil)
	_ engine.Stream  = (*Stream)(nil)
)

// ErrStreamClosed is returned by Stream send methods after Close.
var ErrStreamClosed = errors.New("mock: stream closed")

// OpenCall records the arguments of a single [Adapter.Open] call.
type OpenCall struct {
	// SessionID is the provider session id passed to Open.
	SessionID string
	// Prompt is the system prompt passed to Open.
	Prompt string
}

// Adapter is a mock implementation of [engine.Adapter].
type Adapter struct {
	mu sync.Mutex

	name string

	// Unhealthy flips IsHealthy and Status().Healthy to false.
	Unhealthy bool

	// OpenCalls accumulates every Open invocation in order.
	OpenCalls []OpenCall

	// Streams holds every stream handed out by Open, in order.
	Streams []*Stream

	// OnOpen, if non-nil, receives each new Stream. Sends are non-blocking.
	OnOpen chan *Stream
}

// NewAdapter returns a healthy Adapter with the given name.
func NewAdapter(name string) *Adapter {
	return &Adapter{name: name, OnOpen: make(chan *Stream, 16)}
}

// Name implements [engine.Adapter].
func (a *Adapter) Name() string { return a.name }

// Open implements [engine.Adapter]. It never fails.
func (a *Adapter) Open(_ context.Context, sessionID, systemPrompt string) engine.Stream {
	s := NewStream(sessionID)
	a.mu.Lock()
	a.OpenCalls = append(a.OpenCalls, OpenCall{SessionID: sessionID, Prompt: systemPrompt})
	a.Streams = append(a.Streams, s)
	ch := a.OnOpen
	a.mu.Unlock()
	if ch != nil {
		select {
		case ch <- s:
		default:
		}
	}
	return s
}

// IsHealthy implements [engine.Adapter].
func (a *Adapter) IsHealthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.Unhealthy
}

// Status implements [engine.Adapter].
func (a *Adapter) Status() engine.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return engine.Status{Healthy: !a.Unhealthy}
}

// OpenCount returns the number of Open calls so far. Thread-safe.
func (a *Adapter) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.OpenCalls)
}

// Calls returns a copy of OpenCalls. Thread-safe.
func (a *Adapter) Calls() []OpenCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]OpenCall, len(a.OpenCalls))
	copy(out, a.OpenCalls)
	return out
}

// Stream is a mock implementation of [engine.Stream].
type Stream struct {
	id     string
	events chan engine.Event

	mu         sync.Mutex
	closed     bool
	audio      [][]byte
	texts      []string
	closeCalls int

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error
}

// NewStream returns a Stream with a buffered event channel.
func NewStream(id string) *Stream {
	return &Stream{id: id, events: make(chan engine.Event, 64)}
}

// ID implements [engine.Stream].
func (s *Stream) ID() string { return s.id }

// Events implements [engine.Stream].
func (s *Stream) Events() <-chan engine.Event { return s.events }

// Emit delivers evt on the event channel. No-op after the stream ended.
func (s *Stream) Emit(evt engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- evt
}

// FallBack emits fallbackToText followed by close and ends the stream, the
// way a real adapter does when its retries are exhausted.
func (s *Stream) FallBack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- engine.Event{Kind: engine.EventFallbackToText}
	s.events <- engine.Event{Kind: engine.EventClose}
	s.closed = true
	close(s.events)
}

// SendAudio records a copy of chunk.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrNotConnected
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audio = append(s.audio, cp)
	return nil
}

// SendText records text.
func (s *Stream) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.texts = append(s.texts, text)
	return nil
}

// Close records the call and closes the event channel once.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Audio returns a copy of every chunk received so far. Thread-safe.
func (s *Stream) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Texts returns a copy of every text received so far. Thread-safe.
func (s *Stream) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
