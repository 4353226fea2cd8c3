// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to drive the event stream and inspect which methods were invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
//	sess.Hangup(nil) // peer closed
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/zenc-ai/voicegate/pkg/provider/s2s"
)

// ErrSessionClosed is returned by Session methods after Close or Hangup.
var ErrSessionClosed = errors.New("mock: session closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are handed out by successive successful Connect calls, in order.
	// Once exhausted, Connect creates a fresh Session per call.
	Sessions []*Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectFunc, if set, overrides all other behaviour. n is the zero-based
	// index of the call.
	ConnectFunc func(n int, cfg s2s.SessionConfig) (s2s.SessionHandle, error)

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Connected records every Session returned by Connect in order.
	Connected []*Session

	// OnConnect, if non-nil, receives each Session right after Connect returns
	// it. Sends are non-blocking.
	OnConnect chan *Session
}

// Connect records the call and returns the next scripted session or error.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.ConnectCalls)
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectFunc != nil {
		return p.ConnectFunc(n, cfg)
	}
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	var sess *Session
	if len(p.Sessions) > 0 {
		sess = p.Sessions[0]
		p.Sessions = p.Sessions[1:]
	} else {
		sess = NewSession()
	}
	p.Connected = append(p.Connected, sess)
	if p.OnConnect != nil {
		select {
		case p.OnConnect <- sess:
		default:
		}
	}
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns the number of Connect calls so far. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	closed bool
	errVal error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// AudioCalls records a copy of every chunk passed to SendAudio.
	AudioCalls [][]byte

	// TextCalls records every string passed to SendText.
	TextCalls []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 64)}
}

// Emit delivers evt on the Events channel. It is a no-op once the session has
// ended.
func (s *Session) Emit(evt s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- evt
}

// Hangup simulates the peer closing the connection with the given error
// (nil for a clean close).
func (s *Session) Hangup(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.errVal = err
	close(s.events)
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioCalls = append(s.AudioCalls, cp)
	return s.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.TextCalls = append(s.TextCalls, text)
	return s.SendTextErr
}

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the error passed to Hangup.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close records the call and closes the event channel once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Audio returns a copy of every chunk received so far. Thread-safe.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.AudioCalls))
	copy(out, s.AudioCalls)
	return out
}

// Texts returns a copy of every text received so far. Thread-safe.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.TextCalls))
	copy(out, s.TextCalls)
	return out
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
