// Package s2s provides an [engine.Adapter] implementation that wraps an
// [s2s.Provider], bridging the provider's single-connection SessionHandle with
// the reconnecting, event-stream based [engine.Stream] contract.
//
// Each [engine.Stream] returned by [Adapter.Open] owns one background goroutine
// that runs the connection state machine:
//
//	CONNECTING → OPEN → (closed by peer) → RETRYING → CONNECTING
//
// A failed connect or a peer close consumes one retry. Retries are delayed
// linearly (attempt × base interval). When the budget is spent the stream
// emits [engine.EventFallbackToText] followed by [engine.EventClose] and
// stops. The budget covers the whole stream and is never restored, so a
// provider that drops after every turn still ends in fallback.
//
// This package is internal because it encapsulates application-private voice
// pipeline logic and is not intended for import by external code.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zenc-ai/voicegate/internal/engine"
	"github.com/zenc-ai/voicegate/internal/observe"
	"github.com/zenc-ai/voicegate/internal/resilience"
	providers2s "github.com/zenc-ai/voicegate/pkg/provider/s2s"
)

// Compile-time assertion that Adapter satisfies the engine.Adapter interface.
var _ engine.Adapter = (*Adapter)(nil)

// ErrPeerClosed is recorded against the provider when the upstream connection
// ends without an explicit error.
var ErrPeerClosed = errors.New("s2s: upstream closed the connection")

const (
	defaultMaxRetries  = 2
	defaultRetryBase   = time.Second
	defaultSendQueue   = 32
	defaultEventBuffer = 64
)

// Option is a functional option for configuring an [Adapter].
type Option func(*Adapter)

// WithVoice sets the voice requested from the provider on every connect.
func WithVoice(voice string) Option {
	return func(a *Adapter) {
		a.voice = voice
	}
}

// WithMaxRetries overrides the number of automatic reconnections per stream.
// The default is 2.
func WithMaxRetries(n int) Option {
	return func(a *Adapter) {
		if n >= 0 {
			a.maxRetries = n
		}
	}
}

// WithRetryBase overrides the base retry interval. Attempt k waits k × base.
// Useful in tests to keep suite execution fast. The default is 1s.
func WithRetryBase(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.retryBase = d
		}
	}
}

// WithSendQueue sets the capacity of the per-stream outbound audio queue.
// Chunks that do not fit are dropped. The default is 32.
func WithSendQueue(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.sendQueue = n
		}
	}
}

// WithEventBuffer sets the buffer depth of the per-stream event channel.
// The default is 64.
func WithEventBuffer(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.eventBuffer = n
		}
	}
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// Adapter is an [engine.Adapter] over one [providers2s.Provider]. Health is
// delegated to a shared [resilience.HealthTracker] under the adapter's name.
//
// Adapter is safe for concurrent use; every Open call returns an independent
// stream.
type Adapter struct {
	name        string
	provider    providers2s.Provider
	tracker     *resilience.HealthTracker
	metrics     *observe.Metrics
	voice       string
	maxRetries  int
	retryBase   time.Duration
	sendQueue   int
	eventBuffer int
}

// New creates an Adapter named name wrapping provider. The adapter records
// connect outcomes in tracker, which must already have name registered.
func New(name string, provider providers2s.Provider, tracker *resilience.HealthTracker, opts ...Option) *Adapter {
	a := &Adapter{
		name:        name,
		provider:    provider,
		tracker:     tracker,
		maxRetries:  defaultMaxRetries,
		retryBase:   defaultRetryBase,
		sendQueue:   defaultSendQueue,
		eventBuffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Name implements [engine.Adapter].
func (a *Adapter) Name() string { return a.name }

// IsHealthy implements [engine.Adapter].
func (a *Adapter) IsHealthy() bool { return a.tracker.IsHealthy(a.name) }

// Status implements [engine.Adapter].
func (a *Adapter) Status() engine.Status {
	st := a.tracker.Status(a.name)
	return engine.Status{
		Healthy:   st.Healthy,
		LatencyMs: engine.LatencyMs(st.LastConnectLatency),
		LastError: st.LastError,
	}
}

// Open implements [engine.Adapter]. It returns immediately; the first connect
// runs on the stream's goroutine.
func (a *Adapter) Open(ctx context.Context, sessionID, systemPrompt string) engine.Stream {
	sctx, cancel := context.WithCancel(ctx)
	s := &stream{
		adapter: a,
		id:      sessionID,
		prompt:  systemPrompt,
		ctx:     sctx,
		cancel:  cancel,
		events:  make(chan engine.Event, a.eventBuffer),
		audio:   make(chan []byte, a.sendQueue),
		textSig: make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     slog.With("provider", a.name, "session_id", sessionID),
	}
	go s.run()
	return s
}

// stream is one reconnecting provider session.
type stream struct {
	adapter *Adapter
	id      string
	prompt  string
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events  chan engine.Event
	audio   chan []byte
	textSig chan struct{}
	done    chan struct{}

	mu          sync.Mutex
	live        providers2s.SessionHandle
	pendingText []string

	closeOnce sync.Once
}

// ID implements [engine.Stream].
func (s *stream) ID() string { return s.id }

// Events implements [engine.Stream].
func (s *stream) Events() <-chan engine.Event { return s.events }

// SendAudio implements [engine.Stream].
func (s *stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	live := s.live != nil
	s.mu.Unlock()

	if !live || s.ctx.Err() != nil {
		s.log.Warn("s2s: audio dropped", "reason", "not_connected", "bytes", len(chunk))
		s.adapter.metrics.RecordAudioDropped(s.ctx, s.adapter.name, "not_connected")
		return engine.ErrNotConnected
	}
	select {
	case s.audio <- chunk:
		return nil
	default:
		s.log.Warn("s2s: audio dropped", "reason", "queue_full", "bytes", len(chunk))
		s.adapter.metrics.RecordAudioDropped(s.ctx, s.adapter.name, "queue_full")
		return engine.ErrQueueFull
	}
}

// SendText implements [engine.Stream].
func (s *stream) SendText(text string) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("s2s: send text: %w", engine.ErrNotConnected)
	}
	s.mu.Lock()
	s.pendingText = append(s.pendingText, text)
	s.mu.Unlock()
	select {
	case s.textSig <- struct{}{}:
	default:
	}
	return nil
}

// Close implements [engine.Stream]. It cancels any pending retry, closes the
// live connection and waits for the stream goroutine to exit.
func (s *stream) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

// run drives the connection state machine until the budget is exhausted or
// the stream is closed.
func (s *stream) run() {
	defer close(s.done)
	defer close(s.events)

	retries := 0
	for {
		s.generation()
		if s.ctx.Err() != nil {
			return
		}
		if retries >= s.adapter.maxRetries {
			s.log.Warn("s2s: retries exhausted, falling back to text", "retries", retries)
			s.emit(engine.Event{Kind: engine.EventFallbackToText})
			s.emit(engine.Event{Kind: engine.EventClose})
			return
		}
		retries++
		delay := time.Duration(retries) * s.adapter.retryBase
		s.log.Info("s2s: retrying", "attempt", retries, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// generation performs one CONNECTING → OPEN → closed cycle.
func (s *stream) generation() {
	a := s.adapter
	ctx, span := observe.StartSpan(s.ctx, "engine.connect")
	start := time.Now()
	handle, err := a.provider.Connect(ctx, providers2s.SessionConfig{
		Instructions: s.prompt,
		Voice:        a.voice,
	})
	latency := time.Since(start)
	span.End()

	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		a.tracker.RecordFailure(a.name, err)
		a.metrics.RecordProviderConnect(s.ctx, a.name, latency.Seconds(), "error")
		a.metrics.RecordProviderError(s.ctx, a.name, "connect")
		s.log.Warn("s2s: connect failed", "err", err)
		return
	}

	a.tracker.RecordSuccess(a.name, latency)
	a.metrics.RecordProviderConnect(s.ctx, a.name, latency.Seconds(), "ok")
	s.log.Debug("s2s: connected", "latency", latency)

	s.mu.Lock()
	s.live = handle
	s.mu.Unlock()

	genCtx, genCancel := context.WithCancel(s.ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		s.writeLoop(genCtx, handle)
	})

	s.readLoop(handle)

	s.mu.Lock()
	s.live = nil
	s.mu.Unlock()
	genCancel()
	wg.Wait()
	_ = handle.Close()
	s.drainAudio()

	if s.ctx.Err() == nil {
		cause := handle.Err()
		if cause == nil {
			cause = ErrPeerClosed
		}
		a.tracker.RecordFailure(a.name, cause)
		s.log.Warn("s2s: upstream connection lost", "err", cause)
	}
}

// readLoop translates provider events until the connection ends or the stream
// is closed.
func (s *stream) readLoop(handle providers2s.SessionHandle) {
	src := handle.Events()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-src:
			if !ok {
				return
			}
			out, forward := s.translate(evt)
			if forward && !s.emit(out) {
				return
			}
		}
	}
}

// translate maps a provider-native event to the uniform engine event set.
func (s *stream) translate(evt providers2s.Event) (engine.Event, bool) {
	switch evt.Kind {
	case providers2s.EventAudio:
		if len(evt.Audio) == 0 {
			return engine.Event{}, false
		}
		return engine.Event{Kind: engine.EventAudioResponse, Audio: evt.Audio}, true
	case providers2s.EventText:
		if evt.Text == "" {
			return engine.Event{}, false
		}
		return engine.Event{Kind: engine.EventTextResponse, Text: evt.Text}, true
	case providers2s.EventUserTranscript:
		if evt.Text == "" {
			return engine.Event{}, false
		}
		return engine.Event{Kind: engine.EventUserTranscript, Text: evt.Text}, true
	case providers2s.EventTurnComplete:
		return engine.Event{Kind: engine.EventTurnComplete}, true
	case providers2s.EventError:
		err := evt.Err
		if err == nil {
			err = errors.New("s2s: unspecified provider error")
		}
		s.adapter.tracker.RecordFailure(s.adapter.name, err)
		s.adapter.metrics.RecordProviderError(s.ctx, s.adapter.name, "runtime")
		return engine.Event{Kind: engine.EventError, Err: err}, true
	default:
		s.log.Debug("s2s: ignoring provider event", "kind", evt.Kind.String())
		return engine.Event{}, false
	}
}

// writeLoop is the only goroutine that sends on handle. Text prompts queued
// before the connection opened are delivered first, in order.
func (s *stream) writeLoop(ctx context.Context, handle providers2s.SessionHandle) {
	s.flushText(handle)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.textSig:
			s.flushText(handle)
		case chunk := <-s.audio:
			if err := handle.SendAudio(chunk); err != nil {
				s.log.Debug("s2s: send audio failed", "err", err)
				s.adapter.metrics.RecordAudioDropped(ctx, s.adapter.name, "send_failed")
			}
		}
	}
}

func (s *stream) flushText(handle providers2s.SessionHandle) {
	s.mu.Lock()
	pending := s.pendingText
	s.pendingText = nil
	s.mu.Unlock()

	for i, text := range pending {
		if err := handle.SendText(text); err != nil {
			s.log.Warn("s2s: send text failed, requeueing", "err", err)
			s.mu.Lock()
			s.pendingText = append(append([]string(nil), pending[i:]...), s.pendingText...)
			s.mu.Unlock()
			return
		}
	}
}

// drainAudio discards audio queued for a connection that no longer exists.
func (s *stream) drainAudio() {
	for {
		select {
		case <-s.audio:
			s.adapter.metrics.RecordAudioDropped(s.ctx, s.adapter.name, "connection_lost")
		default:
			return
		}
	}
}

// emit delivers evt unless the stream has been closed.
func (s *stream) emit(evt engine.Event) bool {
	select {
	case s.events <- evt:
		return true
	case <-s.ctx.Done():
		return false
	}
}
