// Package orchestrator runs the per-connection voice session state machine.
//
// A [Manager] holds the process-wide dependencies: the provider adapters, the
// shared health tracker behind a [resilience.Selector], and the external
// collaborators from [store]. [Manager.Run] drives one client connection
// through its whole life:
//
//	ADMITTING → ACTIVE → (MODE_SWITCH | FAILOVER) → ACTIVE → ENDING → CLOSED
//
// Each connection is served by exactly one goroutine, the one calling Run.
// It selects over the client's inbound messages, the active provider
// stream's events, rate-limit notices and correction results, and is the only
// code that mutates the connection's [session.Session]. Nothing here locks
// per-connection state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zenc-ai/voicegate/internal/auth"
	"github.com/zenc-ai/voicegate/internal/engine"
	"github.com/zenc-ai/voicegate/internal/observe"
	"github.com/zenc-ai/voicegate/internal/resilience"
	"github.com/zenc-ai/voicegate/internal/session"
	"github.com/zenc-ai/voicegate/internal/store"
)

const (
	defaultTeardownTimeout     = 10 * time.Second
	defaultMaxProviderSwitches = 2
)

// Client is the connection-facing side of a session, implemented by the
// gateway.
type Client interface {
	// Inbound delivers client messages in arrival order. It is closed when
	// the connection drops.
	Inbound() <-chan ClientMessage

	// Send queues msg for the client. It must not block on network I/O; an
	// error means the message was dropped.
	Send(msg ServerMessage) error
}

// Settings are the per-session tunables. They may change at runtime through
// [Manager.SetSettings]; a session keeps the values it was admitted with.
type Settings struct {
	// JitterCapacity is the number of client chunks coalesced per upstream
	// send. Default: 3.
	JitterCapacity int

	// Greeting asks the tutor to open the conversation after admission.
	Greeting bool

	// CorrectionDefault is the initial correction toggle.
	CorrectionDefault bool

	// RateLimitTokensPerMinute is the soft per-user threshold. Zero
	// disables rate-limit notices.
	RateLimitTokensPerMinute int64

	// BytesPerToken is the audio-to-token heuristic. Default: 3200.
	BytesPerToken int

	// DefaultMode is the mode used when the client does not ask for one.
	DefaultMode session.Mode

	// TeardownTimeout bounds the whole teardown sequence. Default: 10s.
	TeardownTimeout time.Duration

	// MaxProviderSwitches caps how often one session may move to another
	// provider stream, by failover or by leaving degraded mode. Once spent,
	// the next fallback leaves the session degraded for good. Default: 2.
	MaxProviderSwitches int
}

func (s Settings) withDefaults() Settings {
	if s.JitterCapacity <= 0 {
		s.JitterCapacity = session.DefaultJitterCapacity
	}
	if s.BytesPerToken <= 0 {
		s.BytesPerToken = session.DefaultBytesPerToken
	}
	if !s.DefaultMode.Valid() {
		s.DefaultMode = session.ModeFreeTalk
	}
	if s.TeardownTimeout <= 0 {
		s.TeardownTimeout = defaultTeardownTimeout
	}
	if s.MaxProviderSwitches <= 0 {
		s.MaxProviderSwitches = defaultMaxProviderSwitches
	}
	return s
}

// Config holds every dependency of a [Manager].
type Config struct {
	Auth auth.Authenticator

	// Adapters maps provider names to their adapters. It must contain the
	// selector's primary and, if configured, its alternate.
	Adapters map[string]engine.Adapter
	Selector *resilience.Selector

	Cache    store.ProfileCache
	Profiles store.ProfileStore
	Sessions store.SessionStore
	Registry store.ActiveSessionRegistry
	Bus      store.EventBus
	Ledger   store.TokenLedger
	Counters store.CounterStore

	// Corrections runs grammar checks. Nil disables them even when a client
	// asks for corrections.
	Corrections *session.CorrectionChecker

	Settings Settings

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager admits and runs client sessions. It is safe for concurrent use;
// each call to Run is independent.
type Manager struct {
	cfg      Config
	settings atomic.Pointer[Settings]
	metrics  *observe.Metrics
}

// New validates cfg and returns a Manager.
func New(cfg Config) (*Manager, error) {
	var errs []error
	if cfg.Auth == nil {
		errs = append(errs, errors.New("auth is required"))
	}
	if cfg.Selector == nil {
		errs = append(errs, errors.New("selector is required"))
	} else if _, ok := cfg.Adapters[cfg.Selector.Primary()]; !ok {
		errs = append(errs, fmt.Errorf("no adapter for primary provider %q", cfg.Selector.Primary()))
	}
	if cfg.Cache == nil || cfg.Profiles == nil {
		errs = append(errs, errors.New("profile cache and profile store are required"))
	}
	if cfg.Sessions == nil || cfg.Registry == nil || cfg.Bus == nil || cfg.Ledger == nil {
		errs = append(errs, errors.New("session store, registry, bus and ledger are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	m := &Manager{cfg: cfg, metrics: cfg.Metrics}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.SetSettings(cfg.Settings)
	return m, nil
}

// SetSettings replaces the settings used for sessions admitted from now on.
func (m *Manager) SetSettings(s Settings) {
	s = s.withDefaults()
	m.settings.Store(&s)
}

// Settings returns the current settings.
func (m *Manager) Settings() Settings { return *m.settings.Load() }

// Params describe one incoming connection.
type Params struct {
	// SocketID identifies the connection in the active-session registry.
	SocketID string

	// Token is the bearer token presented by the client.
	Token string

	// Mode, ScenarioID and TopicID optionally preselect the conversation.
	Mode       string
	ScenarioID string
	TopicID    string
}

// Run admits the connection and serves it until the client ends the session,
// the connection drops or ctx is cancelled. Admission failures are reported
// to the client and returned as an [*AdmissionError]; once admitted, Run
// always tears the session down and returns nil.
func (m *Manager) Run(ctx context.Context, p Params, client Client) error {
	ctx = observe.WithSocket(ctx, p.SocketID)
	c := m.newConn(ctx, p, client)
	if err := c.admit(ctx); err != nil {
		var ae *AdmissionError
		if errors.As(err, &ae) {
			_ = client.Send(ErrorMessage(ae.Reason, ae.Message()))
		}
		return err
	}
	ctx = observe.WithUser(ctx, c.sess.UserID)
	defer c.teardown(ctx)

	c.loop(ctx)
	return nil
}

func (m *Manager) newConn(ctx context.Context, p Params, client Client) *conn {
	return &conn{
		m:           m,
		client:      client,
		params:      p,
		settings:    m.Settings(),
		corrections: make(chan store.CorrectionResult, 4),
		log:         observe.Logger(ctx),
	}
}

// conn is the state of one admitted connection. Every field is owned by the
// goroutine running [Manager.Run].
type conn struct {
	m        *Manager
	client   Client
	params   Params
	settings Settings

	// log follows the identifiers learnt so far: socket, then user, then
	// the current provider-session id.
	log *slog.Logger

	sess  *session.Session
	meter *session.TokenMeter

	// switches counts provider changes since admission.
	switches int

	// stream is the active provider session; events is its channel, or nil
	// while detached.
	stream engine.Stream
	events <-chan engine.Event

	// auxCtx bounds correction checks and the token meter. It outlives the
	// connection context so teardown can flush, and is cancelled there.
	auxCtx    context.Context
	auxCancel context.CancelFunc
	auxWG     sync.WaitGroup

	corrections chan store.CorrectionResult

	teardownOnce sync.Once
}

// loop is the ACTIVE state.
func (c *conn) loop(ctx context.Context) {
	inbound := c.client.Inbound()
	for {
		select {
		case <-ctx.Done():
			c.log.Debug("orchestrator: context cancelled", "err", ctx.Err())
			return

		case msg, ok := <-inbound:
			if !ok {
				c.log.Debug("orchestrator: client disconnected")
				return
			}
			if c.handleClientMessage(ctx, msg) {
				return
			}

		case evt, ok := <-c.events:
			if !ok {
				c.stream, c.events = nil, nil
				continue
			}
			c.handleEvent(ctx, evt)

		case n := <-c.meter.Notices():
			c.m.metrics.RateLimitNotices.Add(ctx, 1)
			c.send(ErrorMessage(CodeRateLimited, fmt.Sprintf(
				"You have used %d tokens in the last minute (limit %d). The conversation continues.",
				n.WindowTotal, n.Threshold)))

		case res := <-c.corrections:
			c.m.metrics.CorrectionsDelivered.Add(ctx, 1)
			c.send(ServerMessage{Type: TypeGrammarCorrection, CorrectionResult: &res})
		}
	}
}

// send delivers msg, logging and dropping it when the client cannot take it.
func (c *conn) send(msg ServerMessage) {
	if err := c.client.Send(msg); err != nil {
		c.log.Debug("orchestrator: client send failed", "type", msg.Type, "err", err)
	}
}

// attach makes st the active provider stream.
func (c *conn) attach(st engine.Stream) {
	c.stream = st
	c.events = st.Events()
}

// detach closes the active provider stream and stops reading its events, so
// no two streams ever deliver into the same session.
func (c *conn) detach() {
	if c.stream == nil {
		return
	}
	if err := c.stream.Close(); err != nil {
		c.log.Warn("orchestrator: close provider stream", "session_id", c.stream.ID(), "err", err)
	}
	c.stream, c.events = nil, nil
}
