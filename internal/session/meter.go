package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zenc-ai/voicegate/internal/observe"
	"github.com/zenc-ai/voicegate/internal/store"
)

// DefaultBytesPerToken is the audio-to-token heuristic: 16 kHz mono PCM16
// (32000 bytes/s) estimated at 10 tokens per second. It is an internal
// rate-limit signal, not a billing figure; nothing reconciles it against
// provider invoices.
const DefaultBytesPerToken = 3200

const (
	defaultWindow       = time.Minute
	defaultKeyPrefix    = "token_window"
	defaultFlushTimeout = 2 * time.Second
)

// MeterConfig configures a [TokenMeter].
type MeterConfig struct {
	// UserID scopes the sliding-window counter.
	UserID string

	// Counters backs the per-user window. Nil disables the window.
	Counters store.CounterStore

	// BytesPerToken converts audio bytes to tokens. Default: 3200.
	BytesPerToken int

	// Threshold is the window total above which a [Notice] is raised.
	// Zero disables notices.
	Threshold int64

	// Window is the counter TTL. Default: one minute.
	Window time.Duration

	// KeyPrefix prefixes the counter key. Default: "token_window".
	KeyPrefix string

	// Metrics records consumed tokens. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Notice is raised when the window total crosses the configured threshold.
type Notice struct {
	WindowTotal int64
	Threshold   int64
}

// TokenMeter keeps two counters: the session lifetime total, updated
// synchronously, and the per-user sliding window, flushed to the counter
// store by a background goroutine so the audio path never waits on it.
//
// Record, SessionTokens and Notices are safe for concurrent use.
type TokenMeter struct {
	cfg MeterConfig
	key string

	session atomic.Int64

	mu      sync.Mutex
	carry   int64
	pending int64

	signal  chan struct{}
	notices chan Notice

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// flusher-owned
	lastTotal int64
	notified  bool
}

// NewTokenMeter starts a meter whose background flusher stops when ctx is
// cancelled or [TokenMeter.Close] is called.
func NewTokenMeter(ctx context.Context, cfg MeterConfig) *TokenMeter {
	if cfg.BytesPerToken <= 0 {
		cfg.BytesPerToken = DefaultBytesPerToken
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	mctx, cancel := context.WithCancel(ctx)
	m := &TokenMeter{
		cfg:     cfg,
		key:     cfg.KeyPrefix + ":" + cfg.UserID,
		signal:  make(chan struct{}, 1),
		notices: make(chan Notice, 1),
		ctx:     mctx,
		cancel:  cancel,
	}
	m.wg.Go(m.flushLoop)
	return m
}

// Record accounts for n bytes of audio flowing in direction ("in" or "out")
// and returns the tokens it added. Fractional tokens carry over to the next
// call. Record never blocks on I/O.
func (m *TokenMeter) Record(direction string, n int) int64 {
	if n <= 0 {
		return 0
	}
	m.mu.Lock()
	m.carry += int64(n)
	tokens := m.carry / int64(m.cfg.BytesPerToken)
	m.carry %= int64(m.cfg.BytesPerToken)
	if tokens > 0 {
		m.pending += tokens
	}
	m.mu.Unlock()

	if tokens == 0 {
		return 0
	}
	m.session.Add(tokens)
	m.cfg.Metrics.RecordTokens(m.ctx, direction, tokens)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return tokens
}

// SessionTokens returns the session lifetime total. It never decreases.
func (m *TokenMeter) SessionTokens() int64 { return m.session.Load() }

// Notices delivers rate-limit notices. At most one notice is raised per
// window; a notice the consumer has not picked up is replaced, not queued.
func (m *TokenMeter) Notices() <-chan Notice { return m.notices }

// Close stops the flusher after a final best-effort flush. Safe to call
// multiple times.
func (m *TokenMeter) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

func (m *TokenMeter) flushLoop() {
	for {
		select {
		case <-m.ctx.Done():
			m.flush(context.WithoutCancel(m.ctx))
			return
		case <-m.signal:
			m.flush(m.ctx)
		}
	}
}

// flush moves pending tokens into the window counter and raises a notice on
// the first crossing of the threshold in each window.
func (m *TokenMeter) flush(ctx context.Context) {
	if m.cfg.Counters == nil {
		return
	}
	m.mu.Lock()
	amount := m.pending
	m.pending = 0
	m.mu.Unlock()
	if amount == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, defaultFlushTimeout)
	defer cancel()
	total, err := m.cfg.Counters.IncrementWithExpiry(ctx, m.key, amount, m.cfg.Window)
	if err != nil {
		slog.Warn("session: token window update failed", "user_id", m.cfg.UserID, "err", err)
		return
	}

	// A total that did not grow past the previous one means the window
	// expired and restarted.
	if total <= m.lastTotal {
		m.notified = false
	}
	m.lastTotal = total

	if m.cfg.Threshold <= 0 || total <= m.cfg.Threshold || m.notified {
		return
	}
	m.notified = true
	n := Notice{WindowTotal: total, Threshold: m.cfg.Threshold}
	select {
	case m.notices <- n:
	default:
		select {
		case <-m.notices:
		default:
		}
		select {
		case m.notices <- n:
		default:
		}
	}
}
