package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/zenc-ai/voicegate/internal/observe"
	"github.com/zenc-ai/voicegate/internal/prompt"
	"github.com/zenc-ai/voicegate/internal/session"
	"github.com/zenc-ai/voicegate/internal/store"
)

// ErrAdmission matches every [*AdmissionError] with [errors.Is].
var ErrAdmission = errors.New("orchestrator: admission failed")

// AdmissionError aborts a connection before a session exists. Reason is the
// client-facing error code.
type AdmissionError struct {
	Reason string
	Err    error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("orchestrator: admission failed (%s): %v", e.Reason, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrAdmission].
func (e *AdmissionError) Is(target error) bool { return target == ErrAdmission }

// Message is the human-readable text sent to the client.
func (e *AdmissionError) Message() string {
	if e.Reason == CodeAuthFailed {
		return "Authentication failed."
	}
	return "Could not start the voice session. Please try again."
}

// admit is the ADMITTING state. On error every resource acquired so far has
// been released.
func (c *conn) admit(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "orchestrator.admit")
	defer span.End()

	var rollbacks []func()
	reject := func(reason string, cause error) error {
		for i := len(rollbacks) - 1; i >= 0; i-- {
			rollbacks[i]()
		}
		span.SetStatus(codes.Error, reason)
		span.RecordError(cause)
		c.m.metrics.SessionsRejected.Add(ctx, 1, observeReason(reason))
		c.log.Warn("orchestrator: admission rejected", "reason", reason, "err", cause)
		return &AdmissionError{Reason: reason, Err: cause}
	}

	// ── Authenticate ──────────────────────────────────────────────────────────
	id, err := c.m.cfg.Auth.Authenticate(ctx, c.params.Token)
	if err != nil {
		return reject(CodeAuthFailed, err)
	}
	userID := id.UserID
	ctx = observe.WithUser(ctx, userID)
	span.SetAttributes(observe.UserIDKey.String(userID))
	c.log = observe.Logger(ctx)

	mode := c.settings.DefaultMode
	if c.params.Mode != "" {
		if mode, err = session.ParseMode(c.params.Mode); err != nil {
			return reject(CodeInvalidMode, err)
		}
	}

	// ── Register, kicking any previous session ───────────────────────────────
	prev, err := c.m.cfg.Registry.Swap(ctx, userID, c.params.SocketID)
	if err != nil {
		return reject(CodeAdmissionFailed, fmt.Errorf("register session: %w", err))
	}
	rollbacks = append(rollbacks, func() {
		rctx := context.WithoutCancel(ctx)
		if err := c.m.cfg.Registry.Remove(rctx, userID, c.params.SocketID); err != nil {
			c.log.Warn("orchestrator: rollback registry entry", "err", err)
		}
	})
	if prev != "" && prev != c.params.SocketID {
		kick := store.KickEvent{UserID: userID, SocketID: prev, Reason: "Signed in from another device."}
		if err := c.m.cfg.Bus.Publish(ctx, store.ChannelSessionKick, kick); err != nil {
			c.log.Warn("orchestrator: publish session kick", "previous_socket_id", prev, "err", err)
		} else {
			c.log.Info("orchestrator: replacing previous session", "previous_socket_id", prev)
		}
	}

	// ── Profile ───────────────────────────────────────────────────────────────
	profile, err := c.loadProfile(ctx, userID)
	if err != nil {
		return reject(CodeAdmissionFailed, err)
	}

	// ── Provider ──────────────────────────────────────────────────────────────
	providerName := c.m.cfg.Selector.Select()
	adapter, ok := c.m.cfg.Adapters[providerName]
	if !ok {
		return reject(CodeAdmissionFailed, fmt.Errorf("no adapter for provider %q", providerName))
	}

	sess := session.New(userID, c.params.SocketID, profile, mode, c.settings.JitterCapacity)
	sess.Scenario = session.Scenario{ID: c.params.ScenarioID, TopicID: c.params.TopicID}
	sess.CorrectionEnabled = c.settings.CorrectionDefault
	sess.Provider = providerName
	sess.SessionID = uuid.NewString()

	rec := store.SessionRecord{
		UserID:            userID,
		ProviderSessionID: sess.SessionID,
		Provider:          providerName,
		Mode:              string(mode),
		ScenarioID:        sess.Scenario.ID,
		TopicID:           sess.Scenario.TopicID,
		StartedAt:         sess.StartedAt,
	}
	if sess.RecordID, err = c.m.cfg.Sessions.Create(ctx, rec); err != nil {
		// The conversation still works; teardown skips the record update.
		c.log.Warn("orchestrator: create session record", "err", err)
	}

	// From here on nothing can fail.
	c.sess = sess
	c.auxCtx, c.auxCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.meter = session.NewTokenMeter(c.auxCtx, session.MeterConfig{
		UserID:        userID,
		Counters:      c.m.cfg.Counters,
		BytesPerToken: c.settings.BytesPerToken,
		Threshold:     c.settings.RateLimitTokensPerMinute,
		Metrics:       c.m.metrics,
	})

	c.attach(adapter.Open(ctx, sess.SessionID, prompt.Build(profile, mode, sess.Scenario)))
	if c.settings.Greeting {
		if err := c.stream.SendText(prompt.Greeting(profile, mode)); err != nil {
			c.log.Warn("orchestrator: send greeting", "err", err)
		}
	}

	c.log = observe.Logger(observe.WithSession(ctx, sess.SessionID))
	c.m.metrics.SessionsAdmitted.Add(ctx, 1, observeProvider(providerName))
	c.m.metrics.ActiveSessions.Add(ctx, 1)
	c.log.Info("orchestrator: session started", "provider", providerName, "mode", mode)

	c.send(ServerMessage{
		Type:      TypeSessionStarted,
		SessionID: sess.SessionID,
		Provider:  providerName,
		Mode:      string(mode),
	})
	return nil
}

// loadProfile reads the cache and falls back to the persistent store on a
// miss, repopulating the cache.
func (c *conn) loadProfile(ctx context.Context, userID string) (store.Profile, error) {
	p, err := c.m.cfg.Cache.Get(ctx, userID)
	if err == nil {
		return p.WithDefaults(), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		c.log.Warn("orchestrator: profile cache read failed, using store", "err", err)
	}

	p, err = c.m.cfg.Profiles.LoadProfile(ctx, userID)
	if err != nil {
		return store.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	if err := c.m.cfg.Cache.Set(ctx, p); err != nil {
		c.log.Warn("orchestrator: profile cache write failed", "err", err)
	}
	return p.WithDefaults(), nil
}

func durationMinutes(d time.Duration) float64 {
	return float64(d.Milliseconds()) / float64(time.Minute.Milliseconds())
}
