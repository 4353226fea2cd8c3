package orchestrator

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/zenc-ai/voicegate/internal/engine"
	"github.com/zenc-ai/voicegate/internal/observe"
	"github.com/zenc-ai/voicegate/internal/prompt"
	"github.com/zenc-ai/voicegate/internal/session"
	"github.com/zenc-ai/voicegate/internal/store"
)

// handleClientMessage applies one client message. It returns true when the
// client asked to end the session.
func (c *conn) handleClientMessage(ctx context.Context, msg ClientMessage) bool {
	switch msg.Type {
	case TypeAudioChunk:
		c.handleAudio(ctx, msg.Audio)
	case TypeSwitchMode:
		c.switchMode(msg)
	case TypeSetScenario:
		c.setScenario(msg)
	case TypeRequestCorrection:
		if msg.Enabled == nil {
			c.send(ErrorMessage(CodeInvalidMessage, "request_correction requires \"enabled\"."))
			return false
		}
		c.sess.CorrectionEnabled = *msg.Enabled
		enabled := c.sess.CorrectionEnabled
		c.send(ServerMessage{Type: TypeCorrectionToggled, Enabled: &enabled})
	case TypeEndSession:
		c.log.Info("orchestrator: client ended session")
		return true
	default:
		c.send(ErrorMessage(CodeInvalidMessage, "Unknown message type \""+msg.Type+"\"."))
	}
	return false
}

// handleAudio meters a client chunk and forwards it through the jitter
// buffer. Audio is dropped while no provider stream is attached.
func (c *conn) handleAudio(ctx context.Context, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if c.sess.Degraded {
		c.restoreVoice(ctx)
	}
	if c.stream == nil || c.sess.Degraded {
		c.log.Debug("orchestrator: audio dropped, no active provider", "bytes", len(chunk))
		c.m.metrics.RecordAudioDropped(ctx, c.sess.Provider, "degraded")
		return
	}
	c.meter.Record("in", len(chunk))

	payload, ok := c.sess.Jitter.Push(chunk)
	if !ok {
		return
	}
	c.m.metrics.JitterFlushes.Add(ctx, 1)
	if err := c.stream.SendAudio(payload); err != nil {
		reason := "not_connected"
		if errors.Is(err, engine.ErrQueueFull) {
			reason = "queue_full"
		}
		c.log.Debug("orchestrator: audio dropped", "reason", reason, "bytes", len(payload))
		c.m.metrics.RecordAudioDropped(ctx, c.sess.Provider, reason)
	}
}

// switchMode is the MODE_SWITCH transition: the rebuilt prompt goes to the
// current stream as text, never over a new connection.
func (c *conn) switchMode(msg ClientMessage) {
	mode, err := session.ParseMode(msg.Mode)
	if err != nil {
		c.send(ErrorMessage(CodeInvalidMode, "Unknown mode \""+msg.Mode+"\"."))
		return
	}
	c.sess.Mode = mode
	if msg.ScenarioID != "" {
		c.sess.Scenario.ID = msg.ScenarioID
	}
	if msg.TopicID != "" {
		c.sess.Scenario.TopicID = msg.TopicID
	}
	c.sendText(prompt.ModeSwitch(c.sess.Profile, mode, c.sess.Scenario))
	c.log.Info("orchestrator: mode switched", "mode", mode)
	c.send(ServerMessage{
		Type:    TypeModeSwitched,
		Mode:    string(mode),
		Message: prompt.ModeSwitchedMessage(mode) + c.voiceNote(),
	})
}

func (c *conn) setScenario(msg ClientMessage) {
	if msg.ScenarioID == "" {
		c.send(ErrorMessage(CodeInvalidMessage, "set_scenario requires \"scenarioId\"."))
		return
	}
	c.sess.Scenario.ID = msg.ScenarioID
	c.sess.Scenario.Category = msg.Category
	c.sess.Scenario.Difficulty = msg.Difficulty
	if msg.TopicID != "" {
		c.sess.Scenario.TopicID = msg.TopicID
	}
	c.sendText(prompt.ScenarioSet(c.sess.Profile, c.sess.Mode, c.sess.Scenario))
	c.send(ServerMessage{
		Type:       TypeScenarioSet,
		ScenarioID: c.sess.Scenario.ID,
		TopicID:    c.sess.Scenario.TopicID,
		Category:   c.sess.Scenario.Category,
		Difficulty: c.sess.Scenario.Difficulty,
		Message:    strings.TrimSpace(c.voiceNote()),
	})
}

// voiceNote tells the client that a prompt change could not reach the tutor
// and applies once voice is back. It is empty while a stream is attached.
func (c *conn) voiceNote() string {
	if c.stream != nil {
		return ""
	}
	return " Voice is unavailable right now; the tutor picks this up when it reconnects."
}

// sendText forwards a text prompt to the active stream, if any.
func (c *conn) sendText(text string) {
	if c.stream == nil {
		return
	}
	if err := c.stream.SendText(text); err != nil {
		c.log.Warn("orchestrator: send text prompt", "err", err)
	}
}

// handleEvent routes one provider event to the client and the transcript.
func (c *conn) handleEvent(ctx context.Context, evt engine.Event) {
	switch evt.Kind {
	case engine.EventAudioResponse:
		c.meter.Record("out", len(evt.Audio))
		c.send(ServerMessage{Type: TypeAIAudioChunk, Audio: evt.Audio})

	case engine.EventTextResponse:
		c.sess.Transcript.Append(store.SpeakerAI, evt.Text)
		c.send(ServerMessage{Type: TypeAITranscript, Text: evt.Text})

	case engine.EventUserTranscript:
		c.sess.Transcript.Append(store.SpeakerUser, evt.Text)

	case engine.EventTurnComplete:
		entry, sealed := c.sess.Transcript.Seal()
		c.send(ServerMessage{Type: TypeTurnComplete})
		tokens := c.meter.SessionTokens()
		c.send(ServerMessage{Type: TypeTokenUpdate, TokensUsed: &tokens})
		if sealed && entry.Speaker == store.SpeakerAI && c.sess.CorrectionEnabled {
			c.checkCorrection(c.sess.Transcript.LastUserUtterance())
		}

	case engine.EventError:
		c.log.Warn("orchestrator: provider error", "provider", c.sess.Provider, "err", evt.Err)
		c.m.metrics.RecordProviderError(ctx, c.sess.Provider, "runtime")
		c.send(ErrorMessage(CodeProviderError, "The voice provider reported an error. The conversation continues."))

	case engine.EventFallbackToText:
		c.failover(ctx)

	case engine.EventClose:
		c.log.Debug("orchestrator: provider stream closed", "provider", c.sess.Provider)
	}
}

// checkCorrection runs a best-effort grammar check in the background. The
// result is handed back to the loop; nothing is delivered after teardown.
func (c *conn) checkCorrection(text string) {
	checker := c.m.cfg.Corrections
	if checker == nil || text == "" {
		return
	}
	userID := c.sess.UserID
	auxCtx := c.auxCtx
	c.auxWG.Go(func() {
		res, ok := checker.CheckCorrection(auxCtx, userID, text)
		if !ok {
			return
		}
		select {
		case c.corrections <- res:
		case <-auxCtx.Done():
		}
	})
}

// failover is the FAILOVER transition, entered when the active stream gave up
// on voice. Each session moves between providers at most
// Settings.MaxProviderSwitches times; after that it stays degraded.
func (c *conn) failover(ctx context.Context) {
	ctx, span := observe.StartSpan(ctx, "orchestrator.failover")
	defer span.End()

	from := c.sess.Provider
	c.detach()

	if c.switches >= c.settings.MaxProviderSwitches {
		c.degrade(ctx, from, "", "limit")
		return
	}
	to, healthy := c.m.cfg.Selector.Alternate(from)
	if _, ok := c.m.cfg.Adapters[to]; !healthy || !ok {
		c.degrade(ctx, from, to, "degraded")
		return
	}

	c.switchTo(ctx, to)
	c.m.metrics.RecordFailover(ctx, from, to, "switched")
	c.log.Info("orchestrator: provider switched", "from", from, "to", to, "switches", c.switches)
	c.send(ServerMessage{
		Type:    TypeProviderSwitched,
		From:    from,
		To:      to,
		Message: "Switched to a backup voice provider.",
	})
}

// degrade is the DEGRADED state: the session stays open without voice.
func (c *conn) degrade(ctx context.Context, from, to, outcome string) {
	c.sess.Degraded = true
	c.sess.Jitter.Reset()
	c.m.metrics.RecordFailover(ctx, from, to, outcome)
	c.log.Warn("orchestrator: continuing without voice",
		"from", from, "alternate", to, "outcome", outcome, "switches", c.switches)
	c.send(ErrorMessage(CodeVoiceUnavailable,
		"Voice is temporarily unavailable. Your session stays open."))
}

// restoreVoice leaves degraded mode when the selector reports a healthy provider
// and the session still has a switch left.
func (c *conn) restoreVoice(ctx context.Context) {
	if c.switches >= c.settings.MaxProviderSwitches {
		return
	}
	to, healthy := c.m.cfg.Selector.SelectHealthy()
	if _, ok := c.m.cfg.Adapters[to]; !healthy || !ok {
		return
	}

	ctx, span := observe.StartSpan(ctx, "orchestrator.recover")
	defer span.End()

	from := c.sess.Provider
	c.sess.Degraded = false
	c.switchTo(ctx, to)
	c.m.metrics.RecordFailover(ctx, from, to, "recovered")
	c.log.Info("orchestrator: voice restored", "from", from, "to", to, "switches", c.switches)
	c.send(ServerMessage{
		Type:    TypeProviderSwitched,
		From:    from,
		To:      to,
		Message: "Voice is back.",
	})
}

// switchTo opens a fresh provider session on to with a prompt rebuilt from
// the current mode and scenario. Audio buffered for the old provider is not
// replayed.
func (c *conn) switchTo(ctx context.Context, to string) {
	c.switches++
	c.sess.Jitter.Reset()
	c.sess.Provider = to
	c.sess.SessionID = uuid.NewString()
	c.attach(c.m.cfg.Adapters[to].Open(ctx, c.sess.SessionID,
		prompt.Build(c.sess.Profile, c.sess.Mode, c.sess.Scenario)))
	c.log = observe.Logger(observe.WithSession(ctx, c.sess.SessionID))
}

func observeProvider(name string) metric.AddOption {
	return metric.WithAttributes(observe.Attr("provider", name))
}

func observeReason(reason string) metric.AddOption {
	return metric.WithAttributes(observe.Attr("reason", reason))
}
