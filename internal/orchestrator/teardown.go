package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zenc-ai/voicegate/internal/observe"
	"github.com/zenc-ai/voicegate/internal/store"
)

// teardown is the ENDING → CLOSED transition. Every step runs even when an
// earlier one failed, and a second call does nothing.
func (c *conn) teardown(ctx context.Context) {
	c.teardownOnce.Do(func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.settings.TeardownTimeout)
		defer cancel()
		ctx, span := observe.StartSpan(ctx, "orchestrator.teardown")
		defer span.End()

		sess := c.sess
		log := c.log

		// 1. Close the provider stream and stop everything bound to the
		// session: pending correction polls and the meter's flusher.
		c.detach()
		c.auxCancel()
		c.auxWG.Wait()
		c.meter.Close()

		tokens := c.meter.SessionTokens()
		entries := sess.Transcript.Entries()
		transcript := sess.Transcript.Text()
		minutes := durationMinutes(sess.Duration())
		span.SetAttributes(
			attribute.String("user_id", sess.UserID),
			attribute.Int64("tokens", tokens),
		)

		// 2. Persist the session record.
		if sess.RecordID != "" {
			err := c.m.cfg.Sessions.Update(ctx, sess.RecordID, store.SessionUpdate{
				EndedAt:     time.Now(),
				TotalTokens: tokens,
				Provider:    sess.Provider,
				Mode:        string(sess.Mode),
				Transcript:  entries,
			})
			if err != nil {
				log.Warn("orchestrator: persist session record", "record_id", sess.RecordID, "err", err)
			}
		}

		// 3. Hand non-trivial conversations to downstream analysis.
		if sess.Transcript.NonTrivial() {
			ended := store.SessionEndedEvent{
				SessionID:       sess.SessionID,
				RecordID:        sess.RecordID,
				UserID:          sess.UserID,
				Transcript:      transcript,
				Mode:            string(sess.Mode),
				Provider:        sess.Provider,
				DurationMinutes: minutes,
				TokensUsed:      tokens,
			}
			if err := c.m.cfg.Bus.Publish(ctx, store.ChannelSessionEnded, ended); err != nil {
				log.Warn("orchestrator: publish session ended", "err", err)
			}
			evaluate := store.ConversationEvaluateEvent{
				UserID:          sess.UserID,
				SessionID:       sess.SessionID,
				Transcript:      transcript,
				Mode:            string(sess.Mode),
				DurationMinutes: minutes,
			}
			if err := c.m.cfg.Bus.Publish(ctx, store.ChannelConversationEvaluate, evaluate); err != nil {
				log.Warn("orchestrator: publish conversation evaluate", "err", err)
			}
		}

		// 4. Deduct the session's tokens, clamped at zero by the ledger.
		if balance, err := c.m.cfg.Ledger.Deduct(ctx, sess.UserID, tokens); err != nil {
			log.Warn("orchestrator: deduct tokens", "tokens", tokens, "err", err)
		} else {
			log.Debug("orchestrator: tokens deducted", "tokens", tokens, "balance", balance)
		}

		// 5. Drop in-memory state.
		sess.Clear()

		// 6. Unregister, unless a newer login already replaced this socket.
		if err := c.m.cfg.Registry.Remove(ctx, sess.UserID, sess.SocketID); err != nil {
			log.Warn("orchestrator: remove registry entry", "err", err)
		}

		c.send(ServerMessage{Type: TypeSessionEnded, Message: "Session ended. Great work today!"})

		c.m.metrics.ActiveSessions.Add(ctx, -1)
		c.m.metrics.TeardownDuration.Record(ctx, time.Since(start).Seconds())
		log.Info("orchestrator: session closed",
			"tokens", tokens,
			"duration_minutes", minutes,
			"transcript_entries", len(entries),
		)
	})
}
