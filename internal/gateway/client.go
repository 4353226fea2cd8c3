package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zenc-ai/voicegate/internal/orchestrator"
)

// Errors returned by client Send.
var (
	ErrSendQueueFull = errors.New("gateway: send queue full")
	ErrClientClosed  = errors.New("gateway: client closed")
)

// frame is one encoded outbound websocket message.
type frame struct {
	kind int
	data []byte
}

// client adapts one websocket connection to [orchestrator.Client].
type client struct {
	conn *websocket.Conn
	id   string
	cfg  Config
	log  *slog.Logger

	inbound chan orchestrator.ClientMessage
	out     chan frame
	kick    chan string

	// done is closed when the session is over; the writer then flushes what
	// is queued and closes the connection.
	done     chan struct{}
	doneOnce sync.Once
}

var _ orchestrator.Client = (*client)(nil)

func newClient(conn *websocket.Conn, id string, cfg Config, log *slog.Logger) *client {
	return &client{
		conn:    conn,
		id:      id,
		cfg:     cfg,
		log:     log,
		inbound: make(chan orchestrator.ClientMessage),
		out:     make(chan frame, cfg.SendQueue),
		kick:    make(chan string, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the socket id.
func (c *client) ID() string { return c.id }

// Inbound implements [orchestrator.Client].
func (c *client) Inbound() <-chan orchestrator.ClientMessage { return c.inbound }

// Send implements [orchestrator.Client]. It never blocks: when the queue is
// full the message is dropped and [ErrSendQueueFull] returned.
func (c *client) Send(msg orchestrator.ServerMessage) error {
	f, err := encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Kick sends force_disconnect with reason and closes the connection. Only the
// first kick has an effect.
func (c *client) Kick(reason string) {
	select {
	case c.kick <- reason:
	default:
	}
}

// finish marks the session as over.
func (c *client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func encode(msg orchestrator.ServerMessage) (frame, error) {
	if msg.Type == orchestrator.TypeAIAudioChunk {
		return frame{kind: websocket.BinaryMessage, data: msg.Audio}, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return frame{}, fmt.Errorf("gateway: encode %s: %w", msg.Type, err)
	}
	return frame{kind: websocket.TextMessage, data: data}, nil
}

// readPump turns websocket frames into client messages until the connection
// fails, ctx is cancelled or the session is over. It closes inbound on
// return.
func (c *client) readPump(ctx context.Context) {
	defer close(c.inbound)

	c.conn.SetReadLimit(c.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("gateway: read failed", "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		msg, ok := c.decode(kind, data)
		if !ok {
			continue
		}
		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// decode parses one inbound frame, answering malformed frames with an
// INVALID_MESSAGE error.
func (c *client) decode(kind int, data []byte) (orchestrator.ClientMessage, bool) {
	if kind == websocket.BinaryMessage {
		return orchestrator.ClientMessage{Type: orchestrator.TypeAudioChunk, Audio: data}, true
	}
	var msg orchestrator.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		_ = c.Send(orchestrator.ErrorMessage(orchestrator.CodeInvalidMessage, "Messages must be JSON objects with a \"type\"."))
		return msg, false
	}
	if msg.Type == orchestrator.TypeAudioChunk {
		_ = c.Send(orchestrator.ErrorMessage(orchestrator.CodeInvalidMessage, "Audio must be sent as binary frames."))
		return msg, false
	}
	return msg, true
}

// writePump is the only writer on the connection. It closes the connection
// on return, which also ends readPump.
func (c *client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f := <-c.out:
			if err := c.write(f); err != nil {
				c.log.Debug("gateway: write failed", "err", err)
				return
			}

		case reason := <-c.kick:
			data, _ := json.Marshal(orchestrator.ForceDisconnect(reason))
			if err := c.write(frame{kind: websocket.TextMessage, data: data}); err == nil {
				c.close(websocket.ClosePolicyViolation, "replaced by a newer session")
			}
			c.log.Info("gateway: socket kicked", "reason", reason)
			return

		case <-c.done:
			c.flush()
			c.close(websocket.CloseNormalClosure, "")
			return

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.log.Debug("gateway: ping failed", "err", err)
				return
			}
		}
	}
}

// flush writes every frame still queued.
func (c *client) flush() {
	for {
		select {
		case f := <-c.out:
			if err := c.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(f frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(f.kind, f.data)
}

func (c *client) close(code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(c.cfg.WriteTimeout))
}
