// Package gateway is the client-facing websocket endpoint.
//
// Each upgraded connection becomes an [orchestrator.Client]: binary frames
// are PCM16 audio chunks, text frames are JSON control messages, and the
// server answers the same way, with ai_audio_chunk as binary frames and
// everything else as JSON. One goroutine reads, one writes, and the session
// itself runs on a third, inside [Runner.Run].
//
// The [Hub] tracks the sockets held by this process so a newer login handled
// by any process can force the old socket closed.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zenc-ai/voicegate/internal/auth"
	"github.com/zenc-ai/voicegate/internal/observe"
	"github.com/zenc-ai/voicegate/internal/orchestrator"
)

// Runner serves one admitted connection. [*orchestrator.Manager] implements
// it.
type Runner interface {
	Run(ctx context.Context, p orchestrator.Params, client orchestrator.Client) error
}

// Config tunes the websocket endpoint. Zero values select defaults.
type Config struct {
	// AllowedOrigins lists browser origins (scheme://host[:port]) allowed to
	// connect. "*" allows any origin. Requests without an Origin header and
	// same-host origins are always allowed.
	AllowedOrigins []string

	// ReadLimit caps the size of one inbound frame. Default: 1 MiB.
	ReadLimit int64

	// SendQueue is the number of outbound frames buffered per connection.
	// Default: 256.
	SendQueue int

	// WriteTimeout bounds each frame write. Default: 5s.
	WriteTimeout time.Duration

	// PingInterval is the keepalive period. Default: 20s.
	PingInterval time.Duration

	// PongWait is how long the connection may stay silent before it is
	// considered dead. Default: 60s.
	PongWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	return c
}

// Server upgrades /v1/voice requests and hands them to a [Runner].
type Server struct {
	cfg      Config
	runner   Runner
	hub      *Hub
	upgrader websocket.Upgrader

	conns sync.WaitGroup
}

// New returns a Server. hub may be nil when session kicks are not needed.
func New(runner Runner, hub *Hub, cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, runner: runner, hub: hub}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(r, cfg.AllowedOrigins) },
	}
	return s
}

// Routes mounts the voice endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/v1/voice", s.handleVoice)
}

// handleVoice serves one client connection. The bearer token comes from the
// Authorization header or the token query parameter; mode, scenarioId and
// topicId optionally preselect the conversation.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := orchestrator.Params{
		SocketID:   uuid.NewString(),
		Token:      auth.TokenFromRequest(r),
		Mode:       q.Get("mode"),
		ScenarioID: q.Get("scenarioId"),
		TopicID:    q.Get("topicId"),
	}
	ctx := observe.WithSocket(r.Context(), params.SocketID)
	log := observe.Logger(ctx)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("gateway: upgrade failed", "err", err)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	c := newClient(conn, params.SocketID, s.cfg, log)
	if s.hub != nil {
		s.hub.Register(c)
		defer s.hub.Unregister(c)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := s.runner.Run(ctx, params, c); err != nil {
			log.Info("gateway: connection rejected", "err", err)
		}
		c.finish()
	}()

	c.readPump(ctx)
	<-runDone
	<-writerDone
	log.Debug("gateway: connection closed")
}

// Wait blocks until every upgraded connection has been torn down or ctx is
// done. Call it after the HTTP server stopped accepting requests.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: wait for connections: %w", ctx.Err())
	}
}

// originAllowed implements the upgrader's origin check.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if slices.Contains(allowed, "*") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimRight(a, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return false
}
