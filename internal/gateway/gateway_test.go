package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/zenc-ai/voicegate/internal/auth"
	"github.com/zenc-ai/voicegate/internal/engine"
	enginemock "github.com/zenc-ai/voicegate/internal/engine/mock"
	"github.com/zenc-ai/voicegate/internal/observe"
	"github.com/zenc-ai/voicegate/internal/orchestrator"
	"github.com/zenc-ai/voicegate/internal/resilience"
	"github.com/zenc-ai/voicegate/internal/store"
	"github.com/zenc-ai/voicegate/internal/store/memory"
)

var testSecret = []byte("gateway-secret")

type stack struct {
	url     string
	stores  *memory.Stores
	primary *enginemock.Adapter
	hub     *Hub
	server  *Server
}

func newStack(t *testing.T) *stack {
	t.Helper()

	authn, err := auth.NewHMAC(auth.Config{Secret: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	tracker := resilience.NewHealthTracker(resilience.TrackerConfig{})
	tracker.Register("primary", resilience.RolePrimary, true)

	st := &stack{
		stores:  memory.New(),
		primary: enginemock.NewAdapter("primary"),
		hub:     NewHub(),
	}
	st.stores.Profiles.Put(store.Profile{UserID: "u1", DisplayName: "Minh"})
	st.stores.Ledger = memory.NewLedger(map[string]int64{"u1": 100})

	m, err := orchestrator.New(orchestrator.Config{
		Auth:     authn,
		Adapters: map[string]engine.Adapter{"primary": st.primary},
		Selector: resilience.NewSelector(tracker, "primary", ""),
		Cache:    st.stores.Cache,
		Profiles: st.stores.Profiles,
		Sessions: st.stores.Sessions,
		Registry: st.stores.Registry,
		Bus:      st.stores.Bus,
		Ledger:   st.stores.Ledger,
		Counters: st.stores.Counters,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	st.server = New(m, st.hub, Config{PingInterval: time.Second})
	st.server.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	st.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/voice"
	return st
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.Sign(testSecret, userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads one message; binary frames are returned as ai_audio_chunk.
func next(t *testing.T, conn *websocket.Conn) (orchestrator.ServerMessage, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return orchestrator.ServerMessage{}, err
	}
	if kind == websocket.BinaryMessage {
		return orchestrator.ServerMessage{Type: orchestrator.TypeAIAudioChunk, Audio: data}, nil
	}
	var msg orchestrator.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg, nil
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) orchestrator.ServerMessage {
	t.Helper()
	for {
		msg, err := next(t, conn)
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

// readClose reads until the server closes the connection and returns the
// close error.
func readClose(t *testing.T, conn *websocket.Conn) error {
	t.Helper()
	for {
		if _, err := next(t, conn); err != nil {
			return err
		}
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestGateway_SessionRoundTrip(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	conn := dial(t, st.url+"?token="+signToken(t, "u1")+"&mode=debate&topicId=ai", nil)

	started := readUntil(t, conn, orchestrator.TypeSessionStarted)
	if started.Mode != "DEBATE" || started.Provider != "primary" {
		t.Errorf("session_started = %+v", started)
	}

	var stream *enginemock.Stream
	select {
	case stream = <-st.primary.OnOpen:
	case <-time.After(2 * time.Second):
		t.Fatal("provider stream never opened")
	}
	if !strings.Contains(st.primary.Calls()[0].Prompt, "Topic: ai") {
		t.Error("topic from the query string missing from the prompt")
	}

	for range 3 {
		if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(stream.Audio()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("audio never reached the provider")
		}
		time.Sleep(time.Millisecond)
	}
	if got := len(stream.Audio()[0]); got != 960 {
		t.Errorf("provider payload = %d bytes, want 960", got)
	}

	stream.Emit(engine.Event{Kind: engine.EventAudioResponse, Audio: []byte{1, 2, 3, 4}})
	if got := readUntil(t, conn, orchestrator.TypeAIAudioChunk); len(got.Audio) != 4 {
		t.Errorf("binary frame = %v", got.Audio)
	}

	sendJSON(t, conn, map[string]string{"type": "end_session"})
	readUntil(t, conn, orchestrator.TypeSessionEnded)
	if err := readClose(t, conn); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("close = %v, want normal closure", err)
	}
}

func TestGateway_AuthorizationHeader(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	header := http.Header{"Authorization": {"Bearer " + signToken(t, "u1")}}
	conn := dial(t, st.url, header)
	readUntil(t, conn, orchestrator.TypeSessionStarted)
}

func TestGateway_RejectsBadToken(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	conn := dial(t, st.url+"?token=nope", nil)

	msg := readUntil(t, conn, orchestrator.TypeError)
	if msg.Code != orchestrator.CodeAuthFailed {
		t.Errorf("code = %q, want AUTH_FAILED", msg.Code)
	}
	if err := readClose(t, conn); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("close = %v", err)
	}
	if st.primary.OpenCount() != 0 {
		t.Error("provider opened for a rejected client")
	}
}

func TestGateway_InvalidFrames(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	conn := dial(t, st.url+"?token="+signToken(t, "u1"), nil)
	readUntil(t, conn, orchestrator.TypeSessionStarted)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if got := readUntil(t, conn, orchestrator.TypeError).Code; got != orchestrator.CodeInvalidMessage {
		t.Errorf("code = %q", got)
	}

	sendJSON(t, conn, map[string]string{"type": "audio_chunk"})
	if got := readUntil(t, conn, orchestrator.TypeError).Code; got != orchestrator.CodeInvalidMessage {
		t.Errorf("code = %q", got)
	}

	// The session survives malformed frames.
	sendJSON(t, conn, map[string]string{"type": "switch_mode", "mode": "SHADOWING"})
	if got := readUntil(t, conn, orchestrator.TypeModeSwitched).Mode; got != "SHADOWING" {
		t.Errorf("mode = %q", got)
	}
}

func TestGateway_DisconnectTearsDown(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	conn := dial(t, st.url+"?token="+signToken(t, "u1"), nil)
	readUntil(t, conn, orchestrator.TypeSessionStarted)

	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := st.server.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for st.stores.Ledger.DeductCount() == 0 || st.hub.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no teardown after disconnect: deducts=%d sockets=%d",
				st.stores.Ledger.DeductCount(), st.hub.Len())
		}
		time.Sleep(time.Millisecond)
	}
	if got, _ := st.stores.Registry.Get(context.Background(), "u1"); got != "" {
		t.Errorf("registry = %q after disconnect", got)
	}
}

func TestGateway_SecondLoginKicksFirst(t *testing.T) {
	t.Parallel()
	st := newStack(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = st.hub.Run(ctx, st.stores.Bus) }()
	deadline := time.Now().Add(2 * time.Second)
	for st.stores.Bus.Subscribers(store.ChannelSessionKick) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	first := dial(t, st.url+"?token="+signToken(t, "u1"), nil)
	readUntil(t, first, orchestrator.TypeSessionStarted)

	second := dial(t, st.url+"?token="+signToken(t, "u1"), nil)
	readUntil(t, second, orchestrator.TypeSessionStarted)

	kicked := readUntil(t, first, orchestrator.TypeForceDisconnect)
	if kicked.Reason == "" {
		t.Error("force_disconnect without a reason")
	}
	if err := readClose(t, first); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("close = %v, want policy violation", err)
	}

	// The replaced session's teardown must not unregister its successor.
	deadline = time.Now().Add(2 * time.Second)
	for st.stores.Ledger.DeductCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("kicked session never tore down")
		}
		time.Sleep(time.Millisecond)
	}
	if got, _ := st.stores.Registry.Get(context.Background(), "u1"); got == "" {
		t.Error("successor lost its registry entry")
	}

	sendJSON(t, second, map[string]string{"type": "switch_mode", "mode": "INTERVIEW"})
	readUntil(t, second, orchestrator.TypeModeSwitched)
}

func TestGateway_RejectsForeignOrigin(t *testing.T) {
	t.Parallel()
	st := newStack(t)
	header := http.Header{"Origin": {"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(st.url+"?token="+signToken(t, "u1"), header)
	if err == nil {
		t.Fatal("expected the upgrade to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
	if resp != nil {
		resp.Body.Close()
	}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{name: "no origin", want: true},
		{name: "same host", origin: "http://voice.test", want: true},
		{name: "listed", origin: "https://app.zenc.ai", allowed: []string{"https://app.zenc.ai/"}, want: true},
		{name: "wildcard", origin: "https://anything.example", allowed: []string{"*"}, want: true},
		{name: "foreign", origin: "https://evil.example", allowed: []string{"https://app.zenc.ai"}, want: false},
		{name: "scheme mismatch", origin: "http://app.zenc.ai", allowed: []string{"https://app.zenc.ai"}, want: false},
		{name: "non-http scheme", origin: "file://voice.test", want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "http://voice.test/v1/voice", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := originAllowed(r, tc.allowed); got != tc.want {
				t.Errorf("originAllowed(%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

func TestClient_SendDoesNotBlock(t *testing.T) {
	t.Parallel()
	c := newClient(nil, "s1", Config{SendQueue: 1}.withDefaults(), slog.Default())

	if err := c.Send(orchestrator.ServerMessage{Type: orchestrator.TypeTurnComplete}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(orchestrator.ServerMessage{Type: orchestrator.TypeTurnComplete}); !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("second send = %v, want ErrSendQueueFull", err)
	}
	c.finish()
	if err := c.Send(orchestrator.ServerMessage{Type: orchestrator.TypeTurnComplete}); !errors.Is(err, ErrClientClosed) {
		t.Errorf("send after finish = %v, want ErrClientClosed", err)
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()

	f, err := encode(orchestrator.ServerMessage{Type: orchestrator.TypeAIAudioChunk, Audio: []byte{9, 9}})
	if err != nil || f.kind != websocket.BinaryMessage || len(f.data) != 2 {
		t.Errorf("audio frame = %+v, %v", f, err)
	}

	tokens := int64(12)
	f, err = encode(orchestrator.ServerMessage{Type: orchestrator.TypeTokenUpdate, TokensUsed: &tokens})
	if err != nil || f.kind != websocket.TextMessage {
		t.Fatalf("json frame = %+v, %v", f, err)
	}
	if got := string(f.data); got != `{"type":"token_update","tokensUsed":12}` {
		t.Errorf("json = %s", got)
	}
}

type fakeSocket struct {
	id     string
	kicked chan string
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Kick(reason string) { f.kicked <- reason }

func TestHub_RunKicksLocalSockets(t *testing.T) {
	t.Parallel()
	bus := memory.NewBus()
	hub := NewHub()
	local := &fakeSocket{id: "local", kicked: make(chan string, 1)}
	hub.Register(local)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx, bus) }()
	for bus.Subscribers(store.ChannelSessionKick) == 0 {
		time.Sleep(time.Millisecond)
	}

	pub := func(ev store.KickEvent) {
		if err := bus.Publish(context.Background(), store.ChannelSessionKick, ev); err != nil {
			t.Fatal(err)
		}
	}
	pub(store.KickEvent{UserID: "u9", SocketID: "elsewhere", Reason: "x"})
	pub(store.KickEvent{UserID: "u1", SocketID: "local", Reason: "newer login"})

	select {
	case reason := <-local.kicked:
		if reason != "newer login" {
			t.Errorf("reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("local socket not kicked")
	}

	hub.Unregister(local)
	if hub.Kick("local", "again") {
		t.Error("Kick succeeded after Unregister")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}
