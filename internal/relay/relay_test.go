package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/signal"
)

func newRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Mode: "release", Secret: "test-secret"}
	ctl := NewController(NewRegistry())
	srv := httptest.NewServer(SetupRouter(context.Background(), cfg, ctl))
	t.Cleanup(srv.Close)
	return srv
}

func dialLeg(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendMsg(t *testing.T, ws *websocket.Conn, m signal.Message) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMsg(t *testing.T, ws *websocket.Conn) signal.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, err := signal.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestRelayForwardsOfferBetweenLegs(t *testing.T) {
	srv := newRelayServer(t)
	client := dialLeg(t, srv)
	bridge := dialLeg(t, srv)

	sendMsg(t, client, signal.Init("s-1", false))
	sendMsg(t, bridge, signal.Init("s-1", false))
	time.Sleep(50 * time.Millisecond) // let both joins land

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 test"}
	sendMsg(t, client, signal.Offer(offer))

	m := readMsg(t, bridge)
	if m.Type != signal.TypeSDPOffer || m.Offer == nil || m.Offer.SDP != "v=0 test" {
		t.Fatalf("bridge received %+v", m)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 reply"}
	sendMsg(t, bridge, signal.Answer(answer))

	m = readMsg(t, client)
	if m.Type != signal.TypeSDPAnswer || m.Answer == nil || m.Answer.SDP != "v=0 reply" {
		t.Fatalf("client received %+v", m)
	}
}

func TestRelayAnswersPing(t *testing.T) {
	srv := newRelayServer(t)
	client := dialLeg(t, srv)

	sendMsg(t, client, signal.Ping())
	if m := readMsg(t, client); m.Type != signal.TypePong {
		t.Fatalf("got %+v, want pong", m)
	}
}

func TestRelayRejectsFrameBeforeInit(t *testing.T) {
	srv := newRelayServer(t)
	client := dialLeg(t, srv)

	sendMsg(t, client, signal.Offer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}))
	m := readMsg(t, client)
	if m.Type != signal.TypeError {
		t.Fatalf("got %+v, want error", m)
	}
}

func TestRelayReportsMissingPeer(t *testing.T) {
	srv := newRelayServer(t)
	client := dialLeg(t, srv)

	sendMsg(t, client, signal.Init("s-2", false))
	time.Sleep(50 * time.Millisecond)
	sendMsg(t, client, signal.Offer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "x"}))
	m := readMsg(t, client)
	if m.Type != signal.TypeError {
		t.Fatalf("got %+v, want error", m)
	}
}

func TestRelayRefusesThirdLeg(t *testing.T) {
	srv := newRelayServer(t)
	a := dialLeg(t, srv)
	b := dialLeg(t, srv)
	c := dialLeg(t, srv)

	sendMsg(t, a, signal.Init("s-3", false))
	sendMsg(t, b, signal.Init("s-3", false))
	time.Sleep(50 * time.Millisecond)
	sendMsg(t, c, signal.Init("s-3", false))

	m := readMsg(t, c)
	if m.Type != signal.TypeError {
		t.Fatalf("got %+v, want error", m)
	}
}

func TestRegistryPairing(t *testing.T) {
	r := NewRegistry()
	a, b := &Leg{}, &Leg{}

	if err := r.Join("s-1", a, nil); err != nil {
		t.Fatalf("Join(a) error = %v", err)
	}
	if _, ok := r.Peer("s-1", a); ok {
		t.Fatalf("peer must be absent before second join")
	}
	if err := r.Join("s-1", b, nil); err != nil {
		t.Fatalf("Join(b) error = %v", err)
	}
	if peer, ok := r.Peer("s-1", a); !ok || peer != b {
		t.Fatalf("peer of a = %v, want b", peer)
	}
	if err := r.Join("s-1", &Leg{}, nil); err == nil {
		t.Fatalf("third join must be refused")
	}

	r.Leave("s-1", a)
	if _, ok := r.Peer("s-1", b); ok {
		t.Fatalf("peer must be gone after leave")
	}
	r.Leave("s-1", b)
	if got := r.Sessions(); got != 0 {
		t.Fatalf("sessions = %d, want 0", got)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("s-1") {
			t.Fatalf("attempt %d must be allowed", i)
		}
	}
	if rl.Allow("s-1") {
		t.Fatalf("attempt over the limit must be refused")
	}
	if !rl.Allow("s-2") {
		t.Fatalf("other sessions are unaffected")
	}
	rl.Forget("s-1")
	if !rl.Allow("s-1") {
		t.Fatalf("history must reset after Forget")
	}
}
