package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/conn"
	"github.com/parleylabs/parley/internal/signal"
	"github.com/parleylabs/parley/internal/transcript"
)

var relayUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// relayEndpoint is a signaling-server stand-in for one client leg.
type relayEndpoint struct {
	srv      *httptest.Server
	received chan signal.Message
	outgoing chan signal.Message
}

func newRelayEndpoint(t *testing.T) *relayEndpoint {
	e := &relayEndpoint{
		received: make(chan signal.Message, 16),
		outgoing: make(chan signal.Message, 16),
	}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := relayUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		go func() {
			for m := range e.outgoing {
				data, _ := json.Marshal(m)
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			m, err := signal.Decode(data)
			if err != nil {
				continue
			}
			e.received <- m
		}
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *relayEndpoint) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

func (e *relayEndpoint) expect(t *testing.T, mt signal.MessageType) signal.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-e.received:
			if m.Type == mt {
				return m
			}
		case <-deadline:
			t.Fatalf("never received %s", mt)
		}
	}
}

func newRelayForTest(t *testing.T, endpoint *relayEndpoint, simulation bool) (*RelaySession, *transcript.Manager) {
	tm := transcript.NewManager("s-1", &memStore{})
	s := NewRelaySession(
		config.RelayConfig{URL: endpoint.wsURL(), ConnectTimeout: 2 * time.Second},
		"s-1", simulation,
		conn.RetryPolicy{InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1, MaxRetries: 3},
		tm, nil, nil,
	)
	t.Cleanup(s.Cleanup)
	return s, tm
}

func TestRelaySimulationInitialize(t *testing.T) {
	endpoint := newRelayEndpoint(t)
	s, _ := newRelayForTest(t, endpoint, true)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	init := endpoint.expect(t, signal.TypeInit)
	if init.SessionID != "s-1" || !init.SimulationMode {
		t.Fatalf("init = %+v", init)
	}
	if !s.Ready() {
		t.Fatalf("simulation session must be ready after init")
	}
	if got := s.State(); got != conn.StateWSConnected {
		t.Fatalf("state = %s, want ws_connected", got)
	}
}

func TestRelayLiveSendsOffer(t *testing.T) {
	endpoint := newRelayEndpoint(t)
	s, _ := newRelayForTest(t, endpoint, false)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	init := endpoint.expect(t, signal.TypeInit)
	if init.SimulationMode {
		t.Fatalf("live session must not announce simulation mode")
	}
	offer := endpoint.expect(t, signal.TypeSDPOffer)
	if offer.Offer == nil || offer.Offer.SDP == "" {
		t.Fatalf("offer = %+v", offer)
	}
	// Answer has not arrived; the session must not claim readiness and the
	// combined state reflects the channel being up.
	if s.Ready() {
		t.Fatalf("session must not be ready before sdp_answer")
	}
	if got := s.State(); got != conn.StateWSConnected {
		t.Fatalf("state = %s, want ws_connected", got)
	}
}

func TestRelayRoutesTranscriptEvents(t *testing.T) {
	endpoint := newRelayEndpoint(t)
	s, tm := newRelayForTest(t, endpoint, true)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	raw, _ := json.Marshal(map[string]string{
		"type":       EventInputTranscriptComplete,
		"transcript": "tell me about goroutines",
	})
	m, err := signal.Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	s.handleMessage(m)

	raw, _ = json.Marshal(map[string]string{
		"type":       EventTranscriptDone,
		"transcript": "a goroutine is a lightweight thread",
	})
	m, _ = signal.Decode(raw)
	s.handleMessage(m)

	hist := tm.History()
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Speaker != transcript.SpeakerCandidate || hist[1].Speaker != transcript.SpeakerAI {
		t.Fatalf("history = %+v", hist)
	}
}

func TestRelayErrorMessageSurfaced(t *testing.T) {
	endpoint := newRelayEndpoint(t)
	s, _ := newRelayForTest(t, endpoint, true)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	endpoint.outgoing <- signal.Message{Type: signal.TypeError, Message: "peer leg vanished"}

	deadline := time.After(2 * time.Second)
	for s.LastError() == "" {
		select {
		case <-deadline:
			t.Fatalf("relay error never surfaced")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := s.LastError(); got != "peer leg vanished" {
		t.Fatalf("last error = %q", got)
	}
}

func TestRelayForwardsRemoteTracks(t *testing.T) {
	endpoint := newRelayEndpoint(t)
	s, _ := newRelayForTest(t, endpoint, true)

	calls := 0
	s.OnRemoteTrack(func(*webrtc.TrackRemote) { calls++ })

	s.handleRemoteTrack(nil)
	if calls != 0 {
		t.Fatalf("tracks before initialize must be dropped")
	}

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	s.handleRemoteTrack(nil)
	if calls != 1 {
		t.Fatalf("track forward calls = %d, want 1", calls)
	}

	s.Cleanup()
	s.handleRemoteTrack(nil)
	if calls != 1 {
		t.Fatalf("tracks after cleanup must be dropped, calls = %d", calls)
	}
}

func TestRelayCleanupIdempotent(t *testing.T) {
	endpoint := newRelayEndpoint(t)
	s, _ := newRelayForTest(t, endpoint, true)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	s.Cleanup()
	s.Cleanup()
	if s.Ready() {
		t.Fatalf("cleanup must clear readiness")
	}
	if got := s.State(); got != conn.StateDisconnected {
		t.Fatalf("state after cleanup = %s, want disconnected", got)
	}
}
