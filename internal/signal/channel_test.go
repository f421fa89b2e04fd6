package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleylabs/parley/internal/conn"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// relayStub records received messages and can push messages back.
type relayStub struct {
	t        *testing.T
	srv      *httptest.Server
	received chan Message
	outgoing chan Message
}

func newRelayStub(t *testing.T) *relayStub {
	s := &relayStub{
		t:        t,
		received: make(chan Message, 16),
		outgoing: make(chan Message, 16),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		go func() {
			for m := range s.outgoing {
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
			m, err := Decode(data)
			if err != nil {
				continue
			}
			s.received <- m
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *relayStub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func newTestChannel(url string) *Channel {
	fsm := conn.NewMachine(nil)
	retrier := conn.NewRetrier("signal", conn.RetryPolicy{
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 1,
		MaxRetries:    3,
	})
	return NewChannel(url, fsm, retrier)
}

func TestChannelConnectAndSend(t *testing.T) {
	stub := newRelayStub(t)
	c := newTestChannel(stub.wsURL())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := c.State(); got != conn.StateWSConnected {
		t.Fatalf("state = %s, want ws_connected", got)
	}
	if err := c.Send(Init("s-1", true)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case m := <-stub.received:
		if m.Type != TypeInit || m.SessionID != "s-1" || !m.SimulationMode {
			t.Fatalf("relay received %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("relay never received init")
	}
	c.Disconnect()
	if got := c.State(); got != conn.StateDisconnected {
		t.Fatalf("state after disconnect = %s", got)
	}
}

func TestChannelAnswersPing(t *testing.T) {
	stub := newRelayStub(t)
	c := newTestChannel(stub.wsURL())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	stub.outgoing <- Ping()
	deadline := time.After(time.Second)
	for {
		select {
		case m := <-stub.received:
			if m.Type == TypePong {
				return
			}
		case <-deadline:
			t.Fatalf("no pong received")
		}
	}
}

func TestChannelDeliversInbound(t *testing.T) {
	stub := newRelayStub(t)
	c := newTestChannel(stub.wsURL())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	stub.outgoing <- Message{Type: TypeError, Message: "boom"}
	select {
	case m := <-c.Messages():
		if m.Type != TypeError || m.Message != "boom" {
			t.Fatalf("inbound = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("inbound message never delivered")
	}
}

func TestChannelReconnectClosesPreviousSocket(t *testing.T) {
	var mu sync.Mutex
	open := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		open++
		mu.Unlock()
		defer func() {
			ws.Close()
			mu.Lock()
			open--
			mu.Unlock()
		}()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newTestChannel("ws" + strings.TrimPrefix(srv.URL, "http"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	defer c.Disconnect()

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := open
		mu.Unlock()
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("server-side open sockets = %d, want 1 after reconnect", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChannelDialFailureSchedulesRetry(t *testing.T) {
	fsm := conn.NewMachine(nil)
	retrier := conn.NewRetrier("signal", conn.RetryPolicy{
		InitialDelay:  time.Hour, // never fires during the test
		MaxDelay:      time.Hour,
		BackoffFactor: 1,
		MaxRetries:    3,
	})
	c := NewChannel("ws://127.0.0.1:1/ws", fsm, retrier)
	c.SetConnectTimeout(200 * time.Millisecond)
	if err := c.Connect(context.Background()); err == nil {
		t.Fatalf("Connect() to dead endpoint should fail")
	}
	if got := fsm.Get(); got != conn.StateError {
		t.Fatalf("state = %s, want error", got)
	}
	if got := retrier.Count(); got != 1 {
		t.Fatalf("retry count = %d, want 1", got)
	}
}

func TestChannelSendWhenDisconnected(t *testing.T) {
	c := newTestChannel("ws://127.0.0.1:1/ws")
	if err := c.Send(Ping()); err == nil {
		t.Fatalf("Send() before connect should report failure")
	}
}
