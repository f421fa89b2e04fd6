package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parleylabs/parley/internal/conn"
)

const (
	defaultHeartbeat      = 15 * time.Second
	defaultConnectTimeout = 10 * time.Second
	writeDeadline         = 5 * time.Second
	sendBuffer            = 32
	inboundBuffer         = 32
)

var (
	ErrBackpressure = errors.New("signal: backpressure")
	ErrNotConnected = errors.New("signal: not connected")
	ErrClosed       = errors.New("signal: channel closed")
)

// Channel is the persistent control-plane connection to the relay
// endpoint. It heartbeats, answers unsolicited pings, reconnects with
// backoff on abnormal closure and delivers inbound messages on a single
// typed channel consumed by one dispatch loop.
type Channel struct {
	url       string
	heartbeat time.Duration
	timeout   time.Duration
	fsm       *conn.Machine
	retrier   *conn.Retrier

	mu      sync.Mutex
	ws      *websocket.Conn
	send    chan []byte
	cancel  context.CancelFunc
	closing bool

	inbound chan Message
}

func NewChannel(url string, fsm *conn.Machine, retrier *conn.Retrier) *Channel {
	return &Channel{
		url:       url,
		heartbeat: defaultHeartbeat,
		timeout:   defaultConnectTimeout,
		fsm:       fsm,
		retrier:   retrier,
		inbound:   make(chan Message, inboundBuffer),
	}
}

// Messages is the inbound message bus. Closed never; drained by the
// owning orchestrator's dispatch loop.
func (c *Channel) Messages() <-chan Message { return c.inbound }

func (c *Channel) State() conn.State { return c.fsm.Get() }

// Connect dials the relay. The handshake is bounded by the connect
// timeout; failure moves the FSM to error and hands recovery to the
// retry controller.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.fsm.Set(conn.StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("url", c.url).Msg("dial failed")
		c.fsm.Set(conn.StateError)
		c.scheduleReconnect()
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		cancel()
		_ = ws.Close()
		return ErrClosed
	}
	if c.cancel != nil {
		c.cancel()
	}
	// The old read pump only notices us through its socket closing.
	old := c.ws
	c.ws = ws
	c.send = make(chan []byte, sendBuffer)
	c.cancel = cancel
	send := c.send
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	c.fsm.Set(conn.StateWSConnected)
	c.retrier.Reset()
	log.Info().Str("module", "signal").Str("url", c.url).Msg("connected")

	go c.writePump(pumpCtx, ws, send)
	go c.readPump(pumpCtx, ws)
	return nil
}

// Send is a best-effort synchronous attempt; it reports failure instead
// of blocking or panicking.
func (c *Channel) Send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.trySend(data)
}

func (c *Channel) trySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	if c.ws == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Disconnect closes the socket with the normal close code and suppresses
// any pending retry. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	ws := c.ws
	cancel := c.cancel
	c.ws = nil
	c.cancel = nil
	c.mu.Unlock()

	c.retrier.Disable()
	if ws != nil {
		deadline := time.Now().Add(writeDeadline)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.fsm.Reset()
	log.Info().Str("module", "signal").Msg("disconnected")
}

func (c *Channel) writePump(ctx context.Context, ws *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(Ping())
			if err != nil {
				continue
			}
			if err := c.write(ws, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("heartbeat write")
				return
			}
		case data := <-send:
			if err := c.write(ws, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("write error")
				return
			}
		}
	}
}

func (c *Channel) write(ws *websocket.Conn, data []byte) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) readPump(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.onReadError(ctx, ws, err)
			return
		}
		m, derr := Decode(data)
		if derr != nil {
			log.Error().Err(derr).Str("module", "signal").Msg("bad json, dropping")
			continue
		}
		switch m.Type {
		case TypePing:
			if perr := c.Send(Pong()); perr != nil {
				log.Warn().Err(perr).Str("module", "signal").Msg("pong send failed")
			}
		case TypePong:
			// Heartbeat ack, nothing to do.
		default:
			select {
			case c.inbound <- m:
			default:
				log.Warn().Str("module", "signal").Str("type", string(m.Type)).Msg("inbound full, dropping")
			}
		}
	}
}

func (c *Channel) onReadError(ctx context.Context, ws *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.ws == ws
	closing := c.closing
	if current {
		c.ws = nil
	}
	cancel := c.cancel
	if current {
		c.cancel = nil
	}
	c.mu.Unlock()

	if cancel != nil && current {
		cancel()
	}
	_ = ws.Close()

	if closing || !current || ctx.Err() != nil {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Info().Str("module", "signal").Msg("peer closed normally")
		c.fsm.Set(conn.StateDisconnected)
		return
	}
	log.Error().Err(err).Str("module", "signal").Msg("unexpected close")
	c.fsm.Set(conn.StateError)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}
	c.retrier.Schedule(func() {
		c.fsm.Reset()
		if err := c.Connect(context.Background()); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("reconnect failed")
		}
	})
}

// SetHeartbeat overrides the heartbeat interval. Call before Connect.
func (c *Channel) SetHeartbeat(d time.Duration) { c.heartbeat = d }

// SetConnectTimeout overrides the handshake window. Call before Connect.
func (c *Channel) SetConnectTimeout(d time.Duration) { c.timeout = d }
