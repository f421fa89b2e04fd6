package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const (
	sendQueueSize = 32
	writeDeadline = 5 * time.Second
)

// Leg is one websocket side of a relayed session: either the browser
// client or the provider-side bridge.
type Leg struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func NewLeg(conn *websocket.Conn) *Leg {
	return &Leg{
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
}

// TrySend queues a frame without blocking. A full queue means the peer
// is not draining; the frame is dropped and the caller told.
func (l *Leg) TrySend(data []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return errors.New("connection closed")
	}
	select {
	case l.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (l *Leg) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.send)
	_ = l.conn.Close()
	l.mu.Unlock()
}

func (l *Leg) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Msg("writePump ctx done")
			return
		case data, ok := <-l.send:
			if !ok {
				log.Warn().Str("module", "relay").Msg("writePump channel closed")
				return
			}
			if err := l.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (l *Leg) readPump(ctx context.Context, clientToken string, handle func([]byte)) {
	defer func() {
		log.Info().Str("module", "relay").Str("ct", clientToken).Msg("readPump closing")
		l.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "relay").Str("ct", clientToken).Msg("readPump ctx done")
			return
		default:
			_, data, err := l.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "relay").Str("ct", clientToken).Msg("readPump read error")
				}
				return
			}
			handle(data)
		}
	}
}
