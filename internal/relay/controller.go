package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parleylabs/parley/internal/signal"
)

const (
	frameLimit    = 200
	frameInterval = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller owns the signaling endpoint: it upgrades connections, pairs
// legs by session id and forwards frames between them. SDP, candidates
// and transcript events pass through opaque; only init and ping are
// interpreted here.
type Controller struct {
	registry *Registry
	limiter  *RateLimiter
}

func NewController(registry *Registry) *Controller {
	return &Controller{
		registry: registry,
		limiter:  NewRateLimiter(frameLimit, frameInterval),
	}
}

// legState is the per-connection view: the leg plus the session it
// joined, once init arrives.
type legState struct {
	leg         *Leg
	cancel      context.CancelFunc
	clientToken string

	mu        sync.Mutex
	sessionID string
}

func (s *legState) session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *legState) bind(sessionID string) {
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ct := c.GetString("client_token")
	log.Info().Str("module", "relay").Str("ct", ct).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	state := &legState{
		leg:         NewLeg(ws),
		cancel:      cancel,
		clientToken: ct,
	}

	go state.leg.writePump(ctx)
	go func() {
		state.leg.readPump(ctx, ct, func(data []byte) { ctl.handleFrame(state, data) })
		ctl.detach(state)
	}()
}

func (ctl *Controller) handleFrame(state *legState, data []byte) {
	m, err := signal.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad json")
		return
	}

	switch m.Type {
	case signal.TypeInit:
		ctl.handleInit(state, m)
	case signal.TypePing:
		ctl.sendJSON(state.leg, signal.Pong())
	case signal.TypePong:
	default:
		ctl.forward(state, m)
	}
}

func (ctl *Controller) handleInit(state *legState, m signal.Message) {
	if m.SessionID == "" {
		ctl.sendError(state.leg, "init without sessionId")
		return
	}
	if err := ctl.registry.Join(m.SessionID, state.leg, state.cancel); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("sid", m.SessionID).Msg("join refused")
		ctl.sendError(state.leg, err.Error())
		return
	}
	state.bind(m.SessionID)
	if m.SimulationMode {
		ctl.registry.SetSimulation(m.SessionID, true)
	}
	log.Info().
		Str("module", "relay").
		Str("sid", m.SessionID).
		Bool("simulation", m.SimulationMode).
		Msg("leg initialized")
}

// forward hands any non-control frame to the session's other leg
// unchanged. Frames arriving before init, or before the peer leg joins,
// are answered with an error.
func (ctl *Controller) forward(state *legState, m signal.Message) {
	sid := state.session()
	if sid == "" {
		ctl.sendError(state.leg, "not initialized")
		return
	}
	if !ctl.limiter.Allow(sid) {
		log.Warn().Str("module", "relay").Str("sid", sid).Msg("rate limited, frame dropped")
		return
	}
	peer, ok := ctl.registry.Peer(sid, state.leg)
	if !ok {
		ctl.sendError(state.leg, "no peer leg for session")
		return
	}
	if err := peer.TrySend(m.Raw); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("sid", sid).Str("type", string(m.Type)).Msg("forward dropped")
	}
}

func (ctl *Controller) detach(state *legState) {
	state.cancel()
	if sid := state.session(); sid != "" {
		ctl.registry.Leave(sid, state.leg)
		if _, ok := ctl.registry.Peer(sid, state.leg); !ok {
			ctl.limiter.Forget(sid)
		}
	}
}

func (ctl *Controller) sendError(l *Leg, msg string) {
	ctl.sendJSON(l, signal.Message{Type: signal.TypeError, Message: msg})
}

func (ctl *Controller) sendJSON(l *Leg, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("sendJSON marshal")
		return
	}
	_ = l.TrySend(b)
}
