package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/parleylabs/parley/internal/avatar"
	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/conn"
	"github.com/parleylabs/parley/internal/provider"
	"github.com/parleylabs/parley/internal/rtc"
	"github.com/parleylabs/parley/internal/transcript"
)

const dataChannelLabel = "oai-events"

var (
	ErrInitializeInFlight = errors.New("session: initialize already in flight")
	ErrMissingCredentials = errors.New("session: missing session or tenant id")
)

// TokenIssuer mints the single-use ephemeral provider credential.
type TokenIssuer interface {
	Issue(ctx context.Context, req provider.TokenRequest) (token, model string, err error)
}

// SDPExchanger trades the local offer for the provider's answer.
type SDPExchanger interface {
	ExchangeSDP(ctx context.Context, token, model, offerSDP string) (string, error)
}

// DirectSession drives the direct topology: one peer connection straight
// to the AI provider, control messages on a data channel, no relay hop.
type DirectSession struct {
	cfg       config.ProviderConfig
	sessionID string
	tenantID  string

	fsm       *conn.Machine
	retrier   *conn.Retrier
	peer      *rtc.Peer
	issuer    TokenIssuer
	exchanger SDPExchanger

	transcripts *transcript.Manager
	avatarQ     *avatar.Queue

	mu           sync.Mutex
	alive        bool
	initializing bool
	ready        bool
	lastErr      string
	dc           *webrtc.DataChannel
	deltas       map[string]*strings.Builder
	timers       []*time.Timer
	onTrack      func(*webrtc.TrackRemote)

	// Shared outbound audio handle: created lazily once, reset rather
	// than recreated on reconnect so playback never audibly restarts.
	outTrack *webrtc.TrackLocalStaticSample
}

func NewDirectSession(
	cfg config.ProviderConfig,
	sessionID, tenantID string,
	policy conn.RetryPolicy,
	issuer TokenIssuer,
	exchanger SDPExchanger,
	transcripts *transcript.Manager,
	avatarQ *avatar.Queue,
	observer func(conn.State),
) *DirectSession {
	s := &DirectSession{
		cfg:         cfg,
		sessionID:   sessionID,
		tenantID:    tenantID,
		fsm:         conn.NewMachine(observer),
		retrier:     conn.NewRetrier("direct", policy),
		issuer:      issuer,
		exchanger:   exchanger,
		transcripts: transcripts,
		avatarQ:     avatarQ,
		deltas:      make(map[string]*strings.Builder),
	}
	s.peer = rtc.NewPeer(sessionID, s.fsm, s.retrier)
	s.peer.OnReinitialize(s.reconnect)
	s.peer.OnRenegotiate(s.renegotiate)
	s.peer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(track)
	})
	return s
}

// OnRemoteTrack sets the consumer for incoming provider media. Tracks
// arriving after Cleanup are dropped.
func (s *DirectSession) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *DirectSession) handleRemoteTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	fn := s.onTrack
	alive := s.alive
	s.mu.Unlock()
	if alive && fn != nil {
		fn(track)
	}
}

// Initialize performs the full direct handshake. Empty credential input
// fails immediately with an error state and zero network calls.
func (s *DirectSession) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initializing {
		s.mu.Unlock()
		return ErrInitializeInFlight
	}
	s.initializing = true
	s.alive = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.initializing = false
		s.mu.Unlock()
	}()

	s.fsm.Reset()
	s.fsm.Set(conn.StateConnecting)

	if s.sessionID == "" || s.tenantID == "" {
		s.fail(ErrMissingCredentials.Error())
		return ErrMissingCredentials
	}

	if err := s.ensureOutboundTrack(); err != nil {
		s.fail(err.Error())
		return err
	}
	if err := s.peer.Init(); err != nil {
		s.fail(err.Error())
		return err
	}

	dc, err := s.peer.CreateDataChannel(dataChannelLabel)
	if err != nil {
		s.fail(err.Error())
		return err
	}
	dc.OnOpen(func() { s.configure(dc) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { s.handleEvent(msg.Data) })
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	if _, err := s.peer.CreateOffer(); err != nil {
		s.fail(err.Error())
		return err
	}
	s.peer.WaitForICEGathering(s.cfg.ICEGatherTimeout)
	local := s.peer.LocalDescription()
	if local == nil {
		s.fail("no local description")
		return rtc.ErrNoPeerConnection
	}

	token, model, err := s.issuer.Issue(ctx, provider.TokenRequest{
		Model:     s.cfg.Model,
		Voice:     s.cfg.Voice,
		SessionID: s.sessionID,
		TenantID:  s.tenantID,
	})
	if err != nil {
		// Provisioning failures need a fresh initialize, not a reconnect.
		s.fail(err.Error())
		return err
	}
	if model == "" {
		model = s.cfg.Model
	}

	answer, err := s.exchanger.ExchangeSDP(ctx, token, model, local.SDP)
	if err != nil {
		s.fail(err.Error())
		return err
	}
	if err := s.peer.HandleAnswer(answer); err != nil {
		s.fail(err.Error())
		return err
	}

	s.mu.Lock()
	s.ready = true
	s.lastErr = ""
	s.mu.Unlock()
	log.Info().Str("module", "session").Str("sid", s.sessionID).Msg("direct handshake complete")
	return nil
}

func (s *DirectSession) ensureOutboundTrack() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outTrack == nil {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "parley",
		)
		if err != nil {
			return err
		}
		s.outTrack = track
	}
	s.peer.SetOutboundTrack(s.outTrack)
	return nil
}

// configure runs on data-channel open: one session-configuration message,
// then the start message after a short delay, then the near-expiry
// refresh warning.
func (s *DirectSession) configure(dc *webrtc.DataChannel) {
	if err := sendJSON(dc, newSessionUpdate(s.cfg.Voice, s.cfg.Instructions)); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("session.update send")
		return
	}
	s.afterFunc(s.cfg.StartDelay, func() {
		if err := sendJSON(dc, responseCreate{Type: "response.create"}); err != nil {
			log.Error().Err(err).Str("module", "session").Msg("start message send")
		}
	})
	if s.cfg.RefreshWarnAfter > 0 {
		s.afterFunc(s.cfg.RefreshWarnAfter, func() {
			warn := responseCreate{
				Type: "response.create",
				Response: &responseCreateInner{
					Instructions: "Let the user know the session will refresh shortly and that the conversation will continue afterwards.",
				},
			}
			if err := sendJSON(dc, warn); err != nil {
				log.Error().Err(err).Str("module", "session").Msg("refresh warning send")
			}
		})
	}
}

// afterFunc runs fn after d unless the session is torn down first.
func (s *DirectSession) afterFunc(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return
	}
	timer := time.AfterFunc(d, func() {
		s.mu.Lock()
		alive := s.alive
		s.mu.Unlock()
		if alive {
			fn()
		}
	})
	s.timers = append(s.timers, timer)
}

// handleEvent dispatches one inbound data-channel message. Malformed
// payloads are logged and dropped, never escalated.
func (s *DirectSession) handleEvent(data []byte) {
	ev, err := ParseProviderEvent(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("malformed provider event dropped")
		return
	}
	switch ev.Type {
	case EventSessionCreated:
		log.Info().Str("module", "session").Str("sid", s.sessionID).Msg("provider session created")
	case EventInputTranscriptComplete:
		s.transcripts.Save(ev.Transcript, transcript.SpeakerCandidate)
	case EventTranscriptDelta:
		s.mu.Lock()
		buf, ok := s.deltas[ev.ResponseID]
		if !ok {
			buf = &strings.Builder{}
			s.deltas[ev.ResponseID] = buf
		}
		buf.WriteString(ev.Delta)
		s.mu.Unlock()
		if s.avatarQ != nil {
			s.avatarQ.Add(ev.Delta)
		}
	case EventTranscriptDone:
		s.flushResponse(ev.ResponseID, ev.Transcript)
	case EventResponseDone:
		s.flushResponse(ev.ResponseID, "")
	case EventError:
		msg := "provider error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		log.Error().Str("module", "session").Str("sid", s.sessionID).Str("error", msg).Msg("provider reported error")
	default:
		log.Debug().Str("module", "session").Str("type", ev.Type).Msg("unhandled provider event")
	}
}

// flushResponse writes the accumulated assistant transcript for one
// response to the transcript manager, exactly once.
func (s *DirectSession) flushResponse(responseID, full string) {
	s.mu.Lock()
	text := full
	if buf, ok := s.deltas[responseID]; ok {
		if text == "" {
			text = buf.String()
		}
		delete(s.deltas, responseID)
	} else if text == "" {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.transcripts.Save(text, transcript.SpeakerAI)
}

// renegotiate re-signals the restart offer produced by an in-place ICE
// restart: a fresh token is issued and the offer exchanged for a new
// answer. Failures are logged only; a second ICE failure escalates to
// the full reinitialize path on its own.
func (s *DirectSession) renegotiate(offer webrtc.SessionDescription) {
	s.mu.Lock()
	alive := s.alive
	s.mu.Unlock()
	if !alive {
		return
	}
	ctx := context.Background()
	token, model, err := s.issuer.Issue(ctx, provider.TokenRequest{
		Model:     s.cfg.Model,
		Voice:     s.cfg.Voice,
		SessionID: s.sessionID,
		TenantID:  s.tenantID,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("sid", s.sessionID).Msg("restart token issue")
		return
	}
	if model == "" {
		model = s.cfg.Model
	}
	answer, err := s.exchanger.ExchangeSDP(ctx, token, model, offer.SDP)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("sid", s.sessionID).Msg("restart SDP exchange")
		return
	}
	if err := s.peer.HandleAnswer(answer); err != nil {
		log.Error().Err(err).Str("module", "session").Str("sid", s.sessionID).Msg("restart answer apply")
		return
	}
	log.Info().Str("module", "session").Str("sid", s.sessionID).Msg("ICE restart re-signaled")
}

// reconnect is the full re-initialization scheduled through the retry
// controller when in-place ICE recovery is exhausted.
func (s *DirectSession) reconnect() {
	s.mu.Lock()
	alive := s.alive
	s.mu.Unlock()
	if !alive {
		return
	}
	log.Info().Str("module", "session").Str("sid", s.sessionID).Msg("reinitializing direct session")
	s.peer.Cleanup()
	if err := s.Initialize(context.Background()); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("reinitialize failed")
	}
}

// Cleanup cancels all timers, tears down the peer connection and resets
// state. Idempotent; late callbacks are rejected by the liveness flag.
func (s *DirectSession) Cleanup() {
	s.mu.Lock()
	s.alive = false
	s.ready = false
	timers := s.timers
	s.timers = nil
	s.dc = nil
	s.deltas = make(map[string]*strings.Builder)
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	s.retrier.Disable()
	s.peer.Cleanup()
	s.fsm.Reset()
}

func (s *DirectSession) State() conn.State { return s.fsm.Get() }

func (s *DirectSession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *DirectSession) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// StopRetrying is the caller-facing manual control once retries are
// exhausted or unwanted.
func (s *DirectSession) StopRetrying() { s.retrier.Disable() }

func (s *DirectSession) RetryDisabled() bool { return s.retrier.Disabled() }

func (s *DirectSession) fail(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.ready = false
	s.mu.Unlock()
	s.fsm.Set(conn.StateError)
}

func sendJSON(dc *webrtc.DataChannel, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return dc.SendText(string(data))
}
