package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/parleylabs/parley/internal/avatar"
	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/conn"
	"github.com/parleylabs/parley/internal/rtc"
	"github.com/parleylabs/parley/internal/signal"
	"github.com/parleylabs/parley/internal/transcript"

	"github.com/pion/webrtc/v4"
)

// RelaySession drives the proxied topology: the signaling channel carries
// SDP and ICE between this client and the provider-side bridge, and the
// peer connection carries media. In simulation mode only the channel is
// used; no peer connection is created.
type RelaySession struct {
	sessionID  string
	simulation bool

	chFSM       *conn.Machine
	peerFSM     *conn.Machine
	channel     *signal.Channel
	peer        *rtc.Peer
	chRetrier   *conn.Retrier
	peerRetrier *conn.Retrier

	transcripts *transcript.Manager
	avatarQ     *avatar.Queue
	observer    func(conn.State)

	mu           sync.Mutex
	alive        bool
	initializing bool
	ready        bool
	lastErr      string
	dispatching  bool
	quit         chan struct{}
	onTrack      func(*webrtc.TrackRemote)

	// Shared outbound audio handle, kept across peer reconnects.
	outTrack *webrtc.TrackLocalStaticSample
}

func NewRelaySession(
	cfg config.RelayConfig,
	sessionID string,
	simulation bool,
	policy conn.RetryPolicy,
	transcripts *transcript.Manager,
	avatarQ *avatar.Queue,
	observer func(conn.State),
) *RelaySession {
	s := &RelaySession{
		sessionID:   sessionID,
		simulation:  simulation,
		transcripts: transcripts,
		avatarQ:     avatarQ,
		observer:    observer,
		quit:        make(chan struct{}),
	}
	s.chFSM = conn.NewMachine(s.onStateChange)
	s.peerFSM = conn.NewMachine(s.onStateChange)

	s.chRetrier = conn.NewRetrier("signal", policy)
	s.channel = signal.NewChannel(cfg.URL, s.chFSM, s.chRetrier)
	if cfg.Heartbeat > 0 {
		s.channel.SetHeartbeat(cfg.Heartbeat)
	}
	if cfg.ConnectTimeout > 0 {
		s.channel.SetConnectTimeout(cfg.ConnectTimeout)
	}

	s.peerRetrier = conn.NewRetrier("peer", policy)
	s.peer = rtc.NewPeer(sessionID, s.peerFSM, s.peerRetrier)
	s.peer.SetSimulation(simulation)
	s.peer.OnReinitialize(s.reconnectPeer)
	s.peer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.handleRemoteTrack(track)
	})
	return s
}

// OnRemoteTrack sets the consumer for incoming provider media. Tracks
// arriving after Cleanup are dropped.
func (s *RelaySession) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *RelaySession) handleRemoteTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	fn := s.onTrack
	alive := s.alive
	s.mu.Unlock()
	if alive && fn != nil {
		fn(track)
	}
}

// onStateChange republishes the combined state whenever either owned
// transport moves.
func (s *RelaySession) onStateChange(conn.State) {
	if s.observer != nil {
		s.observer(s.State())
	}
}

func (s *RelaySession) Initialize(ctx context.Context) error {
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

	if err := s.channel.Connect(ctx); err != nil {
		s.setErr(err.Error())
		return err
	}
	s.mu.Lock()
	startDispatch := !s.dispatching
	s.dispatching = true
	s.mu.Unlock()
	if startDispatch {
		go s.dispatch()
	}

	if err := s.channel.Send(signal.Init(s.sessionID, s.simulation)); err != nil {
		s.setErr(err.Error())
		return err
	}
	if s.simulation {
		// Simulation stops at the control plane; the relay answers with
		// scripted transcript events.
		s.mu.Lock()
		s.ready = true
		s.lastErr = ""
		s.mu.Unlock()
		log.Info().Str("module", "session").Str("sid", s.sessionID).Msg("relay simulation initialized")
		return nil
	}

	s.peer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if err := s.channel.Send(signal.Candidate(ci)); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("candidate forward failed")
		}
	})
	s.peer.OnRenegotiate(func(offer webrtc.SessionDescription) {
		if err := s.channel.Send(signal.Offer(offer)); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("restart offer forward failed")
		}
	})

	if err := s.ensureOutboundTrack(); err != nil {
		s.setErr(err.Error())
		return err
	}
	s.peerFSM.Reset()
	s.peerFSM.Set(conn.StateConnecting)
	if err := s.peer.Init(); err != nil {
		s.setErr(err.Error())
		return err
	}
	offer, err := s.peer.CreateOffer()
	if err != nil {
		s.setErr(err.Error())
		return err
	}
	if err := s.channel.Send(signal.Offer(offer)); err != nil {
		s.setErr(err.Error())
		return err
	}
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
	return nil
}

func (s *RelaySession) ensureOutboundTrack() error {
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

// dispatch is the single consumer of the channel's inbound message bus.
func (s *RelaySession) dispatch() {
	for {
		select {
		case <-s.quit:
			return
		case m := <-s.channel.Messages():
			s.handleMessage(m)
		}
	}
}

func (s *RelaySession) handleMessage(m signal.Message) {
	s.mu.Lock()
	alive := s.alive
	s.mu.Unlock()
	if !alive {
		return
	}
	switch m.Type {
	case signal.TypeSDPAnswer:
		if m.Answer == nil {
			log.Warn().Str("module", "session").Msg("sdp_answer without answer")
			return
		}
		if err := s.peer.ApplyAnswer(*m.Answer); err != nil {
			log.Error().Err(err).Str("module", "session").Msg("apply answer")
			return
		}
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
	case signal.TypeICECandidate:
		if m.Candidate == nil {
			return
		}
		if err := s.peer.AddICECandidate(*m.Candidate); err != nil {
			log.Error().Err(err).Str("module", "session").Msg("add ice candidate")
		}
	case signal.TypeError:
		log.Error().Str("module", "session").Str("error", m.Message).Msg("relay reported error")
		s.setErr(m.Message)
	default:
		// Transcript-delta events mirror the provider's own event names
		// and pass through the relay untouched.
		ev, err := ParseProviderEvent(m.Raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("unknown signal message dropped")
			return
		}
		s.routeProviderEvent(ev)
	}
}

func (s *RelaySession) routeProviderEvent(ev ProviderEvent) {
	switch ev.Type {
	case EventInputTranscriptComplete:
		s.transcripts.Save(ev.Transcript, transcript.SpeakerCandidate)
	case EventTranscriptDone:
		// The avatar queue already saw the deltas; only persistence is
		// left to do here.
		s.transcripts.Save(ev.Transcript, transcript.SpeakerAI)
	case EventTranscriptDelta:
		if s.avatarQ != nil {
			s.avatarQ.Add(ev.Delta)
		}
	default:
		log.Debug().Str("module", "session").Str("type", ev.Type).Msg("ignored relay event")
	}
}

func (s *RelaySession) reconnectPeer() {
	s.mu.Lock()
	alive := s.alive && !s.simulation
	s.mu.Unlock()
	if !alive {
		return
	}
	log.Info().Str("module", "session").Str("sid", s.sessionID).Msg("reinitializing relay peer")
	s.peer.Cleanup()
	s.peerFSM.Reset()
	s.peerFSM.Set(conn.StateConnecting)
	if err := s.peer.Init(); err != nil {
		s.setErr(err.Error())
		return
	}
	offer, err := s.peer.CreateOffer()
	if err != nil {
		s.setErr(err.Error())
		return
	}
	if err := s.channel.Send(signal.Offer(offer)); err != nil {
		s.setErr(err.Error())
	}
}

// State reports the combined connection state: connected only when the
// peer itself is connected; channel-only connectivity is ws_connected.
func (s *RelaySession) State() conn.State {
	if s.simulation {
		return s.chFSM.Get()
	}
	peerState := s.peerFSM.Get()
	switch peerState {
	case conn.StateDisconnected, conn.StateConnecting:
		chState := s.chFSM.Get()
		if chState == conn.StateWSConnected {
			return conn.StateWSConnected
		}
		return chState
	}
	return peerState
}

func (s *RelaySession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *RelaySession) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Cleanup tears down both owned transports. Safe against re-entrant
// calls during in-flight initialization and safe to call repeatedly.
func (s *RelaySession) Cleanup() {
	s.mu.Lock()
	wasAlive := s.alive
	s.alive = false
	s.ready = false
	if s.dispatching {
		s.dispatching = false
		close(s.quit)
	}
	s.mu.Unlock()

	if !wasAlive {
		return
	}
	s.channel.Disconnect()
	s.peer.Cleanup()
	s.peerFSM.Reset()
}

// StopRetrying turns off automatic reconnection on both transports.
func (s *RelaySession) StopRetrying() {
	s.chRetrier.Disable()
	s.peerRetrier.Disable()
}

func (s *RelaySession) RetryDisabled() bool {
	return s.chRetrier.Disabled() || s.peerRetrier.Disabled()
}

func (s *RelaySession) setErr(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}
