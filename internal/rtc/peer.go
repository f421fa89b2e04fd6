package rtc

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/parleylabs/parley/internal/conn"
)

const iceDisconnectGrace = 5 * time.Second

var ErrNoPeerConnection = errors.New("rtc: no peer connection")

func DefaultConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Peer owns exactly one media/data peer connection on the offering side.
// ICE and connection state changes are mapped onto the shared FSM;
// recovery goes through the retry controller.
type Peer struct {
	mu  sync.Mutex
	pc  *webrtc.PeerConnection
	sid string

	fsm     *conn.Machine
	retrier *conn.Retrier

	simulation bool
	outTrack   webrtc.TrackLocal

	onICE         func(webrtc.ICECandidateInit)
	onTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onRenegotiate func(webrtc.SessionDescription)
	reinit        func()

	restartTried bool
	graceTimer   *time.Timer
	senders      []*webrtc.RTPSender
}

func NewPeer(sid string, fsm *conn.Machine, retrier *conn.Retrier) *Peer {
	return &Peer{sid: sid, fsm: fsm, retrier: retrier}
}

// SetSimulation switches to the no-microphone mode: a receive-only audio
// transceiver is registered instead of a local track.
func (p *Peer) SetSimulation(v bool) { p.simulation = v }

// SetOutboundTrack attaches the session-owned outbound audio track. The
// caller keeps the handle across reconnects so playback never restarts.
func (p *Peer) SetOutboundTrack(t webrtc.TrackLocal) { p.outTrack = t }

// OnICECandidate sets the callback for newly gathered local candidates.
func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) { p.onICE = fn }

// OnTrack sets the callback for incoming remote media tracks. Tracks are
// surfaced to the owning orchestrator, never consumed here.
func (p *Peer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { p.onTrack = fn }

// OnRenegotiate receives the fresh local offer produced by an in-place
// ICE restart; the orchestrator re-signals it over its transport.
func (p *Peer) OnRenegotiate(fn func(webrtc.SessionDescription)) { p.onRenegotiate = fn }

// OnReinitialize sets the full re-initialization action run through the
// retry controller when in-place recovery is exhausted.
func (p *Peer) OnReinitialize(fn func()) { p.reinit = fn }

// Init creates the peer connection and wires state, candidate and track
// callbacks. Any previous connection is torn down first.
func (p *Peer) Init() error {
	p.Cleanup()

	pc, err := webrtc.NewPeerConnection(DefaultConfig())
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.pc = pc
	p.restartTried = false
	p.mu.Unlock()

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		p.handleICEState(pc, s)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", p.sid).Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed {
			p.fsm.Set(conn.StateConnectionFailed)
			p.scheduleReinit()
		}
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && p.onICE != nil {
			p.onICE(cand.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("sid", p.sid).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if p.onTrack != nil {
			p.onTrack(track, receiver)
		}
	})

	if p.simulation {
		_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		if err != nil {
			return err
		}
		log.Info().Str("module", "rtc").Str("sid", p.sid).Msg("simulation mode, recvonly audio")
		return nil
	}
	if p.outTrack != nil {
		sender, err := pc.AddTrack(p.outTrack)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.senders = append(p.senders, sender)
		p.mu.Unlock()
	}
	return nil
}

func (p *Peer) handleICEState(pc *webrtc.PeerConnection, s webrtc.ICEConnectionState) {
	log.Info().Str("module", "rtc").Str("sid", p.sid).Str("ice_state", s.String()).Msg("ICE state")
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.stopGraceTimer()
		p.mu.Lock()
		p.restartTried = false
		p.mu.Unlock()
		p.fsm.Set(conn.StateConnected)
		p.retrier.Reset()
	case webrtc.ICEConnectionStateDisconnected:
		p.fsm.Set(conn.StateICEDisconnected)
		p.startGraceTimer()
	case webrtc.ICEConnectionStateFailed:
		p.mu.Lock()
		tried := p.restartTried
		p.restartTried = true
		p.mu.Unlock()
		if !tried {
			p.restartICE(pc)
			return
		}
		p.fsm.Set(conn.StateICEFailed)
		p.scheduleReinit()
	}
}

// restartICE attempts an in-place recovery before any full
// re-initialization: a new offer with an ICE restart is produced and
// handed back for re-signaling.
func (p *Peer) restartICE(pc *webrtc.PeerConnection) {
	log.Info().Str("module", "rtc").Str("sid", p.sid).Msg("attempting ICE restart")
	if p.onRenegotiate == nil {
		p.fsm.Set(conn.StateICEFailed)
		p.scheduleReinit()
		return
	}
	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", p.sid).Msg("ICE restart failed")
		p.fsm.Set(conn.StateICEFailed)
		p.scheduleReinit()
		return
	}
	p.onRenegotiate(offer)
}

func (p *Peer) startGraceTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	p.graceTimer = time.AfterFunc(iceDisconnectGrace, func() {
		if p.fsm.Get() != conn.StateICEDisconnected {
			return
		}
		log.Warn().Str("module", "rtc").Str("sid", p.sid).Msg("ICE still disconnected after grace window")
		p.fsm.Set(conn.StateICEFailed)
		p.scheduleReinit()
	})
}

func (p *Peer) stopGraceTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
}

func (p *Peer) scheduleReinit() {
	if p.reinit == nil {
		return
	}
	p.retrier.Schedule(p.reinit)
}

// CreateOffer produces and installs the local description.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	pc := p.connection()
	if pc == nil {
		return webrtc.SessionDescription{}, ErrNoPeerConnection
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// WaitForICEGathering blocks until gathering completes or the bound
// elapses, whichever comes first. Proceeding on timeout is deliberate:
// the gathered subset is usually enough and the handshake must not hang.
func (p *Peer) WaitForICEGathering(bound time.Duration) {
	pc := p.connection()
	if pc == nil {
		return
	}
	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-time.After(bound):
		log.Warn().Str("module", "rtc").Str("sid", p.sid).Dur("bound", bound).Msg("ICE gathering timed out, proceeding")
	}
}

// LocalDescription returns the current local SDP, nil before CreateOffer.
func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	pc := p.connection()
	if pc == nil {
		return nil
	}
	return pc.LocalDescription()
}

// HandleAnswer applies the remote answer SDP.
func (p *Peer) HandleAnswer(sdp string) error {
	return p.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *Peer) ApplyAnswer(desc webrtc.SessionDescription) error {
	pc := p.connection()
	if pc == nil {
		return ErrNoPeerConnection
	}
	return pc.SetRemoteDescription(desc)
}

func (p *Peer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	pc := p.connection()
	if pc == nil {
		return ErrNoPeerConnection
	}
	return pc.AddICECandidate(ci)
}

// CreateDataChannel opens a control-message channel on the connection.
func (p *Peer) CreateDataChannel(label string) (*webrtc.DataChannel, error) {
	pc := p.connection()
	if pc == nil {
		return nil, ErrNoPeerConnection
	}
	return pc.CreateDataChannel(label, nil)
}

// Cleanup stops local tracks, closes the connection and nils all handles.
// Idempotent, safe to call multiple times.
func (p *Peer) Cleanup() {
	p.stopGraceTimer()

	p.mu.Lock()
	pc := p.pc
	senders := p.senders
	p.pc = nil
	p.senders = nil
	p.mu.Unlock()

	if pc == nil {
		return
	}
	for _, s := range senders {
		if err := s.Stop(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("sid", p.sid).Msg("sender stop")
		}
	}
	if err := pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", p.sid).Msg("close error")
		return
	}
	log.Info().Str("module", "rtc").Str("sid", p.sid).Msg("closed")
}

func (p *Peer) connection() *webrtc.PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc
}
