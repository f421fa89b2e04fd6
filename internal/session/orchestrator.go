package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/parleylabs/parley/internal/audio"
	"github.com/parleylabs/parley/internal/avatar"
	"github.com/parleylabs/parley/internal/config"
	"github.com/parleylabs/parley/internal/conn"
	"github.com/parleylabs/parley/internal/transcript"
)

// Topology names accepted in configuration.
const (
	TopologyDirect     = "direct"
	TopologyRelay      = "relay"
	TopologySimulation = "simulation"
)

var ErrUnknownTopology = errors.New("session: unknown topology")

// topology is what the orchestrator needs from either sub-orchestrator.
type topology interface {
	Initialize(ctx context.Context) error
	Cleanup()
	OnRemoteTrack(fn func(*webrtc.TrackRemote))
	State() conn.State
	Ready() bool
	LastError() string
	StopRetrying()
	RetryDisabled() bool
}

// Provisioner performs the external session-provisioning call that must
// succeed before a live (non-simulation) session starts.
type Provisioner interface {
	Provision(ctx context.Context, sessionID string) error
}

// Deps carries the external collaborators the orchestrator wires into
// whichever topology it builds. Provisioner and AvatarSender may be nil.
type Deps struct {
	Issuer       TokenIssuer
	Exchanger    SDPExchanger
	Provisioner  Provisioner
	Store        transcript.Store
	AvatarSender avatar.Sender

	// OnTranscript receives each formatted "Speaker: text" line.
	OnTranscript func(string)
	// OnState receives every combined connection-state change.
	OnState func(conn.State)
}

// Status is the merged view over whichever topology is active.
type Status struct {
	SessionID             string
	Topology              string
	State                 conn.State
	Error                 string
	AudioLevel            int
	Recording             bool
	Ready                 bool
	AutoReconnectDisabled bool
}

// Orchestrator is the single entry point for one voice session. It owns
// the sub-orchestrator, the audio sampler, the transcript manager and
// the avatar queue, and enforces the one-live-resource rule: starting a
// new session always tears down the previous one first.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps

	mu           sync.Mutex
	sessionID    string
	active       topology
	transcripts  *transcript.Manager
	avatarQ      *avatar.Queue
	initializing bool

	sampler *audio.Sampler

	// build is replaceable in tests.
	build func(sessionID string, tm *transcript.Manager, q *avatar.Queue) topology
}

func NewOrchestrator(cfg *config.Config, deps Deps) *Orchestrator {
	o := &Orchestrator{cfg: cfg, deps: deps}
	o.sampler = audio.NewSampler(nil)
	o.build = o.buildTopology
	return o
}

func (o *Orchestrator) buildTopology(sessionID string, tm *transcript.Manager, q *avatar.Queue) topology {
	switch o.cfg.Topology {
	case TopologyDirect:
		return NewDirectSession(
			o.cfg.Provider, sessionID, o.cfg.TenantID, o.cfg.Retry,
			o.deps.Issuer, o.deps.Exchanger, tm, q, o.deps.OnState,
		)
	default:
		return NewRelaySession(
			o.cfg.Relay, sessionID, o.cfg.Topology == TopologySimulation,
			o.cfg.Retry, tm, q, o.deps.OnState,
		)
	}
}

// Initialize brings up a session end to end: it clears prior transcript
// state, provisions non-simulation sessions externally, delegates to the
// configured topology and starts audio level sampling. A second call
// while one is in flight is rejected, not queued. src may be nil; the
// session then runs without local audio rather than failing.
func (o *Orchestrator) Initialize(ctx context.Context, sessionID string, src audio.Source) error {
	o.mu.Lock()
	if o.initializing {
		o.mu.Unlock()
		return ErrInitializeInFlight
	}
	o.initializing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.initializing = false
		o.mu.Unlock()
	}()

	switch o.cfg.Topology {
	case TopologyDirect, TopologyRelay, TopologySimulation:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTopology, o.cfg.Topology)
	}

	o.teardown(ctx)

	simulation := o.cfg.Topology == TopologySimulation

	opts := []transcript.Option{
		transcript.WithBatchSize(o.cfg.Transcript.BatchSize),
		transcript.WithBatchTimeout(o.cfg.Transcript.BatchTimeout),
	}
	if o.deps.OnTranscript != nil {
		opts = append(opts, transcript.WithUpdateCallback(o.deps.OnTranscript))
	}
	if simulation {
		opts = append(opts, transcript.Ephemeral())
	}
	tm := transcript.NewManager(sessionID, o.deps.Store, opts...)

	var q *avatar.Queue
	if o.cfg.Avatar.Enabled && o.deps.AvatarSender != nil {
		q = avatar.NewQueue(o.deps.AvatarSender)
	}

	if !simulation && o.deps.Provisioner != nil {
		if err := o.deps.Provisioner.Provision(ctx, sessionID); err != nil {
			log.Error().Err(err).Str("module", "session").Str("sid", sessionID).Msg("session provisioning failed")
			return fmt.Errorf("provision session: %w", err)
		}
	}

	active := o.build(sessionID, tm, q)
	active.OnRemoteTrack(o.attachRemoteAudio)

	o.mu.Lock()
	o.sessionID = sessionID
	o.active = active
	o.transcripts = tm
	o.avatarQ = q
	o.mu.Unlock()

	if err := active.Initialize(ctx); err != nil {
		return err
	}

	if err := o.sampler.Start(src); err != nil {
		// Microphone trouble degrades to a silent session.
		log.Warn().Err(err).Str("module", "session").Msg("audio capture unavailable, continuing without level sampling")
	}

	log.Info().
		Str("module", "session").
		Str("sid", sessionID).
		Str("topology", o.cfg.Topology).
		Msg("session initialized")
	return nil
}

// attachRemoteAudio feeds provider media into the level sampler. Only
// audio tracks are consumed; a running local capture keeps priority.
func (o *Orchestrator) attachRemoteAudio(track *webrtc.TrackRemote) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	o.attachSource(audio.NewTrackSource(track, nil))
}

func (o *Orchestrator) attachSource(src audio.Source) {
	if o.sampler.Recording() {
		return
	}
	if err := o.sampler.Start(src); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("remote audio sampling unavailable")
	}
}

// teardown releases everything owned by the previous session. Callers
// hold no locks. The sampler stops before anything else so no late
// level write survives the session.
func (o *Orchestrator) teardown(ctx context.Context) {
	o.sampler.Stop()

	o.mu.Lock()
	active := o.active
	tm := o.transcripts
	q := o.avatarQ
	o.active = nil
	o.transcripts = nil
	o.avatarQ = nil
	o.sessionID = ""
	o.mu.Unlock()

	if active != nil {
		active.Cleanup()
	}
	if q != nil {
		q.Finalize()
	}
	if tm != nil {
		if err := tm.Close(ctx); err != nil {
			log.Error().Err(err).Str("module", "session").Msg("transcript close")
		}
	}
}

// Cleanup tears the session down and resets the entity. Idempotent.
func (o *Orchestrator) Cleanup(ctx context.Context) {
	o.teardown(ctx)
}

// Status merges the sub-orchestrator, sampler and retry views into one
// snapshot, regardless of the active topology.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	active := o.active
	st := Status{
		SessionID: o.sessionID,
		Topology:  o.cfg.Topology,
	}
	o.mu.Unlock()

	st.AudioLevel = o.sampler.Level()
	st.Recording = o.sampler.Recording()
	if active == nil {
		st.State = conn.StateDisconnected
		return st
	}
	st.State = active.State()
	st.Error = active.LastError()
	st.Ready = active.Ready()
	st.AutoReconnectDisabled = active.RetryDisabled()
	return st
}

// StopRetrying is the user's manual control once automatic reconnects
// are unwanted. No-op when no session is active.
func (o *Orchestrator) StopRetrying() {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active != nil {
		active.StopRetrying()
	}
}

// Transcripts exposes the live transcript manager, nil when no session
// is active.
func (o *Orchestrator) Transcripts() *transcript.Manager {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transcripts
}
