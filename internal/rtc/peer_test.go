package rtc

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parleylabs/parley/internal/conn"
)

func newTestPeer(t *testing.T) (*Peer, *conn.Machine, *conn.Retrier) {
	t.Helper()
	fsm := conn.NewMachine(nil)
	retrier := conn.NewRetrier("peer", conn.RetryPolicy{
		InitialDelay:  time.Hour, // pending timers never fire in tests
		MaxDelay:      time.Hour,
		BackoffFactor: 1,
		MaxRetries:    3,
	})
	p := NewPeer("sid-test", fsm, retrier)
	t.Cleanup(p.Cleanup)
	return p, fsm, retrier
}

func TestPeerOfferLifecycle(t *testing.T) {
	p, _, _ := newTestPeer(t)
	p.SetSimulation(true)
	if err := p.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	offer, err := p.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		t.Fatalf("unexpected offer %+v", offer.Type)
	}
	if p.LocalDescription() == nil {
		t.Fatalf("local description not installed")
	}
}

func TestPeerOperationsWithoutInit(t *testing.T) {
	p, _, _ := newTestPeer(t)
	if _, err := p.CreateOffer(); err != ErrNoPeerConnection {
		t.Fatalf("CreateOffer() error = %v, want ErrNoPeerConnection", err)
	}
	if err := p.HandleAnswer("v=0"); err != ErrNoPeerConnection {
		t.Fatalf("HandleAnswer() error = %v, want ErrNoPeerConnection", err)
	}
	if err := p.AddICECandidate(webrtc.ICECandidateInit{}); err != ErrNoPeerConnection {
		t.Fatalf("AddICECandidate() error = %v, want ErrNoPeerConnection", err)
	}
}

func TestPeerCleanupIdempotent(t *testing.T) {
	p, _, _ := newTestPeer(t)
	p.SetSimulation(true)
	if err := p.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	p.Cleanup()
	p.Cleanup()
	if _, err := p.CreateOffer(); err != ErrNoPeerConnection {
		t.Fatalf("peer should be fully torn down after cleanup")
	}
}

func TestPeerDataChannel(t *testing.T) {
	p, _, _ := newTestPeer(t)
	p.SetSimulation(true)
	if err := p.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	dc, err := p.CreateDataChannel("events")
	if err != nil {
		t.Fatalf("CreateDataChannel() error = %v", err)
	}
	if dc.Label() != "events" {
		t.Fatalf("label = %q", dc.Label())
	}
}

// First ICE failure attempts an in-place restart; only the second failure
// schedules a full re-initialization.
func TestPeerICEFailureRestartsBeforeReinit(t *testing.T) {
	p, fsm, retrier := newTestPeer(t)
	p.SetSimulation(true)

	renegotiated := 0
	p.OnRenegotiate(func(webrtc.SessionDescription) { renegotiated++ })
	p.OnReinitialize(func() {})

	if err := p.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := p.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer() error = %v", err)
	}
	fsm.Set(conn.StateConnecting)
	fsm.Set(conn.StateConnected)

	p.handleICEState(p.connection(), webrtc.ICEConnectionStateFailed)
	if renegotiated != 1 {
		t.Fatalf("renegotiations = %d, want 1 (in-place restart first)", renegotiated)
	}
	if got := retrier.Count(); got != 0 {
		t.Fatalf("retry scheduled before in-place restart was exhausted")
	}

	p.handleICEState(p.connection(), webrtc.ICEConnectionStateFailed)
	if got := retrier.Count(); got != 1 {
		t.Fatalf("retry count = %d, want 1 after second failure", got)
	}
	if got := fsm.Get(); got != conn.StateICEFailed {
		t.Fatalf("state = %s, want ice_failed", got)
	}
}

func TestPeerConnectedResetsRetries(t *testing.T) {
	p, fsm, retrier := newTestPeer(t)
	p.SetSimulation(true)
	p.OnReinitialize(func() {})
	if err := p.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	retrier.Schedule(func() {})
	fsm.Set(conn.StateConnecting)

	p.handleICEState(p.connection(), webrtc.ICEConnectionStateConnected)
	if got := fsm.Get(); got != conn.StateConnected {
		t.Fatalf("state = %s, want connected", got)
	}
	if got := retrier.Count(); got != 0 {
		t.Fatalf("retry count = %d, want 0 after successful connect", got)
	}
}
