package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrSessionFull = errors.New("relay: session already has both legs")

type legEntry struct {
	leg    *Leg
	cancel context.CancelFunc
}

// pair holds the up-to-two websocket legs of one session: the browser
// client and the provider-side bridge. Forwarding is symmetric, each leg
// talks to the other.
type pair struct {
	legs       []*legEntry
	simulation bool
}

// Registry tracks live session pairs. One session id maps to at most two
// legs; a third join is refused rather than queued.
type Registry struct {
	mu    sync.RWMutex
	pairs map[string]*pair
}

func NewRegistry() *Registry {
	return &Registry{pairs: make(map[string]*pair)}
}

// Join binds a leg to a session. The first leg creates the pair; the
// second completes it.
func (r *Registry) Join(sessionID string, leg *Leg, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[sessionID]
	if !ok {
		p = &pair{}
		r.pairs[sessionID] = p
	}
	if len(p.legs) >= 2 {
		return ErrSessionFull
	}
	p.legs = append(p.legs, &legEntry{leg: leg, cancel: cancel})
	log.Info().Str("module", "relay.registry").Str("sid", sessionID).Int("legs", len(p.legs)).Msg("leg joined")
	return nil
}

// Peer returns the other leg of the session, when present.
func (r *Registry) Peer(sessionID string, self *Leg) (*Leg, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[sessionID]
	if !ok {
		return nil, false
	}
	for _, e := range p.legs {
		if e.leg != self {
			return e.leg, true
		}
	}
	return nil, false
}

// Leave removes one leg. The pair is dropped once both legs are gone;
// the remaining leg's context is canceled so it can notice and retry.
func (r *Registry) Leave(sessionID string, self *Leg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pairs[sessionID]
	if !ok {
		return
	}
	kept := p.legs[:0]
	for _, e := range p.legs {
		if e.leg == self {
			continue
		}
		kept = append(kept, e)
	}
	p.legs = kept
	if len(p.legs) == 0 {
		delete(r.pairs, sessionID)
	}
	log.Info().Str("module", "relay.registry").Str("sid", sessionID).Int("legs", len(p.legs)).Msg("leg left")
}

func (r *Registry) SetSimulation(sessionID string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pairs[sessionID]; ok {
		p.simulation = v
	}
}

func (r *Registry) Simulation(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pairs[sessionID]
	return ok && p.simulation
}

// Cancel fires every leg's context for a session, detaching the pumps.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.RLock()
	p, ok := r.pairs[sessionID]
	var cancels []context.CancelFunc
	if ok {
		for _, e := range p.legs {
			if e.cancel != nil {
				cancels = append(cancels, e.cancel)
			}
		}
	}
	r.mu.RUnlock()
	if !ok {
		return false
	}
	for _, c := range cancels {
		c()
	}
	log.Info().Str("module", "relay.registry").Str("sid", sessionID).Msg("canceled session")
	return true
}

// Sessions reports the number of live pairs.
func (r *Registry) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pairs)
}
