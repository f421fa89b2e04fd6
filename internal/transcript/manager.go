package transcript

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultBatchSize    = 10
	defaultBatchTimeout = 5 * time.Second
)

// Manager buffers, batches and persists transcript fragments. Entries go
// into the UI-visible history immediately; the flush buffer is written to
// the store on size, timeout, manual flush or teardown, whichever comes
// first. A failed batch falls back to per-entry saves.
type Manager struct {
	mu        sync.Mutex
	sessionID string
	ephemeral bool
	store     Store

	history []Entry
	buffer  []Entry

	batchSize    int
	batchTimeout time.Duration
	timer        *time.Timer

	onUpdate func(string)
	closed   bool
}

type Option func(*Manager)

// WithBatchSize overrides the flush threshold.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithBatchTimeout overrides the pending-flush window.
func WithBatchTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.batchTimeout = d
		}
	}
}

// Ephemeral marks the session as test/throwaway: entries update local
// history only and are never persisted.
func Ephemeral() Option {
	return func(m *Manager) { m.ephemeral = true }
}

// WithUpdateCallback receives a speaker-prefixed formatted line for every
// entry added to the history.
func WithUpdateCallback(fn func(string)) Option {
	return func(m *Manager) { m.onUpdate = fn }
}

func NewManager(sessionID string, store Store, opts ...Option) *Manager {
	m := &Manager{
		sessionID:    sessionID,
		store:        store,
		batchSize:    defaultBatchSize,
		batchTimeout: defaultBatchTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddEntry appends to the visible history and notifies the UI callback.
func (m *Manager) AddEntry(e Entry) {
	m.mu.Lock()
	m.history = append(m.history, e)
	cb := m.onUpdate
	m.mu.Unlock()
	if cb != nil {
		cb(fmt.Sprintf("%s: %s", e.Label(), e.Text))
	}
}

// Save records a fragment in the history and, unless the session is
// ephemeral, queues it for persistence. Blank text is dropped.
func (m *Manager) Save(text string, speaker Speaker) {
	e, ok := NewEntry(text, speaker)
	if !ok {
		return
	}
	m.AddEntry(e)

	m.mu.Lock()
	if m.ephemeral || m.closed {
		m.mu.Unlock()
		return
	}
	m.buffer = append(m.buffer, e)
	full := len(m.buffer) >= m.batchSize
	if !full && m.timer == nil {
		m.timer = time.AfterFunc(m.batchTimeout, func() {
			if err := m.Flush(context.Background()); err != nil {
				log.Error().Err(err).Str("module", "transcript").Msg("timed flush")
			}
		})
	}
	m.mu.Unlock()

	if full {
		if err := m.Flush(context.Background()); err != nil {
			log.Error().Err(err).Str("module", "transcript").Msg("size flush")
		}
	}
}

// Flush sends the buffered batch in one call. On failure every entry is
// retried individually; an entry is abandoned only when the individual
// attempt also fails.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch := m.buffer
	m.buffer = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	err := m.store.SaveBatch(ctx, m.sessionID, batch)
	if err == nil {
		log.Info().Str("module", "transcript").Int("entries", len(batch)).Msg("batch flushed")
		return nil
	}
	log.Warn().Err(err).Str("module", "transcript").Int("entries", len(batch)).Msg("batch failed, falling back per entry")

	var lastErr error
	for _, e := range batch {
		if err := m.store.SaveOne(ctx, m.sessionID, e); err != nil {
			log.Error().Err(err).
				Str("module", "transcript").
				Str("speaker", string(e.Speaker)).
				Msg("entry abandoned")
			lastErr = err
		}
	}
	return lastErr
}

// Close flushes any buffered entries and stops accepting new ones.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.Flush(ctx)
}

// History returns a copy of the in-memory transcript sequence.
func (m *Manager) History() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}
