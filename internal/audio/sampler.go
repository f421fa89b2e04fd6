package audio

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// Emits are throttled so downstream UI work stays cheap.
	defaultEmitInterval = 100 * time.Millisecond
	vizBuckets          = 32
)

var ErrNoSource = errors.New("audio: no source")

// Sampler streams a live audio source into a throttled level signal
// (0-100) plus a small downsampled visualization slice. One source is
// live at a time; starting a new one tears down the previous loop first.
type Sampler struct {
	mu        sync.Mutex
	src       Source
	cancel    context.CancelFunc
	done      chan struct{}
	recording bool
	level     int
	onLevel   func(level int, viz []int)
	interval  time.Duration
}

func NewSampler(onLevel func(level int, viz []int)) *Sampler {
	return &Sampler{onLevel: onLevel, interval: defaultEmitInterval}
}

// Start begins sampling src. A nil src is the degraded no-microphone case:
// the error is returned, recording stays false and nothing leaks.
func (s *Sampler) Start(src Source) error {
	if src == nil {
		log.Warn().Str("module", "audio").Msg("no audio source, staying silent")
		return ErrNoSource
	}
	s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.src = src
	s.cancel = cancel
	s.done = done
	s.recording = true
	s.mu.Unlock()

	go s.loop(ctx, src, done)
	return nil
}

// Stop cancels the read loop and releases the source. Safe to call
// repeatedly and when never started. A loop still blocked on an in-flight
// frame exits on its own; the generation check below keeps it from
// touching the sampler once stopped.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	src := s.src
	s.cancel = nil
	s.done = nil
	s.src = nil
	s.recording = false
	s.level = 0
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if src != nil {
		_ = src.Close()
	}
}

func (s *Sampler) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

func (s *Sampler) Level() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *Sampler) loop(ctx context.Context, src Source, done chan struct{}) {
	defer close(done)
	var lastEmit time.Time
	for {
		frame, err := src.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				log.Info().Str("module", "audio").Err(err).Msg("audio source ended")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if len(frame) == 0 || time.Since(lastEmit) < s.interval {
			continue
		}
		lastEmit = time.Now()
		level := levelOf(frame)
		viz := visualize(frame)

		// A stop may have swapped the live loop out while this frame was
		// in flight; drop the update rather than mutate a dead sampler.
		s.mu.Lock()
		if s.done != done {
			s.mu.Unlock()
			return
		}
		s.level = level
		cb := s.onLevel
		s.mu.Unlock()
		if cb != nil {
			cb(level, viz)
		}
	}
}

// levelOf maps the RMS amplitude of a PCM16 frame onto 0-100.
func levelOf(frame []int16) int {
	var sum float64
	for _, v := range frame {
		f := float64(v)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	level := int(rms / 327.67)
	if level > 100 {
		level = 100
	}
	return level
}

// visualize downsamples a frame into a fixed number of 0-100 buckets.
func visualize(frame []int16) []int {
	out := make([]int, vizBuckets)
	if len(frame) == 0 {
		return out
	}
	per := len(frame) / vizBuckets
	if per == 0 {
		per = 1
	}
	for b := 0; b < vizBuckets; b++ {
		start := b * per
		if start >= len(frame) {
			break
		}
		end := start + per
		if end > len(frame) {
			end = len(frame)
		}
		var peak int
		for _, v := range frame[start:end] {
			a := int(v)
			if a < 0 {
				a = -a
			}
			if a > peak {
				peak = a
			}
		}
		v := peak * 100 / 32767
		if v > 100 {
			v = 100
		}
		out[b] = v
	}
	return out
}
