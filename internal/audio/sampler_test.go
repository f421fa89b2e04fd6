package audio

import (
	"io"
	"sync"
	"testing"
	"time"
)

// fakeSource feeds a fixed frame until closed.
type fakeSource struct {
	mu     sync.Mutex
	frame  []int16
	closed bool
	gate   chan struct{}
}

func newFakeSource(frame []int16) *fakeSource {
	return &fakeSource{frame: frame, gate: make(chan struct{}, 64)}
}

func (f *fakeSource) feed(n int) {
	for i := 0; i < n; i++ {
		f.gate <- struct{}{}
	}
}

func (f *fakeSource) ReadFrame() ([]int16, error) {
	<-f.gate
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, io.EOF
	}
	return f.frame, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	select {
	case f.gate <- struct{}{}:
	default:
	}
	return nil
}

func TestSamplerEmitsLevel(t *testing.T) {
	levels := make(chan int, 8)
	s := NewSampler(func(level int, viz []int) {
		if len(viz) != vizBuckets {
			t.Errorf("viz buckets = %d, want %d", len(viz), vizBuckets)
		}
		select {
		case levels <- level:
		default:
		}
	})
	s.interval = 0 // no throttle in tests

	src := newFakeSource([]int16{16000, -16000, 16000, -16000})
	if err := s.Start(src); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	src.feed(1)

	select {
	case level := <-levels:
		if level < 40 || level > 60 {
			t.Fatalf("level = %d, want mid-scale for half amplitude", level)
		}
	case <-time.After(time.Second):
		t.Fatalf("no level emitted")
	}
	if !s.Recording() {
		t.Fatalf("Recording() = false while started")
	}
	s.Stop()
	if s.Recording() || s.Level() != 0 {
		t.Fatalf("stop must clear recording flag and level")
	}
}

func TestSamplerStartWithoutSource(t *testing.T) {
	s := NewSampler(nil)
	if err := s.Start(nil); err == nil {
		t.Fatalf("Start(nil) should fail")
	}
	if s.Recording() {
		t.Fatalf("recording flag must stay false on acquisition failure")
	}
}

func TestSamplerStopIsIdempotent(t *testing.T) {
	s := NewSampler(nil)
	s.Stop()
	s.Stop()

	src := newFakeSource([]int16{100})
	if err := s.Start(src); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestSamplerRestartReplacesSource(t *testing.T) {
	s := NewSampler(nil)
	first := newFakeSource([]int16{100})
	second := newFakeSource([]int16{100})
	if err := s.Start(first); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(second); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Fatalf("previous source must be released on restart")
	}
	s.Stop()
}

func TestLevelOfBounds(t *testing.T) {
	if got := levelOf([]int16{0, 0, 0}); got != 0 {
		t.Fatalf("silence level = %d, want 0", got)
	}
	full := []int16{32767, -32767, 32767, -32767}
	if got := levelOf(full); got < 99 {
		t.Fatalf("full-scale level = %d, want ~100", got)
	}
}
