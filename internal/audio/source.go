package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Source delivers PCM16 frames from a live audio input. ReadFrame blocks
// until a frame is available and returns io.EOF when the source ends.
type Source interface {
	ReadFrame() ([]int16, error)
	Close() error
}

// Decoder converts an RTP payload into PCM16 samples.
type Decoder func(payload []byte) ([]int16, error)

// PCM16Decoder interprets the payload as little-endian 16-bit PCM. Used
// for L16 tracks and as the simulation-mode default.
func PCM16Decoder(payload []byte) ([]int16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("odd pcm16 payload length %d", len(payload))
	}
	samples := make([]int16, len(payload)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return samples, nil
}

// TrackSource adapts a remote WebRTC track into a Source. Late packets
// are dropped so the level signal never jumps backwards in time.
type TrackSource struct {
	track   *webrtc.TrackRemote
	decode  Decoder
	started bool
	lastSeq uint16
}

func NewTrackSource(track *webrtc.TrackRemote, decode Decoder) *TrackSource {
	if decode == nil {
		decode = PCM16Decoder
	}
	return &TrackSource{track: track, decode: decode}
}

func (s *TrackSource) ReadFrame() ([]int16, error) {
	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			return nil, err
		}
		if s.started && stale(pkt, s.lastSeq) {
			continue
		}
		s.started = true
		s.lastSeq = pkt.SequenceNumber
		return s.decode(pkt.Payload)
	}
}

// stale reports whether pkt arrived behind the last delivered sequence
// number, mod 2^16 (RFC 3550 wraparound).
func stale(pkt *rtp.Packet, last uint16) bool {
	return pkt.SequenceNumber != last && last-pkt.SequenceNumber < 1<<15
}

// Close is a no-op: the owning peer connection stops the track.
func (s *TrackSource) Close() error { return nil }
