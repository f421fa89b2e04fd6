package session

import (
	"encoding/json"
)

// Provider realtime event names carried over the data channel (direct
// topology) or mirrored through the relay as transcript-delta events.
const (
	EventSessionCreated          = "session.created"
	EventInputTranscriptComplete = "conversation.item.input_audio_transcription.completed"
	EventTranscriptDelta         = "response.audio_transcript.delta"
	EventTranscriptDone          = "response.audio_transcript.done"
	EventResponseDone            = "response.done"
	EventError                   = "error"
)

// ProviderEvent is the tagged union of inbound provider messages. Each
// variant populates only the fields it carries.
type ProviderEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ParseProviderEvent decodes one data-channel payload. Malformed input is
// an error for the caller to log and drop, never to escalate.
func ParseProviderEvent(data []byte) (ProviderEvent, error) {
	var ev ProviderEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ProviderEvent{}, err
	}
	return ev, nil
}

// sessionUpdate configures the provider session once the data channel
// opens: voice, behavioral instructions and turn detection.
type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Voice             string         `json:"voice"`
	Instructions      string         `json:"instructions"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
	InputTranscribe   *transcription `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type transcription struct {
	Model string `json:"model"`
}

type responseCreate struct {
	Type     string               `json:"type"`
	Response *responseCreateInner `json:"response,omitempty"`
}

type responseCreateInner struct {
	Instructions string `json:"instructions,omitempty"`
}

func newSessionUpdate(voice, instructions string) sessionUpdate {
	return sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			Voice:             voice,
			Instructions:      instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMS:   300,
				SilenceDurationMS: 500,
			},
			InputTranscribe: &transcription{Model: "whisper-1"},
		},
	}
}
