package transcript

import (
	"strings"
	"time"
)

// Speaker identifies who produced a transcript fragment.
type Speaker string

const (
	SpeakerCandidate Speaker = "candidate"
	SpeakerAI        Speaker = "ai"
	SpeakerUnknown   Speaker = "unknown"
)

// Entry is one immutable transcript fragment.
type Entry struct {
	Text      string  `json:"text"`
	Speaker   Speaker `json:"speaker"`
	Timestamp string  `json:"timestamp"`
}

// NewEntry trims the text and defaults the timestamp. Returns ok=false
// for entries that are empty after trimming.
func NewEntry(text string, speaker Speaker) (Entry, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, false
	}
	switch speaker {
	case SpeakerCandidate, SpeakerAI:
	default:
		speaker = SpeakerUnknown
	}
	return Entry{
		Text:      text,
		Speaker:   speaker,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, true
}

// Label is the speaker prefix used in the formatted UI history.
func (e Entry) Label() string {
	switch e.Speaker {
	case SpeakerCandidate:
		return "Candidate"
	case SpeakerAI:
		return "AI"
	}
	return "Unknown"
}
