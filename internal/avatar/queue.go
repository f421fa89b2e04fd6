package avatar

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// Provider limits for the avatar data channel: per-message encoded
	// byte ceiling and bytes per rolling second.
	defaultChunkBytes  = 1000
	defaultBytesPerSec = 6000

	// A pause in the incoming text stream flushes the partial buffer so
	// natural mid-sentence pauses are not lost.
	defaultFlushDelay = 500 * time.Millisecond

	// Prefer breaking at a word boundary once past this share of the
	// chunk budget.
	wordBreakShare = 0.7

	rateWindow = time.Second
)

// Chunk is one rate-limited slice of an avatar message. Index is
// monotonic per message id; Final is true only on the last chunk.
type Chunk struct {
	MessageID string `json:"message_id"`
	Index     int    `json:"chunk_index"`
	Final     bool   `json:"final"`
	Text      string `json:"text"`
}

// Sender delivers encoded chunks to the avatar channel.
type Sender interface {
	Send(Chunk) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(Chunk) error

func (f SenderFunc) Send(c Chunk) error { return f(c) }

type sendRecord struct {
	at    time.Time
	bytes int
}

// Queue accumulates streamed text, sends every complete sentence
// immediately and flushes partial buffers after a short quiet period.
// Outbound chunks respect the per-message byte ceiling and the rolling
// per-second throughput ceiling, in index order.
type Queue struct {
	mu     sync.Mutex
	sendMu sync.Mutex

	sender     Sender
	buf        strings.Builder
	flushTimer *time.Timer
	closed     bool

	chunkBytes  int
	bytesPerSec int
	flushDelay  time.Duration

	window []sendRecord
	now    func() time.Time
	sleep  func(time.Duration)
	newID  func() string
}

func NewQueue(sender Sender) *Queue {
	return &Queue{
		sender:      sender,
		chunkBytes:  defaultChunkBytes,
		bytesPerSec: defaultBytesPerSec,
		flushDelay:  defaultFlushDelay,
		now:         time.Now,
		sleep:       time.Sleep,
		newID:       uuid.NewString,
	}
}

// Add appends streamed text and immediately sends any complete sentences
// found; the remainder stays buffered behind the inactivity timer.
func (q *Queue) Add(text string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf.WriteString(text)
	complete, rest := splitSentences(q.buf.String())
	q.buf.Reset()
	q.buf.WriteString(rest)
	q.resetFlushTimerLocked()
	q.mu.Unlock()

	for _, sentence := range complete {
		q.sendMessage(sentence)
	}
}

// Flush sends whatever partial text is buffered.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	text := strings.TrimSpace(q.buf.String())
	q.buf.Reset()
	q.stopFlushTimerLocked()
	q.mu.Unlock()

	if text != "" {
		q.sendMessage(text)
	}
}

// Finalize clears buffers, timers and in-flight accounting. Callable at
// any time, repeatedly, without panics.
func (q *Queue) Finalize() {
	q.mu.Lock()
	q.closed = true
	q.buf.Reset()
	q.stopFlushTimerLocked()
	q.window = nil
	q.mu.Unlock()
}

func (q *Queue) resetFlushTimerLocked() {
	if q.flushTimer != nil {
		q.flushTimer.Stop()
	}
	q.flushTimer = time.AfterFunc(q.flushDelay, q.Flush)
}

func (q *Queue) stopFlushTimerLocked() {
	if q.flushTimer != nil {
		q.flushTimer.Stop()
		q.flushTimer = nil
	}
}

// sendMessage chunks one message and delivers it in index order under
// the throughput ceiling.
func (q *Queue) sendMessage(text string) {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	id := q.newID()
	parts := q.split(id, text)
	for i, part := range parts {
		chunk := Chunk{
			MessageID: id,
			Index:     i,
			Final:     i == len(parts)-1,
			Text:      part,
		}
		encoded, err := json.Marshal(chunk)
		if err != nil {
			log.Error().Err(err).Str("module", "avatar").Msg("chunk marshal")
			return
		}
		q.throttle(len(encoded))
		if err := q.sender.Send(chunk); err != nil {
			log.Error().Err(err).Str("module", "avatar").Str("message_id", id).Int("chunk", i).Msg("chunk send failed")
			return
		}
	}
}

// split breaks text into pieces whose encoded chunk size stays at or
// below the ceiling, preferring word boundaries past 70% of the budget.
func (q *Queue) split(id string, text string) []string {
	var parts []string
	for text != "" {
		cut := q.fit(id, len(parts), text)
		parts = append(parts, strings.TrimRight(text[:cut], " "))
		text = strings.TrimLeft(text[cut:], " ")
	}
	return parts
}

// fit returns the largest byte prefix of text (on a rune boundary) whose
// encoded chunk fits the ceiling.
func (q *Queue) fit(id string, index int, text string) int {
	if q.encodedLen(id, index, text) <= q.chunkBytes {
		return len(text)
	}
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		mid = runeStart(text, mid)
		if mid <= lo {
			break
		}
		if q.encodedLen(id, index, text[:mid]) <= q.chunkBytes {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	cut := runeStart(text, lo)
	if cut == 0 {
		// Ceiling smaller than a single rune's envelope; emit one rune
		// rather than loop forever.
		_, size := utf8.DecodeRuneInString(text)
		return size
	}
	if i := strings.LastIndexByte(text[:cut], ' '); i+1 >= int(wordBreakShare*float64(cut)) && i > 0 {
		return i + 1
	}
	return cut
}

func (q *Queue) encodedLen(id string, index int, text string) int {
	encoded, err := json.Marshal(Chunk{MessageID: id, Index: index, Final: false, Text: text})
	if err != nil {
		return q.chunkBytes + 1
	}
	return len(encoded)
}

// throttle blocks until sending n more bytes keeps the rolling 1-second
// window under the throughput ceiling.
func (q *Queue) throttle(n int) {
	for {
		now := q.now()
		q.mu.Lock()
		kept := q.window[:0]
		total := 0
		var oldest time.Time
		for _, rec := range q.window {
			if now.Sub(rec.at) < rateWindow {
				if oldest.IsZero() || rec.at.Before(oldest) {
					oldest = rec.at
				}
				kept = append(kept, rec)
				total += rec.bytes
			}
		}
		q.window = kept
		if total+n <= q.bytesPerSec || len(kept) == 0 {
			q.window = append(q.window, sendRecord{at: now, bytes: n})
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		wait := oldest.Add(rateWindow).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		log.Debug().Str("module", "avatar").Dur("wait", wait).Msg("rate limit, delaying chunk")
		q.sleep(wait)
	}
}

// runeStart walks i back to the nearest rune boundary.
func runeStart(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// splitSentences extracts complete sentences (terminator followed by
// whitespace) and returns the unfinished remainder.
func splitSentences(s string) (complete []string, rest string) {
	start := 0
	for i := 0; i+1 < len(s); i++ {
		if !isTerminator(s[i]) || !isSpace(s[i+1]) {
			continue
		}
		if sentence := strings.TrimSpace(s[start : i+1]); sentence != "" {
			complete = append(complete, sentence)
		}
		start = i + 1
	}
	return complete, strings.TrimLeft(s[start:], " \t\n")
}

func isTerminator(c byte) bool { return c == '.' || c == '!' || c == '?' }

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
