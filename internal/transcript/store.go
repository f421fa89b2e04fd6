package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Store persists transcript entries. SaveBatch writes many entries in one
// call; SaveOne is the finer-grained fallback used when a batch fails.
type Store interface {
	SaveBatch(ctx context.Context, sessionID string, entries []Entry) error
	SaveOne(ctx context.Context, sessionID string, entry Entry) error
}

type wireEntry struct {
	Text      string `json:"text"`
	Speaker   string `json:"speaker"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

type savePayload struct {
	SessionID string      `json:"sessionId"`
	Entries   []wireEntry `json:"entries"`
}

// HTTPStore posts transcripts to the persistence collaborator.
type HTTPStore struct {
	endpoint string
	source   string
	client   *http.Client
}

func NewHTTPStore(endpoint, source string) *HTTPStore {
	return &HTTPStore{
		endpoint: endpoint,
		source:   source,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPStore) SaveBatch(ctx context.Context, sessionID string, entries []Entry) error {
	return s.post(ctx, sessionID, entries)
}

func (s *HTTPStore) SaveOne(ctx context.Context, sessionID string, entry Entry) error {
	return s.post(ctx, sessionID, []Entry{entry})
}

func (s *HTTPStore) post(ctx context.Context, sessionID string, entries []Entry) error {
	payload := savePayload{SessionID: sessionID, Entries: make([]wireEntry, 0, len(entries))}
	for _, e := range entries {
		payload.Entries = append(payload.Entries, wireEntry{
			Text:      e.Text,
			Speaker:   string(e.Speaker),
			Timestamp: e.Timestamp,
			Source:    s.source,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transcript save: status %d", resp.StatusCode)
	}
	return nil
}
