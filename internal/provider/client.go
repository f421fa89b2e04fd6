package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNoToken = errors.New("provider: empty ephemeral token")
)

// TokenRequest identifies the session asking for a short-lived realtime
// credential. The tenant arrives as a single resolved id; this layer
// never reaches into tenant records itself.
type TokenRequest struct {
	Model     string `json:"model"`
	Voice     string `json:"voice"`
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId"`
}

type tokenResponse struct {
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
	Model string `json:"model"`
}

// TokenIssuer fetches single-use ephemeral tokens from the external
// token-issuance collaborator. Tokens live for tens of seconds and are
// never persisted.
type TokenIssuer struct {
	endpoint string
	client   *http.Client
}

func NewTokenIssuer(endpoint string) *TokenIssuer {
	return &TokenIssuer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Issue returns the ephemeral token value and the model the token was
// minted for.
func (t *TokenIssuer) Issue(ctx context.Context, req TokenRequest) (string, string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("token issue: status %d", resp.StatusCode)
	}
	var decoded tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", "", err
	}
	if decoded.ClientSecret.Value == "" {
		return "", "", ErrNoToken
	}
	log.Info().Str("module", "provider").Str("model", decoded.Model).Msg("ephemeral token issued")
	return decoded.ClientSecret.Value, decoded.Model, nil
}

// Realtime exchanges SDP with the AI provider's realtime endpoint.
type Realtime struct {
	endpoint string
	client   *http.Client
}

func NewRealtime(endpoint string) *Realtime {
	return &Realtime{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// ExchangeSDP posts the local offer SDP with the bearer token and returns
// the provider's answer SDP.
func (r *Realtime) ExchangeSDP(ctx context.Context, token, model, offerSDP string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}
	url := r.endpoint
	if model != "" {
		url = fmt.Sprintf("%s?model=%s", r.endpoint, model)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("sdp exchange: status %d: %s", resp.StatusCode, strings.TrimSpace(string(answer)))
	}
	return string(answer), nil
}
