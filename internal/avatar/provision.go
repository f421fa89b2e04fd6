package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrIncompleteCredentials = errors.New("avatar: incomplete credentials")

// Credentials are short-lived, single-use per session and never leave
// process memory.
type Credentials struct {
	AppID   string `json:"agora_app_id"`
	Channel string `json:"agora_channel"`
	Token   string `json:"agora_token"`
	UID     uint32 `json:"agora_uid"`
}

// Provisioner obtains streaming credentials from the external avatar
// provisioning collaborator.
type Provisioner struct {
	endpoint string
	client   *http.Client
}

func NewProvisioner(endpoint string) *Provisioner {
	return &Provisioner{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *Provisioner) Provision(ctx context.Context, sessionID string) (*Credentials, error) {
	body, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("avatar provision: status %d", resp.StatusCode)
	}
	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, err
	}
	if creds.AppID == "" || creds.Channel == "" || creds.Token == "" {
		return nil, ErrIncompleteCredentials
	}
	return &creds, nil
}
