package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Receipt is the data returned by a successful network call.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Network is the settlement network as seen by the dispatcher.
type Network interface {
	// Execute submits one encoded call. token may be empty.
	Execute(ctx context.Context, token string, body []byte) (*Receipt, error)
	// Token obtains a short-lived auth token and its lifetime. An empty
	// token means the network does not require auth.
	Token(ctx context.Context) (string, time.Duration, error)
	// Snapshot returns informational network state (chain id, head block).
	Snapshot(ctx context.Context) (json.RawMessage, error)
}

// ClientConfig configures HTTPNetwork.
type ClientConfig struct {
	BaseURL string // e.g. "https://settlement.internal"
	APIKey  string
}

// HTTPNetwork talks to the settlement network over JSON/HTTP.
type HTTPNetwork struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewHTTPNetwork creates a settlement network client. Per-call deadlines come
// from the context; the client timeout is only a backstop.
func NewHTTPNetwork(cfg ClientConfig) *HTTPNetwork {
	return &HTTPNetwork{
		cfg:        ClientConfig{BaseURL: strings.TrimRight(cfg.BaseURL, "/"), APIKey: cfg.APIKey},
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

type executeResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func (n *HTTPNetwork) Execute(ctx context.Context, token string, body []byte) (*Receipt, error) {
	respBody, err := n.do(ctx, http.MethodPost, "/execute", token, body)
	if err != nil {
		return nil, err
	}

	var resp executeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = resp.Error
		}
		return nil, &RejectedError{Message: msg}
	}

	rcpt := &Receipt{}
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, rcpt)
	}
	return rcpt, nil
}

func (n *HTTPNetwork) Token(ctx context.Context) (string, time.Duration, error) {
	if n.cfg.APIKey == "" {
		return "", 0, nil
	}
	body, _ := json.Marshal(map[string]string{"apiKey": n.cfg.APIKey})
	respBody, err := n.do(ctx, http.MethodPost, "/auth/token", "", body)
	if err != nil {
		return "", 0, err
	}
	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"` // seconds
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if resp.Token == "" {
		return "", 0, fmt.Errorf("token response missing token")
	}
	return resp.Token, time.Duration(resp.ExpiresIn) * time.Second, nil
}

func (n *HTTPNetwork) Snapshot(ctx context.Context) (json.RawMessage, error) {
	respBody, err := n.do(ctx, http.MethodGet, "/network", "", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(respBody), nil
}

func (n *HTTPNetwork) do(ctx context.Context, method, path, token string, body []byte) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, n.cfg.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil {
			if apiErr.Message != "" {
				msg = apiErr.Message
			} else if apiErr.Error != "" {
				msg = apiErr.Error
			}
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return respBody, nil
}

var _ Network = (*HTTPNetwork)(nil)
