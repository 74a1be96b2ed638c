package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the marketplace API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer JWT; operator role is needed for settlement and alert tools
}

// Client is a pure HTTP client for the marketplace API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// CreateOrder places an order for one product.
func (c *Client) CreateOrder(ctx context.Context, productID, quantity int64, wallet, shipping string) (json.RawMessage, error) {
	body := map[string]any{
		"productId": productID,
		"quantity":  quantity,
	}
	if wallet != "" {
		body["walletAddress"] = wallet
	}
	if shipping != "" {
		body["shippingAddress"] = shipping
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/orders", nil, body)
}

// GetOrder returns one order with its lines and deposit call.
func (c *Client) GetOrder(ctx context.Context, orderID int64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+strconv.FormatInt(orderID, 10), nil, nil)
}

// ListOrders lists the caller's orders as buyer or seller.
func (c *Client) ListOrders(ctx context.Context, role, cursor string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/orders"
	if role == "seller" {
		path = "/v1/seller/orders"
	}
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// ConfirmOrder confirms an order as buyer or seller.
func (c *Client) ConfirmOrder(ctx context.Context, orderID int64, role string, greenApproved bool) (json.RawMessage, error) {
	path := "/v1/orders/" + strconv.FormatInt(orderID, 10) + "/confirm/" + role
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]bool{"isGreenApproved": greenApproved})
}

// CancelOrder cancels an order and refunds the buyer.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) (json.RawMessage, error) {
	path := "/v1/orders/" + strconv.FormatInt(orderID, 10) + "/cancel"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// GetBalance returns the caller's available and locked funds.
func (c *Client) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/balance", nil, nil)
}

// ListCalls lists settlement calls, optionally by status or order.
func (c *Client) ListCalls(ctx context.Context, status string, orderID int64, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if orderID > 0 {
		q.Set("orderId", strconv.FormatInt(orderID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/settlement/calls", q, nil)
}

// RetryCall replays a queued settlement call immediately.
func (c *Client) RetryCall(ctx context.Context, callID string) (json.RawMessage, error) {
	path := "/v1/settlement/calls/" + url.PathEscape(callID) + "/retry"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// VerifyCall checks a settlement call's transaction against the chain.
func (c *Client) VerifyCall(ctx context.Context, callID, txHash string) (json.RawMessage, error) {
	path := "/v1/settlement/calls/" + url.PathEscape(callID) + "/verify"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"txHash": txHash})
}

// ListAlerts lists settlement alerts, newest first.
func (c *Client) ListAlerts(ctx context.Context, severity string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if severity != "" {
		q.Set("severity", severity)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/alerts", q, nil)
}
